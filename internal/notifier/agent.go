// internal/notifier/agent.go
package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orra/pkg/health"
	"orra/pkg/streams"
	"orra/pkg/tenants"
)

// Bus is the slice of the stream substrate the dispatch agent consumes.
// *streams.Bus satisfies it.
type Bus interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	ReadGroup(ctx context.Context, group, consumer string, streamNames []string, count int64, block time.Duration) ([]streams.Delivery, error)
	Ack(ctx context.Context, stream, group, id string) error
	AppendDeadLetter(ctx context.Context, fields map[string]any) error
}

var successStatuses = map[string]bool{
	"success":   true,
	"filled":    true,
	"completed": true,
}

type Config struct {
	ConsumerGroup string
	ConsumerName  string
	ReadCount     int64
	Block         time.Duration
	// Loop-level backoff bounds; defaults 1s / 120s.
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
}

// Agent is one consumer inside the notification consumer group. It reads
// both event streams, routes each entry to its handler and acknowledges it
// exactly once, dead-lettering instead of redelivering on handler failure
// so a poison entry never blocks the group.
type Agent struct {
	cfg      Config
	log      *zap.SugaredLogger
	Health   *health.Health
	bus      Bus
	dir      tenants.Directory
	notifier Notifier

	stop     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config, log *zap.SugaredLogger, bus Bus, dir tenants.Directory, notifier Notifier) *Agent {
	if cfg.InitialRetryDelay <= 0 {
		cfg.InitialRetryDelay = time.Second
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 120 * time.Second
	}
	return &Agent{
		cfg:      cfg,
		log:      log,
		Health:   health.New("notifier-agent", true),
		bus:      bus,
		dir:      dir,
		notifier: notifier,
		stop:     make(chan struct{}),
	}
}

// Stop signals the consumer loop to exit. Idempotent.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
}

func (a *Agent) Run(ctx context.Context) {
	sources := []string{streams.ExecutionResultsStream, streams.AuthErrorsStream}

	retryDelay := a.cfg.InitialRetryDelay
	groupsReady := false
	for !a.stopping(ctx) {
		a.Health.MarkRun()

		if !groupsReady {
			if err := a.ensureGroups(ctx, sources); err != nil {
				a.Health.MarkError(err)
				a.log.Errorw("consumer group setup failed", "err", err)
				if !a.sleep(ctx, retryDelay) {
					return
				}
				retryDelay = nextDelay(retryDelay, a.cfg.MaxRetryDelay)
				continue
			}
			groupsReady = true
		}

		deliveries, err := a.bus.ReadGroup(ctx, a.cfg.ConsumerGroup, a.cfg.ConsumerName, sources, a.cfg.ReadCount, a.cfg.Block)
		if err != nil {
			a.Health.MarkError(err)
			a.log.Errorw("stream read failed", "err", err)
			if !a.sleep(ctx, retryDelay) {
				return
			}
			retryDelay = nextDelay(retryDelay, a.cfg.MaxRetryDelay)
			continue
		}
		if len(deliveries) == 0 {
			continue
		}

		for _, d := range deliveries {
			a.processEvent(ctx, d)
		}
		a.Health.MarkSuccess()
		retryDelay = a.cfg.InitialRetryDelay
	}
}

func (a *Agent) ensureGroups(ctx context.Context, sources []string) error {
	for _, stream := range sources {
		if err := a.bus.EnsureGroup(ctx, stream, a.cfg.ConsumerGroup); err != nil {
			return fmt.Errorf("ensure group on %s: %w", stream, err)
		}
	}
	return nil
}

// processEvent acknowledges the entry exactly once on both paths: directly
// on success, after dead-lettering on failure.
func (a *Agent) processEvent(ctx context.Context, d streams.Delivery) {
	if err := a.handle(ctx, d); err != nil {
		a.Health.AddMetric("events_failed", 1)
		a.log.Errorw("event handling failed", "stream", d.Stream, "id", d.ID, "err", err)

		payload, merr := json.Marshal(d.Fields)
		if merr != nil {
			payload = []byte("{}")
		}
		if err := a.bus.AppendDeadLetter(ctx, map[string]any{
			"source_stream": d.Stream,
			"message_id":    d.ID,
			"error":         err.Error(),
			"payload":       string(payload),
			"failed_at":     time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			a.log.Errorw("dead letter append failed", "stream", d.Stream, "id", d.ID, "err", err)
		}
		a.ack(ctx, d)
		return
	}
	a.Health.AddMetric("events_processed", 1)
	a.ack(ctx, d)
}

func (a *Agent) ack(ctx context.Context, d streams.Delivery) {
	if err := a.bus.Ack(ctx, d.Stream, a.cfg.ConsumerGroup, d.ID); err != nil {
		a.log.Errorw("ack failed", "stream", d.Stream, "id", d.ID, "err", err)
	}
}

func (a *Agent) handle(ctx context.Context, d streams.Delivery) error {
	kind, ok := kindForStream(d.Stream)
	if !ok {
		return fmt.Errorf("unknown source stream %q", d.Stream)
	}
	switch kind {
	case KindExecutionResult:
		return a.handleExecutionResult(ctx, d.Fields)
	case KindAuthError:
		return a.handleAuthError(ctx, d.Fields)
	default:
		return fmt.Errorf("unhandled event kind %d", kind)
	}
}

func (a *Agent) handleExecutionResult(ctx context.Context, fields map[string]string) error {
	if fields["tenant_id"] == "" || fields["user_id"] == "" {
		return errors.New("execution_results event missing tenant_id/user_id")
	}
	tenantID, err := uuid.Parse(fields["tenant_id"])
	if err != nil {
		return fmt.Errorf("bad tenant_id: %w", err)
	}
	userID, err := uuid.Parse(fields["user_id"])
	if err != nil {
		return fmt.Errorf("bad user_id: %w", err)
	}

	target, err := a.resolveTarget(ctx, tenantID, &userID)
	if err != nil {
		return err
	}

	status := strings.ToLower(fields["status"])
	if status == "" {
		status = "unknown"
	}
	isSuccess := successStatuses[status]

	message := "Trade executed successfully"
	severity := "info"
	if !isSuccess {
		reason := fields["error"]
		if reason == "" {
			reason = "unknown reason"
		}
		message = fmt.Sprintf("Trade execution failed: %s", reason)
		severity = "warning"
	}

	return a.notifier.Dispatch(ctx, target.Channel, map[string]any{
		"event_type":   "trade_execution",
		"severity":     severity,
		"tenant_id":    fields["tenant_id"],
		"user_id":      fields["user_id"],
		"channel":      target.Channel,
		"destination":  target.Destination,
		"trade_status": status,
		"message":      message,
		"meta":         fields,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}, false)
}

func (a *Agent) handleAuthError(ctx context.Context, fields map[string]string) error {
	if fields["tenant_id"] == "" {
		return errors.New("auth_errors event missing tenant_id")
	}
	tenantID, err := uuid.Parse(fields["tenant_id"])
	if err != nil {
		return fmt.Errorf("bad tenant_id: %w", err)
	}
	var userID *uuid.UUID
	if fields["user_id"] != "" {
		id, err := uuid.Parse(fields["user_id"])
		if err != nil {
			return fmt.Errorf("bad user_id: %w", err)
		}
		userID = &id
	}

	target, err := a.resolveTarget(ctx, tenantID, userID)
	if err != nil {
		return err
	}

	return a.notifier.Dispatch(ctx, target.Channel, map[string]any{
		"event_type":  "auth_2fa_failed",
		"severity":    "urgent",
		"tenant_id":   fields["tenant_id"],
		"user_id":     fields["user_id"],
		"channel":     target.Channel,
		"destination": target.Destination,
		"message":     "Urgent: brokerage 2FA login failed. Please re-check your credentials immediately.",
		"meta":        fields,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}, true)
}

func (a *Agent) resolveTarget(ctx context.Context, tenantID uuid.UUID, userID *uuid.UUID) (NotificationTarget, error) {
	if userID != nil {
		pref, err := a.dir.GetPreference(ctx, tenantID, *userID)
		if err == nil {
			return NotificationTarget{Channel: strings.ToLower(pref.Channel), Destination: pref.Destination}, nil
		}
		if !errors.Is(err, tenants.ErrNotFound) {
			return NotificationTarget{}, fmt.Errorf("preference lookup: %w", err)
		}
	}

	tenant, err := a.dir.GetTenant(ctx, tenantID)
	if err != nil {
		return NotificationTarget{}, fmt.Errorf("tenant %s: %w", tenantID, err)
	}
	// Fallback destination is the org id; routing happens workflow-side.
	return NotificationTarget{Channel: "email", Destination: tenant.OrgID}, nil
}

func (a *Agent) stopping(ctx context.Context) bool {
	select {
	case <-a.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (a *Agent) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-a.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

func nextDelay(cur, max time.Duration) time.Duration {
	next := cur * 2
	if max > 0 && next > max {
		return max
	}
	return next
}

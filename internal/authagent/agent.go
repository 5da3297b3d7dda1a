// internal/authagent/agent.go
package authagent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orra/internal/broker"
	"orra/pkg/health"
	"orra/pkg/tenants"
	"orra/pkg/vault"
)

// Bus is the slice of the stream substrate the refresh agent writes to.
// *streams.Bus satisfies it.
type Bus interface {
	SetSessionToken(ctx context.Context, tenantID uuid.UUID, token string, ttl time.Duration) error
	PublishTokenRefreshed(ctx context.Context, tenantID uuid.UUID) error
	AppendAuthError(ctx context.Context, fields map[string]any) error
}

type Config struct {
	RefreshInterval time.Duration
	TokenTTL        time.Duration
	// Cycle-level backoff bounds. InitialRetryDelay defaults to 1s.
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	// Operator login identities keyed by tenant id. A tenant missing from
	// either map is a per-tenant hard failure, not a cycle failure.
	OperatorUsers     map[string]string
	OperatorPasswords map[string]string
}

// Agent keeps every active tenant's brokerage session alive: each cycle it
// decrypts the tenant's credentials, drives the external login flow, swaps
// the exchange token for a session token and caches it with a TTL.
type Agent struct {
	cfg      Config
	log      *zap.SugaredLogger
	Health   *health.Health
	dir      tenants.Directory
	cipher   *vault.Cipher
	bus      Bus
	login    broker.LoginFlow
	sessions broker.SessionExchanger

	stop     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config, log *zap.SugaredLogger, dir tenants.Directory, cipher *vault.Cipher, bus Bus, login broker.LoginFlow, sessions broker.SessionExchanger) *Agent {
	if cfg.InitialRetryDelay <= 0 {
		cfg.InitialRetryDelay = time.Second
	}
	return &Agent{
		cfg:      cfg,
		log:      log,
		Health:   health.New("auth-agent", true),
		dir:      dir,
		cipher:   cipher,
		bus:      bus,
		login:    login,
		sessions: sessions,
		stop:     make(chan struct{}),
	}
}

// Stop signals the run loop to exit. Idempotent. The caller owns the Run
// goroutine and waits for it to return.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
}

// Run refreshes all tenant tokens once per interval until stopped. A failed
// cycle backs off exponentially; a successful cycle resets the backoff.
func (a *Agent) Run(ctx context.Context) {
	retryDelay := a.cfg.InitialRetryDelay
	for !a.stopping(ctx) {
		a.Health.MarkRun()
		if err := a.refreshAll(ctx); err != nil {
			a.Health.MarkError(err)
			a.log.Errorw("auth agent cycle failed", "err", err)
			if !a.sleep(ctx, retryDelay) {
				return
			}
			retryDelay = nextDelay(retryDelay, a.cfg.MaxRetryDelay)
			continue
		}
		a.Health.MarkSuccess()
		retryDelay = a.cfg.InitialRetryDelay
		if !a.sleep(ctx, a.cfg.RefreshInterval) {
			return
		}
	}
}

func (a *Agent) refreshAll(ctx context.Context) error {
	records, err := a.dir.ListAuthRecords(ctx)
	if err != nil {
		return fmt.Errorf("list auth records: %w", err)
	}

	refreshed := 0
	for _, rec := range records {
		if a.stopping(ctx) {
			break
		}
		if err := a.refreshOne(ctx, rec); err != nil {
			a.log.Errorw("tenant token refresh failed", "tenant", rec.TenantID, "err", err)
			a.emitAuthFailure(ctx, rec, err)
			continue
		}
		refreshed++
	}

	a.Health.SetMetric("tenants_seen", int64(len(records)))
	a.Health.SetMetric("tenants_refreshed", int64(refreshed))
	return nil
}

func (a *Agent) refreshOne(ctx context.Context, rec tenants.AuthRecord) error {
	apiKey, err := a.cipher.Decrypt(rec.APIKeyEncrypted)
	if err != nil {
		return fmt.Errorf("decrypt api key: %w", err)
	}
	apiSecret, err := a.cipher.Decrypt(rec.APISecretEncrypted)
	if err != nil {
		return fmt.Errorf("decrypt api secret: %w", err)
	}
	totpSecret, err := a.cipher.Decrypt(rec.TOTPSecretEncrypted)
	if err != nil {
		return fmt.Errorf("decrypt totp secret: %w", err)
	}

	tenantKey := rec.TenantID.String()
	user, okUser := a.cfg.OperatorUsers[tenantKey]
	pass, okPass := a.cfg.OperatorPasswords[tenantKey]
	if !okUser || !okPass {
		return fmt.Errorf("no operator login mapped for tenant %s", rec.TenantID)
	}

	requestToken, err := a.login.RequestToken(ctx, broker.LoginCredentials{
		TenantID:   rec.TenantID,
		APIKey:     apiKey,
		UserID:     user,
		Password:   pass,
		TOTPSecret: totpSecret,
	})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	token, err := a.sessions.ExchangeToken(ctx, apiKey, requestToken, apiSecret)
	if err != nil {
		return fmt.Errorf("session exchange: %w", err)
	}

	if err := a.bus.SetSessionToken(ctx, rec.TenantID, token, a.cfg.TokenTTL); err != nil {
		return fmt.Errorf("cache session token: %w", err)
	}
	if err := a.bus.PublishTokenRefreshed(ctx, rec.TenantID); err != nil {
		return fmt.Errorf("publish token refreshed: %w", err)
	}
	a.log.Infow("session token refreshed", "tenant", rec.TenantID)
	return nil
}

func (a *Agent) emitAuthFailure(ctx context.Context, rec tenants.AuthRecord, cause error) {
	err := a.bus.AppendAuthError(ctx, map[string]any{
		"event_type":  "auth_2fa_failed",
		"tenant_id":   rec.TenantID.String(),
		"user_id":     rec.UserID.String(),
		"severity":    "urgent",
		"error":       cause.Error(),
		"occurred_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		a.log.Errorw("auth failure event emit failed", "tenant", rec.TenantID, "err", err)
	}
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

// sleep waits d or until stop; false means the agent should exit.
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

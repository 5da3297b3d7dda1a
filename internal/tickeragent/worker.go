// internal/tickeragent/worker.go
package tickeragent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orra/internal/broker"
	"orra/pkg/health"
)

// Bus is the slice of the stream substrate the streaming side touches.
// *streams.Bus satisfies it.
type Bus interface {
	SessionToken(ctx context.Context, tenantID uuid.UUID) (string, bool, error)
	PublishTick(ctx context.Context, tenantID uuid.UUID, instrument uint32, payload []byte) error
	SetConnectionStatus(ctx context.Context, tenantID uuid.UUID, status string) error
}

// signal hands control from the streaming client's callback goroutine back
// to the worker goroutine. Safe to set from any goroutine, any number of
// times.
type signal struct {
	ch   chan struct{}
	once sync.Once
}

func newSignal() *signal { return &signal{ch: make(chan struct{})} }

func (s *signal) set() { s.once.Do(func() { close(s.ch) }) }

// Worker owns one tenant's reconnecting streaming connection. Its backoff
// state is fully local: one tenant's reconnect storm never starves a
// sibling's data flow.
type Worker struct {
	tenantID     uuid.UUID
	apiKey       string
	bus          Bus
	dialer       broker.StreamDialer
	instruments  []uint32
	health       *health.Health
	log          *zap.SugaredLogger
	initialDelay time.Duration
	maxDelay     time.Duration

	stop     chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	stream    broker.Stream
	connected bool
}

func NewWorker(tenantID uuid.UUID, apiKey string, bus Bus, dialer broker.StreamDialer, instruments []uint32, h *health.Health, log *zap.SugaredLogger, initialDelay, maxDelay time.Duration) *Worker {
	return &Worker{
		tenantID:     tenantID,
		apiKey:       apiKey,
		bus:          bus,
		dialer:       dialer,
		instruments:  instruments,
		health:       h,
		log:          log,
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		stop:         make(chan struct{}),
	}
}

// Stop moves the worker to its terminal state: no reconnect, connection
// closed. Idempotent.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.closeStream()
}

// Run cycles AcquiringToken → Connected → Disconnected until stopped. The
// reconnect delay grows on every disconnect and is never reset while the
// worker lives.
func (w *Worker) Run(ctx context.Context) {
	delay := w.initialDelay
	for w.running(ctx) {
		token, ok, err := w.bus.SessionToken(ctx, w.tenantID)
		if err != nil {
			w.log.Warnw("session token read failed", "tenant", w.tenantID, "err", err)
		} else if !ok {
			w.log.Warnw("no session token cached", "tenant", w.tenantID)
		}
		if err != nil || !ok {
			if !w.sleep(ctx, delay) {
				return
			}
			delay = nextDelay(delay, w.maxDelay)
			continue
		}

		disconnected := newSignal()
		stream, err := w.dialer.Dial(ctx, w.apiKey, token, w.handlers(ctx, disconnected))
		if err != nil {
			w.log.Errorw("ticker dial failed", "tenant", w.tenantID, "err", err)
			if !w.sleep(ctx, delay) {
				return
			}
			delay = nextDelay(delay, w.maxDelay)
			continue
		}
		w.setStream(stream)

		select {
		case <-disconnected.ch:
		case <-w.stop:
		case <-ctx.Done():
		}

		w.closeStream()
		if w.markDisconnected() {
			w.health.AddMetric("active_connections", -1)
		}
		if err := w.bus.SetConnectionStatus(ctx, w.tenantID, "disconnected"); err != nil {
			w.log.Warnw("connection status write failed", "tenant", w.tenantID, "err", err)
		}

		if !w.running(ctx) {
			return
		}
		if !w.sleep(ctx, delay) {
			return
		}
		delay = nextDelay(delay, w.maxDelay)
	}
}

// handlers are invoked from the streaming client's goroutine; they only
// touch the worker through the bus, the health counters and the disconnect
// signal.
func (w *Worker) handlers(ctx context.Context, disconnected *signal) broker.StreamHandlers {
	return broker.StreamHandlers{
		OnConnect: func(s broker.Stream) {
			w.log.Infow("ticker connected", "tenant", w.tenantID)
			if err := s.Subscribe(w.instruments); err != nil {
				w.log.Errorw("subscribe failed", "tenant", w.tenantID, "err", err)
				disconnected.set()
				return
			}
			if err := s.SetMode(broker.ModeFull, w.instruments); err != nil {
				w.log.Errorw("set mode failed", "tenant", w.tenantID, "err", err)
				disconnected.set()
				return
			}
			if err := w.bus.SetConnectionStatus(ctx, w.tenantID, "connected"); err != nil {
				w.log.Warnw("connection status write failed", "tenant", w.tenantID, "err", err)
			}
			w.markConnected()
			w.health.AddMetric("active_connections", 1)
		},
		OnTicks: func(ticks []broker.Tick) {
			for _, tick := range ticks {
				instrument, ok := tick.InstrumentToken()
				if !ok {
					continue
				}
				payload, err := json.Marshal(tick)
				if err != nil {
					continue
				}
				if err := w.bus.PublishTick(ctx, w.tenantID, instrument, payload); err != nil {
					w.log.Warnw("tick publish failed", "tenant", w.tenantID, "err", err)
					continue
				}
				w.health.AddMetric("ticks_published", 1)
			}
		},
		OnClose: func(code int, reason string) {
			w.log.Warnw("ticker closed", "tenant", w.tenantID, "code", code, "reason", reason)
			disconnected.set()
		},
		OnError: func(code int, reason string) {
			w.log.Errorw("ticker error", "tenant", w.tenantID, "code", code, "reason", reason)
			w.health.AddMetric("stream_errors", 1)
			disconnected.set()
		},
	}
}

func (w *Worker) markConnected() {
	w.mu.Lock()
	w.connected = true
	w.mu.Unlock()
}

// markDisconnected reports whether the worker was connected, so the gauge is
// only decremented once per established connection.
func (w *Worker) markDisconnected() bool {
	w.mu.Lock()
	was := w.connected
	w.connected = false
	w.mu.Unlock()
	return was
}

func (w *Worker) setStream(s broker.Stream) {
	w.mu.Lock()
	w.stream = s
	w.mu.Unlock()
}

// closeStream is safe to call from any state and any number of times.
func (w *Worker) closeStream() {
	w.mu.Lock()
	s := w.stream
	w.stream = nil
	w.mu.Unlock()
	if s != nil {
		if err := s.Close(); err != nil {
			w.log.Warnw("ticker close failed", "tenant", w.tenantID, "err", err)
		}
	}
}

func (w *Worker) running(ctx context.Context) bool {
	select {
	case <-w.stop:
		return false
	case <-ctx.Done():
		return false
	default:
		return true
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-w.stop:
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

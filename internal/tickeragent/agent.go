// internal/tickeragent/agent.go
package tickeragent

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"orra/internal/broker"
	"orra/pkg/health"
	"orra/pkg/tenants"
	"orra/pkg/vault"
)

type Config struct {
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	Instruments           []uint32
	// HealthInterval is the agent's own roster/health cycle period.
	// Defaults to 30s.
	HealthInterval time.Duration
}

// Agent spawns one streaming worker per tenant with linked credentials.
// The roster is discovered once at startup: tenants added later are picked
// up on the next process restart, a documented limitation of this revision.
type Agent struct {
	cfg    Config
	log    *zap.SugaredLogger
	Health *health.Health
	dir    tenants.Directory
	cipher *vault.Cipher
	bus    Bus
	dialer broker.StreamDialer

	stop     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	started bool
	workers []*Worker
	wg      sync.WaitGroup
}

func New(cfg Config, log *zap.SugaredLogger, dir tenants.Directory, cipher *vault.Cipher, bus Bus, dialer broker.StreamDialer) *Agent {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	return &Agent{
		cfg:    cfg,
		log:    log,
		Health: health.New("ticker-agent", true),
		dir:    dir,
		cipher: cipher,
		bus:    bus,
		dialer: dialer,
		stop:   make(chan struct{}),
	}
}

// Stop signals every worker and waits until all of them have shut down.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
	a.mu.Lock()
	workers := a.workers
	a.mu.Unlock()
	for _, w := range workers {
		w.Stop()
	}
	a.wg.Wait()
}

func (a *Agent) Run(ctx context.Context) {
	if len(a.cfg.Instruments) == 0 {
		err := errors.New("no instruments configured")
		a.Health.MarkError(err)
		a.log.Errorw("ticker agent cannot start", "err", err)
		return
	}

	retryDelay := a.cfg.ReconnectInitialDelay
	for !a.stopping(ctx) {
		a.Health.MarkRun()
		if err := a.startWorkersOnce(ctx); err != nil {
			a.Health.MarkError(err)
			a.log.Errorw("ticker agent cycle failed", "err", err)
			if !a.sleep(ctx, retryDelay) {
				return
			}
			retryDelay = nextDelay(retryDelay, a.cfg.ReconnectMaxDelay)
			continue
		}
		a.Health.MarkSuccess()
		retryDelay = a.cfg.ReconnectInitialDelay
		if !a.sleep(ctx, a.cfg.HealthInterval) {
			return
		}
	}
}

// startWorkersOnce refreshes the roster metric every cycle but spawns
// workers only on the first successful pass.
func (a *Agent) startWorkersOnce(ctx context.Context) error {
	configs, err := a.dir.ListTickerConfigs(ctx)
	if err != nil {
		return err
	}
	a.Health.SetMetric("tenants_seen", int64(len(configs)))

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}

	for _, cfg := range configs {
		apiKey, err := a.cipher.Decrypt(cfg.APIKeyEncrypted)
		if err != nil {
			a.log.Errorw("skipping tenant, api key decrypt failed", "tenant", cfg.TenantID, "err", err)
			a.Health.AddMetric("tenants_skipped", 1)
			continue
		}
		w := NewWorker(cfg.TenantID, apiKey, a.bus, a.dialer, a.cfg.Instruments, a.Health, a.log,
			a.cfg.ReconnectInitialDelay, a.cfg.ReconnectMaxDelay)
		a.workers = append(a.workers, w)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			w.Run(ctx)
		}()
	}
	a.started = true
	a.log.Infow("ticker workers started", "count", len(a.workers))
	return nil
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

// pkg/health/health.go
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// Health is the per-agent status record. The owning agent goroutine is the
// only writer; the probe handlers read concurrently, hence the mutex.
type Health struct {
	mu            sync.Mutex
	name          string
	healthy       bool
	ready         bool
	lastError     string
	lastRunAt     time.Time
	lastSuccessAt time.Time
	metrics       map[string]int64
}

// Status is the JSON shape served on /health.
type Status struct {
	Name          string           `json:"name"`
	Healthy       bool             `json:"healthy"`
	Ready         bool             `json:"ready"`
	LastError     *string          `json:"last_error"`
	LastRunAt     *time.Time       `json:"last_run_at"`
	LastSuccessAt *time.Time       `json:"last_success_at"`
	Metrics       map[string]int64 `json:"metrics"`
}

func New(name string, ready bool) *Health {
	return &Health{name: name, ready: ready, metrics: map[string]int64{}}
}

func (h *Health) MarkRun() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastRunAt = time.Now().UTC()
}

func (h *Health) MarkSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.healthy = true
	h.ready = true
	h.lastError = ""
	h.lastSuccessAt = time.Now().UTC()
}

func (h *Health) MarkError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.healthy = false
	h.lastError = err.Error()
}

func (h *Health) SetMetric(name string, v int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metrics[name] = v
}

func (h *Health) AddMetric(name string, delta int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if v := h.metrics[name] + delta; v < 0 {
		h.metrics[name] = 0
	} else {
		h.metrics[name] = v
	}
}

func (h *Health) Metric(name string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.metrics[name]
}

func (h *Health) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

func (h *Health) Snapshot() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Status{
		Name:    h.name,
		Healthy: h.healthy,
		Ready:   h.ready,
		Metrics: make(map[string]int64, len(h.metrics)),
	}
	for k, v := range h.metrics {
		s.Metrics[k] = v
	}
	if h.lastError != "" {
		e := h.lastError
		s.LastError = &e
	}
	if !h.lastRunAt.IsZero() {
		t := h.lastRunAt
		s.LastRunAt = &t
	}
	if !h.lastSuccessAt.IsZero() {
		t := h.lastSuccessAt
		s.LastSuccessAt = &t
	}
	return s
}

// Routes mounts the liveness endpoints for orchestration probes.
func (h *Health) Routes(r chi.Router) {
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(h.Snapshot())
	})
	r.Get("/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]bool{"ready": h.Ready()})
	})
}

package health

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkSuccessClearsError(t *testing.T) {
	h := New("auth-agent", true)
	h.MarkRun()
	h.MarkError(errors.New("boom"))

	s := h.Snapshot()
	assert.False(t, s.Healthy)
	require.NotNil(t, s.LastError)
	assert.Equal(t, "boom", *s.LastError)
	assert.NotNil(t, s.LastRunAt)
	assert.Nil(t, s.LastSuccessAt)

	h.MarkSuccess()
	s = h.Snapshot()
	assert.True(t, s.Healthy)
	assert.True(t, s.Ready)
	assert.Nil(t, s.LastError)
	assert.NotNil(t, s.LastSuccessAt)
}

func TestMetrics(t *testing.T) {
	h := New("ticker-agent", true)
	h.SetMetric("tenants_seen", 3)
	h.AddMetric("ticks_published", 1)
	h.AddMetric("ticks_published", 1)
	h.AddMetric("active_connections", -5) // clamped at zero

	assert.Equal(t, int64(3), h.Metric("tenants_seen"))
	assert.Equal(t, int64(2), h.Metric("ticks_published"))
	assert.Equal(t, int64(0), h.Metric("active_connections"))
}

func TestRoutes(t *testing.T) {
	h := New("notifier-agent", false)
	h.SetMetric("events_processed", 7)

	r := chi.NewRouter()
	h.Routes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, 200, rec.Code)
	var s Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, "notifier-agent", s.Name)
	assert.Equal(t, int64(7), s.Metrics["events_processed"])

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/ready", nil))
	require.Equal(t, 200, rec.Code)
	assert.JSONEq(t, `{"ready":false}`, rec.Body.String())
}

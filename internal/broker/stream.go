// internal/broker/stream.go
package broker

import (
	"context"
	"encoding/json"
)

// Tick is one market-data update as delivered by the feed: a flat field map
// republished opaque downstream.
type Tick map[string]any

// InstrumentToken extracts the instrument identifier; ok=false when the feed
// sent a tick without one (such ticks are skipped, not an error).
func (t Tick) InstrumentToken() (uint32, bool) {
	switch v := t["instrument_token"].(type) {
	case float64:
		return uint32(v), true
	case int:
		return uint32(v), true
	case uint32:
		return v, true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return uint32(n), true
		}
	}
	return 0, false
}

// Mode is the subscription detail level.
type Mode string

const (
	ModeLTP   Mode = "ltp"
	ModeQuote Mode = "quote"
	ModeFull  Mode = "full"
)

// StreamHandlers are invoked from the streaming client's own goroutine, not
// the worker's. Implementations must hand control back through a thread-safe
// signal, never by mutating worker state directly.
type StreamHandlers struct {
	OnConnect func(s Stream)
	OnTicks   func(ticks []Tick)
	OnClose   func(code int, reason string)
	OnError   func(code int, reason string)
}

// Stream is one live connection to the market-data feed.
type Stream interface {
	Subscribe(tokens []uint32) error
	SetMode(mode Mode, tokens []uint32) error
	// Close is idempotent; the worker calls it defensively on every
	// disconnect path.
	Close() error
}

// StreamDialer opens streams; the per-tenant worker owns exactly one at a
// time.
type StreamDialer interface {
	Dial(ctx context.Context, apiKey, accessToken string, h StreamHandlers) (Stream, error)
}

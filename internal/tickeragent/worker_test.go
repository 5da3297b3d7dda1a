package tickeragent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"orra/internal/broker"
	"orra/pkg/health"
)

type publishedTick struct {
	tenantID   uuid.UUID
	instrument uint32
	payload    []byte
}

type fakeBus struct {
	mu       sync.Mutex
	tokens   map[uuid.UUID]string
	ticks    []publishedTick
	statuses []string
}

func newTickerFakeBus() *fakeBus {
	return &fakeBus{tokens: map[uuid.UUID]string{}}
}

func (f *fakeBus) SessionToken(_ context.Context, tenantID uuid.UUID) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tok, ok := f.tokens[tenantID]
	return tok, ok, nil
}

func (f *fakeBus) PublishTick(_ context.Context, tenantID uuid.UUID, instrument uint32, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks = append(f.ticks, publishedTick{tenantID, instrument, payload})
	return nil
}

func (f *fakeBus) SetConnectionStatus(_ context.Context, tenantID uuid.UUID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

type fakeStream struct {
	mu         sync.Mutex
	closed     int
	subscribed [][]uint32
	modes      []broker.Mode
}

func (s *fakeStream) Subscribe(tokens []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = append(s.subscribed, tokens)
	return nil
}

func (s *fakeStream) SetMode(mode broker.Mode, _ []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modes = append(s.modes, mode)
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type dialRec struct {
	stream   *fakeStream
	handlers broker.StreamHandlers
}

type fakeDialer struct {
	mu    sync.Mutex
	dials []dialRec
}

// Dial invokes OnConnect on its own goroutine, as the vendor client does.
func (d *fakeDialer) Dial(_ context.Context, _, _ string, h broker.StreamHandlers) (broker.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &fakeStream{}
	d.dials = append(d.dials, dialRec{stream: s, handlers: h})
	go h.OnConnect(s)
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) dial(i int) dialRec {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[i]
}

func newTestWorker(bus *fakeBus, dialer *fakeDialer) *Worker {
	return NewWorker(uuid.New(), "apikey", bus, dialer, []uint32{256265, 260105},
		health.New("ticker-agent", true), zap.NewNop().Sugar(),
		time.Millisecond, 4*time.Millisecond)
}

func TestWorkerNeverDialsWithoutToken(t *testing.T) {
	bus := newTickerFakeBus()
	dialer := &fakeDialer{}
	w := newTestWorker(bus, dialer)

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	w.Stop()
	<-done

	assert.Zero(t, dialer.dialCount())
}

func TestWorkerSubscribesFullModeOnConnect(t *testing.T) {
	bus := newTickerFakeBus()
	dialer := &fakeDialer{}
	w := newTestWorker(bus, dialer)
	bus.tokens[w.tenantID] = "tok"

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return dialer.dialCount() == 1 }, time.Second, time.Millisecond)
	rec := dialer.dial(0)
	require.Eventually(t, func() bool {
		rec.stream.mu.Lock()
		defer rec.stream.mu.Unlock()
		return len(rec.stream.subscribed) == 1 && len(rec.stream.modes) == 1
	}, time.Second, time.Millisecond)

	assert.Equal(t, []uint32{256265, 260105}, rec.stream.subscribed[0])
	assert.Equal(t, broker.ModeFull, rec.stream.modes[0])

	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.statuses) > 0 && bus.statuses[0] == "connected"
	}, time.Second, time.Millisecond)

	w.Stop()
	<-done
}

func TestWorkerRepublishesTicks(t *testing.T) {
	bus := newTickerFakeBus()
	dialer := &fakeDialer{}
	w := newTestWorker(bus, dialer)
	bus.tokens[w.tenantID] = "tok"

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return dialer.dialCount() == 1 }, time.Second, time.Millisecond)
	rec := dialer.dial(0)

	rec.handlers.OnTicks([]broker.Tick{
		{"instrument_token": float64(256265), "last_price": 101.5},
		{"last_price": 9.0}, // no instrument token: skipped
		{"instrument_token": float64(260105), "last_price": 55.25},
	})

	bus.mu.Lock()
	require.Len(t, bus.ticks, 2)
	assert.Equal(t, w.tenantID, bus.ticks[0].tenantID)
	assert.Equal(t, uint32(256265), bus.ticks[0].instrument)
	assert.Contains(t, string(bus.ticks[0].payload), "101.5")
	assert.Equal(t, uint32(260105), bus.ticks[1].instrument)
	bus.mu.Unlock()

	assert.Equal(t, int64(2), w.health.Metric("ticks_published"))

	w.Stop()
	<-done
}

func TestWorkerErrorCallbackReconnects(t *testing.T) {
	bus := newTickerFakeBus()
	dialer := &fakeDialer{}
	w := newTestWorker(bus, dialer)
	bus.tokens[w.tenantID] = "tok"

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return dialer.dialCount() == 1 }, time.Second, time.Millisecond)
	first := dialer.dial(0)
	first.handlers.OnError(1006, "abnormal closure")

	// Worker closes the dropped connection exactly once and re-acquires.
	require.Eventually(t, func() bool { return dialer.dialCount() >= 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, first.stream.closeCount())

	bus.mu.Lock()
	assert.Contains(t, bus.statuses, "disconnected")
	bus.mu.Unlock()

	w.Stop()
	<-done
}

func TestWorkerStopIsTerminal(t *testing.T) {
	bus := newTickerFakeBus()
	dialer := &fakeDialer{}
	w := newTestWorker(bus, dialer)
	bus.tokens[w.tenantID] = "tok"

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return dialer.dialCount() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return w.health.Metric("active_connections") == 1
	}, time.Second, time.Millisecond)
	w.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}

	dialsAtStop := dialer.dialCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, dialsAtStop, dialer.dialCount())
	assert.Equal(t, 1, dialer.dial(0).stream.closeCount())

	// Stop again: idempotent, no double close.
	w.Stop()
	assert.Equal(t, 1, dialer.dial(0).stream.closeCount())
	assert.Equal(t, int64(0), w.health.Metric("active_connections"))
}

func TestNextDelayGrowsToCeiling(t *testing.T) {
	d := 2 * time.Millisecond
	var prev time.Duration
	for i := 0; i < 8; i++ {
		assert.GreaterOrEqual(t, d, prev)
		prev = d
		d = nextDelay(d, 16*time.Millisecond)
	}
	assert.Equal(t, 16*time.Millisecond, d)
}

package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"trailguard/internal/domain"
	"trailguard/internal/store"
)

const fillEvent = `{"stream":"trade_updates","data":{"event":"fill","timestamp":"2024-03-01T15:04:05Z",
"order":{"id":"entry-1","client_order_id":"c-1","symbol":"AAPL","side":"buy","type":"market",
"time_in_force":"day","status":"filled","order_class":"simple","qty":"10","filled_qty":"10",
"filled_avg_price":"150.25","filled_at":"2024-03-01T15:04:05Z"}}}`

const newEvent = `{"event":"new","order":{"id":"o-2","symbol":"MSFT","side":"buy","type":"limit","qty":"1"}}`

type failingOrderStore struct {
	store.StateStore
}

func (failingOrderStore) UpsertOrder(context.Context, string, domain.Order, string) error {
	return errors.New("disk full")
}

type panickingStore struct {
	store.StateStore
}

func (panickingStore) UpsertOrder(context.Context, string, domain.Order, string) error {
	panic("boom")
}

func newTestConsumer(st store.StateStore, b *MockBroker, source *fakeSource) *StreamConsumer {
	s := testSettings()
	protector := NewAutoProtector(s, b, st, nil, testLogger())
	return NewStreamConsumer(s, source, st, protector, NewRefreshSignal(), nil, testLogger())
}

func signalled(s *RefreshSignal) bool {
	select {
	case <-s.C():
		return true
	default:
		return false
	}
}

func TestHandleFillEvent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	b := new(MockBroker)
	b.On("GetPositions", mock.Anything).Return([]domain.Position{{Symbol: "AAPL", Qty: dec("10")}}, nil)
	b.On("SubmitTrailingStopOrder", mock.Anything, mock.Anything).
		Return(domain.Order{ID: "prot-1", Symbol: "AAPL", Side: domain.OrderSideSell}, nil)

	c := newTestConsumer(st, b, nil)
	c.HandleEvent(ctx, []byte(fillEvent))
	assert.True(t, signalled(c.refresh))

	source, err := st.OrderSource(ctx, testProfile, "entry-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SourceTradeUpdate, source)

	fills, err := st.ListFills(ctx, testProfile, 0)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Qty.Equal(dec("10")))
	assert.True(t, fills[0].Price.Equal(dec("150.25")))

	ok, err := st.HasProtectionLink(ctx, testProfile, "entry-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// redelivery is idempotent
	c.HandleEvent(ctx, []byte(fillEvent))
	fills, err = st.ListFills(ctx, testProfile, 0)
	require.NoError(t, err)
	assert.Len(t, fills, 1)
	b.AssertNumberOfCalls(t, "SubmitTrailingStopOrder", 1)
}

func TestHandleFillWithZonelessTimestamps(t *testing.T) {
	events := []string{
		`{"event":"fill","order":{"id":"O1","symbol":"AAPL","side":"buy","type":"market",
			"qty":"2","filled_qty":"2","filled_at":"2024-03-01T15:04:05.123456"}}`,
		`{"event":"fill","at":"2024-03-01 15:04:05","order":{"id":"O1","symbol":"AAPL","side":"buy",
			"type":"market","qty":"2","filled_qty":"2","submitted_at":"2024-03-01 15:04:05"}}`,
	}
	for i, raw := range events {
		ctx := context.Background()
		st := newTestStore(t)
		b := new(MockBroker)
		b.On("GetPositions", mock.Anything).Return([]domain.Position{{Symbol: "AAPL", Qty: dec("2")}}, nil)
		echoSubmit(b, "prot-1")

		newTestConsumer(st, b, nil).HandleEvent(ctx, []byte(raw))

		orders, err := st.ListOrders(ctx, testProfile, 0)
		require.NoError(t, err)
		assert.Len(t, orders, 2, "event %d", i)
		fills, err := st.ListFills(ctx, testProfile, 0)
		require.NoError(t, err)
		assert.Len(t, fills, 1, "event %d", i)
		linked, err := st.HasProtectionLink(ctx, testProfile, "O1")
		require.NoError(t, err)
		assert.True(t, linked, "event %d", i)
		b.AssertNumberOfCalls(t, "SubmitTrailingStopOrder", 1)
	}
}

func TestHandleNonFillEvent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	b := new(MockBroker)

	c := newTestConsumer(st, b, nil)
	c.HandleEvent(ctx, []byte(newEvent))
	assert.True(t, signalled(c.refresh))

	orders, err := st.ListOrders(ctx, testProfile, 0)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "o-2", orders[0].ID)

	fills, err := st.ListFills(ctx, testProfile, 0)
	require.NoError(t, err)
	assert.Empty(t, fills)
	b.AssertNotCalled(t, "GetPositions", mock.Anything)
}

func TestHandleMalformedEvent(t *testing.T) {
	st := newTestStore(t)
	c := newTestConsumer(st, new(MockBroker), nil)

	for _, raw := range []string{`not json`, `{"event":"fill"}`} {
		assert.NotPanics(t, func() { c.HandleEvent(context.Background(), []byte(raw)) })
	}
	orders, err := st.ListOrders(context.Background(), testProfile, 0)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestHandleEventStepsFailIndependently(t *testing.T) {
	ctx := context.Background()
	inner := newTestStore(t)
	s := testSettings()
	s.AutoProtectEnabled = false
	c := NewStreamConsumer(s, nil, failingOrderStore{inner}, nil, NewRefreshSignal(), nil, testLogger())

	c.HandleEvent(ctx, []byte(fillEvent))

	fills, err := inner.ListFills(ctx, testProfile, 0)
	require.NoError(t, err)
	assert.Len(t, fills, 1)
	assert.True(t, signalled(c.refresh))
}

func TestHandleEventRecoversPanic(t *testing.T) {
	inner := newTestStore(t)
	c := NewStreamConsumer(testSettings(), nil, panickingStore{inner}, nil, NewRefreshSignal(), nil, testLogger())

	assert.NotPanics(t, func() { c.HandleEvent(context.Background(), []byte(newEvent)) })
	assert.True(t, signalled(c.refresh))
}

// fakeSource replays a scripted sequence of stream outcomes.
type fakeSource struct {
	mu      sync.Mutex
	calls   int
	results []error
	events  []string
	block   bool
}

func (f *fakeSource) StreamTradeUpdates(ctx context.Context, onReady func(), onEvent func([]byte)) error {
	f.mu.Lock()
	n := f.calls
	f.calls++
	f.mu.Unlock()

	if f.block {
		onReady()
		for _, e := range f.events {
			onEvent([]byte(e))
		}
		<-ctx.Done()
		return ctx.Err()
	}
	if n < len(f.results) {
		return f.results[n]
	}
	return nil
}

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestStreamBackoffDoublesToCap(t *testing.T) {
	src := &fakeSource{results: []error{errors.New("dial"), errors.New("dial"), nil, errors.New("eof"), errors.New("eof")}}
	c := newTestConsumer(newTestStore(t), new(MockBroker), src)
	c.backoff.Rand = func() float64 { return 0 }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var delays []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		if len(delays) == 5 {
			cancel()
			return context.Canceled
		}
		return nil
	}

	require.NoError(t, c.Run(ctx))
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second,
	}, delays)
	assert.Equal(t, 5, src.Calls())
	assert.Equal(t, StreamDisconnected, c.State())
}

func TestStreamJitterBounds(t *testing.T) {
	c := newTestConsumer(newTestStore(t), new(MockBroker), &fakeSource{})
	for i := 0; i < 20; i++ {
		base := c.backoff.Current()
		d := c.backoff.Next()
		assert.GreaterOrEqual(t, d, base)
		assert.Less(t, d, base+500*time.Millisecond)
		assert.LessOrEqual(t, base, 4*time.Second)
	}
}

func TestStreamSubscribedAndStops(t *testing.T) {
	st := newTestStore(t)
	src := &fakeSource{block: true, events: []string{newEvent}}
	c := newTestConsumer(st, new(MockBroker), src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.State() == StreamSubscribed }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		orders, err := st.ListOrders(context.Background(), testProfile, 0)
		return err == nil && len(orders) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Equal(t, StreamDisconnected, c.State())
	assert.Equal(t, 1, src.Calls())
}

func TestStreamStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StreamDisconnected.String())
	assert.Equal(t, "connecting", StreamConnecting.String())
	assert.Equal(t, "subscribed", StreamSubscribed.String())
}

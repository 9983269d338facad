package budgeteer

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPolicy = Policy{TokensPerDay: 24, MaxBalance: 48}

// fixedClock returns a settable clock.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fixedClock {
	return &fixedClock{now: time.UnixMilli(1_760_000_000_000)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingStore fails every call and counts them.
type failingStore struct {
	mu     sync.Mutex
	gets   int
	puts   int
	closes int
	err    error
}

func (f *failingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	return nil, false, f.err
}

func (f *failingStore) Put(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	return f.err
}

func (f *failingStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func newTestBudgeteer(t *testing.T, store Store, clock *fixedClock, opts ...Option) *Budgeteer {
	t.Helper()
	b, err := New(store, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func seed(t *testing.T, store Store, key string, st State) {
	t.Helper()
	raw, err := EncodeState(st)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), key, raw))
}

func TestBudgeteer_BasicScenario(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := NewMemoryStore()
	b := newTestBudgeteer(t, store, clock)

	seed(t, store, "a", State{
		LastSuccess:  clock.Now().Add(-10 * time.Second).UnixMilli(),
		TokenBalance: 10,
	})

	dec, err := b.Check(ctx, "a", testPolicy)
	require.NoError(t, err)
	assert.Equal(t, Decision{}, dec)

	dec, err = b.CheckEvent(ctx, "a", testPolicy, clock.Now(), 20)
	require.NoError(t, err)
	assert.False(t, dec.IsDuplicate)
	assert.InDelta(t, 35990, dec.Delay.Seconds(), 0.01)

	require.NoError(t, b.ReportScheduled(ctx, "a", testPolicy, 0))
	dec, err = b.CheckEvent(ctx, "a", testPolicy, clock.Now(), 20)
	require.NoError(t, err)
	assert.Equal(t, Decision{IsDuplicate: true}, dec)

	dec, err = b.Check(ctx, "a", testPolicy)
	require.NoError(t, err)
	assert.Equal(t, Decision{}, dec)

	require.NoError(t, b.ReportSuccess(ctx, "a", testPolicy, clock.Now(), 11))
	dec, err = b.Check(ctx, "a", testPolicy)
	require.NoError(t, err)
	assert.False(t, dec.IsDuplicate)
	assert.InDelta(t, 3600, dec.Delay.Seconds(), 0.01)

	dec, err = b.CheckEvent(ctx, "a", testPolicy, clock.Now().Add(-500*time.Millisecond), 0)
	require.NoError(t, err)
	assert.True(t, dec.IsDuplicate)
	assert.Zero(t, dec.Delay)
}

func TestBudgeteer_IdleKeyRecharges(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := NewMemoryStore()
	b := newTestBudgeteer(t, store, clock)

	seed(t, store, "b", State{
		LastSuccess:  clock.Now().Add(-24 * time.Hour).UnixMilli(),
		TokenBalance: 0,
	})

	st, err := b.State(ctx, "b", testPolicy)
	require.NoError(t, err)
	assert.Equal(t, 24.0, computeBalance(st, testPolicy, 0, clock.Now().UnixMilli()))

	dec, err := b.CheckEvent(ctx, "b", testPolicy, clock.Now(), 30)
	require.NoError(t, err)
	assert.InDelta(t, 6*3600, dec.Delay.Seconds(), 0.001)
}

func TestBudgeteer_FreshKeyAllowed(t *testing.T) {
	policies := []Policy{
		{TokensPerDay: 1, MaxBalance: 0},
		{TokensPerDay: 24, MaxBalance: 48},
		{TokensPerDay: 0.5, MaxBalance: 1000, MaxDelayDays: 2},
	}
	for _, p := range policies {
		clock := newClock()
		store := NewMemoryStore()
		b := newTestBudgeteer(t, store, clock)

		dec, err := b.Check(context.Background(), "fresh", p)
		require.NoError(t, err)
		assert.Equal(t, Decision{}, dec, "policy %+v", p)
		assert.Zero(t, store.Len(), "check must not create keys")
	}
}

func TestBudgeteer_CheckIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := NewMemoryStore()
	b := newTestBudgeteer(t, store, clock)
	seed(t, store, "k", State{LastSuccess: clock.Now().UnixMilli(), TokenBalance: -3})

	first, err := b.CheckEvent(ctx, "k", testPolicy, clock.Now(), 2)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		dec, err := b.CheckEvent(ctx, "k", testPolicy, clock.Now(), 2)
		require.NoError(t, err)
		assert.Equal(t, first, dec)
	}
	assert.InDelta(t, 5*3600, first.Delay.Seconds(), 0.001)

	st, err := b.State(ctx, "k", testPolicy)
	require.NoError(t, err)
	assert.Equal(t, -3.0, st.TokenBalance)
}

func TestBudgeteer_DeficitScheduledIsDuplicate(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := NewMemoryStore()
	b := newTestBudgeteer(t, store, clock)
	seed(t, store, "k", State{LastSuccess: clock.Now().UnixMilli(), TokenBalance: 0})

	require.NoError(t, b.ReportScheduled(ctx, "k", testPolicy, DefaultScheduledCost))
	dec, err := b.Check(ctx, "k", testPolicy)
	require.NoError(t, err)
	assert.Equal(t, Decision{IsDuplicate: true}, dec)

	require.NoError(t, b.ReportSuccess(ctx, "k", testPolicy, clock.Now(), 0))
	st, err := b.State(ctx, "k", testPolicy)
	require.NoError(t, err)
	assert.False(t, st.IsScheduled)

	dec, err = b.Check(ctx, "k", testPolicy)
	require.NoError(t, err)
	assert.False(t, dec.IsDuplicate)
	assert.InDelta(t, 2*3600, dec.Delay.Seconds(), 0.001)

	clock.Advance(2 * time.Hour)
	dec, err = b.Check(ctx, "k", testPolicy)
	require.NoError(t, err)
	assert.Equal(t, Decision{}, dec)
}

func TestBudgeteer_BackoffCompounds(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := NewMemoryStore()
	b := newTestBudgeteer(t, store, clock)
	seed(t, store, "k", State{LastSuccess: clock.Now().UnixMilli(), TokenBalance: 0})

	floor := -DefaultMaxDelayDays * testPolicy.TokensPerDay
	want := []float64{-2, -6, -14, -30, -62, -126, floor, floor}
	prev := 0.0
	for i, w := range want {
		require.NoError(t, b.ReportScheduled(ctx, "k", testPolicy, 1))
		st, err := b.State(ctx, "k", testPolicy)
		require.NoError(t, err)
		assert.True(t, st.IsScheduled)
		assert.Equal(t, w, st.TokenBalance, "call %d", i)
		assert.GreaterOrEqual(t, st.TokenBalance, floor)
		if prev > floor {
			assert.Less(t, st.TokenBalance, prev)
		}
		prev = st.TokenBalance
	}
}

func TestBudgeteer_BackoffHonoursMaxDelayDays(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := NewMemoryStore()
	b := newTestBudgeteer(t, store, clock)
	p := Policy{TokensPerDay: 10, MaxBalance: 5, MaxDelayDays: 1}
	seed(t, store, "k", State{TokenBalance: -8})

	require.NoError(t, b.ReportScheduled(ctx, "k", p, 1))
	st, err := b.State(ctx, "k", p)
	require.NoError(t, err)
	assert.Equal(t, -10.0, st.TokenBalance)
}

func TestBudgeteer_ScheduledWithoutDeficitDoesNotDouble(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := NewMemoryStore()
	b := newTestBudgeteer(t, store, clock)

	require.NoError(t, b.ReportScheduled(ctx, "k", testPolicy, 5))
	st, err := b.State(ctx, "k", testPolicy)
	require.NoError(t, err)
	assert.Equal(t, State{IsScheduled: true, TokenBalance: 43}, st)
	assert.Equal(t, 1, store.Len())
}

func TestComputeBalance_RechargeBounds(t *testing.T) {
	now := int64(100 * msPerDay)
	tests := []struct {
		name string
		st   State
		cost float64
		want float64
	}{
		{"long idle capped", State{LastSuccess: 0, TokenBalance: 0}, 0, 48},
		{"capped then cost", State{LastSuccess: 0, TokenBalance: -10}, 5, 33},
		{"half day", State{LastSuccess: now - msPerDay/2, TokenBalance: 1}, 0, 13},
		{"future success no recharge", State{LastSuccess: now + msPerDay, TokenBalance: 3}, 1, 2},
		{"no elapsed", State{LastSuccess: now, TokenBalance: 7}, 7, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := computeBalance(tt.st, testPolicy, tt.cost, now)
			assert.InDelta(t, tt.want, got, 1e-9)
			assert.LessOrEqual(t, got+tt.cost-tt.st.TokenBalance, testPolicy.MaxBalance)
		})
	}
}

func TestBudgeteer_InvalidPolicyFailsBeforeIO(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{}
	b := newTestBudgeteer(t, store, newClock())

	bad := []Policy{
		{},
		{TokensPerDay: -1, MaxBalance: 1},
		{TokensPerDay: 1, MaxBalance: -1},
		{TokensPerDay: 1, MaxBalance: 1, MaxDelayDays: -2},
	}
	for _, p := range bad {
		_, err := b.Check(ctx, "k", p)
		assert.ErrorIs(t, err, ErrInvalidPolicy)
		assert.ErrorIs(t, b.ReportSuccess(ctx, "k", p, time.Now(), 1), ErrInvalidPolicy)
		assert.ErrorIs(t, b.ReportScheduled(ctx, "k", p, 1), ErrInvalidPolicy)
	}
	assert.Zero(t, store.gets)
	assert.Zero(t, store.puts)
}

func TestBudgeteer_InvalidCostFailsBeforeIO(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{}
	b := newTestBudgeteer(t, store, newClock())

	for _, cost := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := b.CheckEvent(ctx, "k", testPolicy, time.Now(), cost)
		assert.ErrorIs(t, err, ErrInvalidCost)
		assert.ErrorIs(t, b.ReportSuccess(ctx, "k", testPolicy, time.Now(), cost), ErrInvalidCost)
		assert.ErrorIs(t, b.ReportScheduled(ctx, "k", testPolicy, cost), ErrInvalidCost)
	}
	assert.Zero(t, store.gets)
	assert.Zero(t, store.puts)
}

func TestBudgeteer_HugeDeficitDelaySaturates(t *testing.T) {
	ctx := context.Background()
	b := newTestBudgeteer(t, NewMemoryStore(), newClock())
	policy := Policy{TokensPerDay: 1, MaxBalance: 1}

	dec, err := b.CheckEvent(ctx, "k", policy, time.Now(), 200000)
	require.NoError(t, err)
	assert.False(t, dec.IsDuplicate)
	assert.Equal(t, time.Duration(math.MaxInt64), dec.Delay)

	dec, err = b.CheckEvent(ctx, "k", policy, time.Now(), math.MaxFloat64)
	require.NoError(t, err)
	assert.Positive(t, dec.Delay)
}

func TestBudgeteer_StoreUnavailableFailsOpen(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{err: Unavailable("get", errors.New("connection refused"))}
	var logs bytes.Buffer
	rec := NewMockRecorder()
	b := newTestBudgeteer(t, store, newClock(), WithLogger(zerolog.New(&logs)), WithRecorder(rec))

	dec, err := b.CheckEvent(ctx, "k", testPolicy, time.Now(), 100)
	require.NoError(t, err)
	assert.False(t, dec.IsDuplicate)
	// A fresh key also earns a full recharge, since LastSuccess is 0.
	assert.InDelta(t, 4*3600, dec.Delay.Seconds(), 0.001)

	assert.NoError(t, b.ReportSuccess(ctx, "k", testPolicy, time.Now(), 1))
	assert.NoError(t, b.ReportScheduled(ctx, "k", testPolicy, 1))

	assert.Equal(t, 3, store.gets)
	assert.Equal(t, 2, store.puts)
	assert.Equal(t, 5.0, rec.Counters["budgeteer.store_error"])
	assert.Contains(t, logs.String(), "store read failed")
	assert.Contains(t, logs.String(), "store write failed")
}

func TestBudgeteer_CorruptStateIsReplaced(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := NewMemoryStore()
	rec := NewMockRecorder()
	b := newTestBudgeteer(t, store, clock, WithRecorder(rec))

	require.NoError(t, store.Put(ctx, "k", []byte("{not json")))
	st, err := b.State(ctx, "k", testPolicy)
	require.NoError(t, err)
	assert.Equal(t, FreshState(testPolicy), st)

	require.NoError(t, b.ReportSuccess(ctx, "k", testPolicy, clock.Now(), 1))
	st, err = b.State(ctx, "k", testPolicy)
	require.NoError(t, err)
	assert.Equal(t, 47.0, st.TokenBalance)
	assert.Equal(t, 2.0, rec.Counters["budgeteer.corrupt_state"])
}

func TestBudgeteer_CanceledContext(t *testing.T) {
	store := &failingStore{}
	b := newTestBudgeteer(t, store, newClock())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Check(ctx, "k", testPolicy)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, b.ReportScheduled(ctx, "k", testPolicy, 1), context.Canceled)
	assert.Zero(t, store.gets)
}

func TestBudgeteer_CloseOnce(t *testing.T) {
	store := &failingStore{}
	b, err := New(store)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, 1, store.closes)
}

func TestNew_NilStore(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrInvalidStoreConfig)
}

// Race Test
func TestBudgeteer_ConcurrentUse(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := NewMemoryStore()
	b := newTestBudgeteer(t, store, clock)

	var wg sync.WaitGroup
	wg.Add(100)
	for i := 0; i < 100; i++ {
		i := i
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = b.Check(ctx, "shared", testPolicy)
				return
			}
			_ = b.ReportScheduled(ctx, "shared", testPolicy, 1)
		}()
	}
	wg.Wait()

	st, err := b.State(ctx, "shared", testPolicy)
	require.NoError(t, err)
	assert.True(t, st.IsScheduled)
	assert.Less(t, st.TokenBalance, testPolicy.MaxBalance)
}

func BenchmarkBudgeteer_Check(b *testing.B) {
	ctx := context.Background()
	bg, _ := New(NewMemoryStore())
	policy := Policy{TokensPerDay: 1000, MaxBalance: 100000}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bg.Check(ctx, "bench", policy)
	}
}

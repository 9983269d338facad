package budgeteer

import (
	"context"
	"errors"
	"time"

	cb "github.com/sony/gobreaker"
)

// BreakerSettings tunes a BreakerStore.
type BreakerSettings struct {
	Name string
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures uint32
	// OpenTimeout is how long the circuit stays open before a trial request.
	OpenTimeout time.Duration
	// Interval resets the failure counts while closed. Zero never resets.
	Interval time.Duration
}

// BreakerStore stops calling a failing backend for a while. While the circuit
// is open every call fails fast with ErrStoreUnavailable, which the Budgeteer
// treats like a missing key.
type BreakerStore struct {
	next Store
	cb   *cb.CircuitBreaker
}

// NewBreakerStore wraps next in a circuit breaker.
func NewBreakerStore(next Store, s BreakerSettings) *BreakerStore {
	st := cb.Settings{Name: s.Name}
	if st.Name == "" {
		st.Name = "budgeteer-store"
	}
	st.Interval = s.Interval
	st.Timeout = s.OpenTimeout
	if st.Timeout <= 0 {
		st.Timeout = 30 * time.Second
	}
	maxFailures := s.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	st.ReadyToTrip = func(counts cb.Counts) bool {
		return counts.ConsecutiveFailures >= maxFailures
	}
	return &BreakerStore{next: next, cb: cb.NewCircuitBreaker(st)}
}

// State reports the current circuit state ("closed", "half-open" or "open").
func (b *BreakerStore) State() string {
	return b.cb.State().String()
}

func (b *BreakerStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	type result struct {
		val   []byte
		found bool
	}
	out, err := b.cb.Execute(func() (interface{}, error) {
		val, found, err := b.next.Get(ctx, key)
		return result{val: val, found: found}, err
	})
	if err != nil {
		return nil, false, b.wrap("get", err)
	}
	res := out.(result)
	return res.val, res.found, nil
}

func (b *BreakerStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Put(ctx, key, value)
	})
	if err != nil {
		return b.wrap("put", err)
	}
	return nil
}

func (b *BreakerStore) Close() error {
	return b.next.Close()
}

func (b *BreakerStore) wrap(op string, err error) error {
	if errors.Is(err, cb.ErrOpenState) || errors.Is(err, cb.ErrTooManyRequests) {
		return Unavailable(op, err)
	}
	return err
}

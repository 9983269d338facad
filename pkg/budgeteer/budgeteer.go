package budgeteer

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Budgeteer decides whether a keyed job may run now, given a Policy and the
// state persisted in a Store.
//
// Each call is one read, a pure computation, and at most one write. Concurrent
// reports on the same key are last-write-wins.
type Budgeteer struct {
	store    Store
	now      func() time.Time
	log      zerolog.Logger
	recorder MetricsRecorder

	closeOnce sync.Once
	closeErr  error
}

var _ Limiter = (*Budgeteer)(nil)

// New builds a Budgeteer over store.
func New(store Store, opts ...Option) (*Budgeteer, error) {
	if store == nil {
		return nil, ErrInvalidStoreConfig
	}
	b := &Budgeteer{
		store:    store,
		now:      time.Now,
		log:      zerolog.Nop(),
		recorder: &NoOpMetricsRecorder{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Check is CheckEvent with the event at the current time and zero cost.
func (b *Budgeteer) Check(ctx context.Context, key string, policy Policy) (Decision, error) {
	return b.CheckEvent(ctx, key, policy, b.now(), 0)
}

// CheckEvent reports whether an event for key, created at eventTime and costing
// cost tokens, should run. It never writes.
func (b *Budgeteer) CheckEvent(ctx context.Context, key string, policy Policy, eventTime time.Time, cost float64) (Decision, error) {
	if err := policy.Validate(); err != nil {
		return Decision{}, err
	}
	if err := validateCost(cost); err != nil {
		return Decision{}, err
	}
	start := b.now()
	defer b.observe("check", start)

	st, err := b.load(ctx, key, policy)
	if err != nil {
		return Decision{}, err
	}

	dec := decide(st, policy, eventTime.UnixMilli(), cost, b.now().UnixMilli())
	switch {
	case dec.IsDuplicate:
		b.recorder.Add("budgeteer.duplicate", 1, map[string]string{"op": "check"})
	case dec.Delay > 0:
		b.recorder.Add("budgeteer.delayed", 1, map[string]string{"op": "check"})
	default:
		b.recorder.Add("budgeteer.allowed", 1, map[string]string{"op": "check"})
	}
	return dec, nil
}

// ReportSuccess records that the job for key, started at startTime, ran and
// consumed cost tokens. It clears the scheduled flag.
func (b *Budgeteer) ReportSuccess(ctx context.Context, key string, policy Policy, startTime time.Time, cost float64) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	if err := validateCost(cost); err != nil {
		return err
	}
	start := b.now()
	defer b.observe("report_success", start)

	st, err := b.load(ctx, key, policy)
	if err != nil {
		return err
	}
	st.LastSuccess = startTime.UnixMilli()
	st.TokenBalance = computeBalance(st, policy, cost, b.now().UnixMilli())
	st.IsScheduled = false
	return b.save(ctx, key, st)
}

// ReportScheduled records that a retry for key has been queued. The cost is
// deducted without recharge, and a balance that stays negative doubles each
// time, down to -MaxDelayDays*TokensPerDay.
func (b *Budgeteer) ReportScheduled(ctx context.Context, key string, policy Policy, cost float64) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	if err := validateCost(cost); err != nil {
		return err
	}
	start := b.now()
	defer b.observe("report_scheduled", start)

	st, err := b.load(ctx, key, policy)
	if err != nil {
		return err
	}
	st.IsScheduled = true
	st.TokenBalance = scheduledBalance(st.TokenBalance, policy, cost)
	return b.save(ctx, key, st)
}

// State returns the stored state for key, or the fresh state when none can be read.
func (b *Budgeteer) State(ctx context.Context, key string, policy Policy) (State, error) {
	if err := policy.Validate(); err != nil {
		return State{}, err
	}
	return b.load(ctx, key, policy)
}

// Close closes the underlying Store. Later calls return the first result.
func (b *Budgeteer) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.store.Close()
	})
	return b.closeErr
}

func (b *Budgeteer) load(ctx context.Context, key string, policy Policy) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	raw, found, err := b.store.Get(ctx, key)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return State{}, ctxErr
		}
		b.log.Warn().Err(err).Str("key", key).Str("op", "get").Msg("store read failed, using fresh state")
		b.recorder.Add("budgeteer.store_error", 1, map[string]string{"op": "get"})
		return FreshState(policy), nil
	}
	if !found {
		return FreshState(policy), nil
	}
	st, err := DecodeState(raw)
	if err != nil {
		b.log.Warn().Err(err).Str("key", key).Msg("discarding unreadable state")
		b.recorder.Add("budgeteer.corrupt_state", 1, nil)
		return FreshState(policy), nil
	}
	return st, nil
}

func (b *Budgeteer) save(ctx context.Context, key string, st State) error {
	raw, err := EncodeState(st)
	if err != nil {
		// Only reachable with a non-finite balance.
		b.log.Error().Err(err).Str("key", key).Msg("cannot encode state")
		return err
	}
	if err := b.store.Put(ctx, key, raw); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return ctxErr
		}
		b.log.Warn().Err(err).Str("key", key).Str("op", "put").Msg("store write failed, state not saved")
		b.recorder.Add("budgeteer.store_error", 1, map[string]string{"op": "put"})
	}
	return nil
}

func (b *Budgeteer) observe(op string, start time.Time) {
	tags := map[string]string{"op": op}
	b.recorder.Add("budgeteer.call", 1, tags)
	b.recorder.Observe("budgeteer.latency", b.now().Sub(start).Seconds(), tags)
}

// computeBalance applies recharge for the wall time elapsed since the last
// success, then subtracts cost. Recharge is clamped to [0, MaxBalance].
func computeBalance(st State, policy Policy, cost float64, nowMs int64) float64 {
	elapsedDays := float64(nowMs-st.LastSuccess) / msPerDay
	recharge := elapsedDays * policy.TokensPerDay
	recharge = math.Min(policy.MaxBalance, math.Max(0, recharge))
	return st.TokenBalance + recharge - cost
}

func decide(st State, policy Policy, eventMs int64, cost float64, nowMs int64) Decision {
	if st.LastSuccess > eventMs {
		return Decision{IsDuplicate: true}
	}
	balance := computeBalance(st, policy, cost, nowMs)
	if balance >= 0 {
		return Decision{}
	}
	if st.IsScheduled {
		return Decision{IsDuplicate: true}
	}
	seconds := -balance * secPerDay / policy.TokensPerDay
	ns := seconds * float64(time.Second)
	// Saturate rather than overflow into a negative Duration.
	if ns >= math.MaxInt64 {
		return Decision{Delay: time.Duration(math.MaxInt64)}
	}
	return Decision{Delay: time.Duration(ns)}
}

func scheduledBalance(balance float64, policy Policy, cost float64) float64 {
	nb := balance - cost
	if nb < 0 {
		nb = math.Max(nb*2, -policy.maxDelayDays()*policy.TokensPerDay)
	}
	return nb
}

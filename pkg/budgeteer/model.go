package budgeteer

import (
	"context"
	"math"
	"time"
)

const (
	// DefaultMaxDelayDays caps the backoff debit when Policy.MaxDelayDays is 0.
	DefaultMaxDelayDays = 7

	// DefaultSuccessCost is the usual cost passed to ReportSuccess.
	DefaultSuccessCost = 1

	// DefaultScheduledCost is the usual cost passed to ReportScheduled.
	DefaultScheduledCost = 1

	msPerDay  = 86_400_000
	secPerDay = 86_400
)

// Policy is the limiting policy supplied with every call. It is never persisted.
type Policy struct {
	// TokensPerDay is the recharge rate. Must be > 0.
	TokensPerDay float64 `yaml:"tokens_per_day" json:"tokens_per_day"`
	// MaxBalance caps the stored balance and the recharge. Fresh keys start with it.
	MaxBalance float64 `yaml:"max_balance" json:"max_balance"`
	// MaxDelayDays bounds the negative balance built up by ReportScheduled.
	// Zero means DefaultMaxDelayDays.
	MaxDelayDays float64 `yaml:"max_delay_days" json:"max_delay_days,omitempty"`
}

// Validate reports ErrInvalidPolicy for unusable policies, including the zero Policy.
func (p Policy) Validate() error {
	for _, v := range []float64{p.TokensPerDay, p.MaxBalance, p.MaxDelayDays} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return policyError("values must be finite")
		}
	}
	if p.TokensPerDay <= 0 {
		return policyError("tokens_per_day must be > 0")
	}
	if p.MaxBalance < 0 {
		return policyError("max_balance must be >= 0")
	}
	if p.MaxDelayDays < 0 {
		return policyError("max_delay_days must be >= 0")
	}
	return nil
}

func (p Policy) maxDelayDays() float64 {
	if p.MaxDelayDays == 0 {
		return DefaultMaxDelayDays
	}
	return p.MaxDelayDays
}

// State is the per-key record owned by the Budgeteer.
type State struct {
	// LastSuccess is the start time of the last reported success, in epoch millis.
	LastSuccess int64
	// IsScheduled is set while a retry is pending for the key.
	IsScheduled bool
	// TokenBalance may go negative.
	TokenBalance float64
}

// FreshState is the state of a key that has never been reported.
func FreshState(p Policy) State {
	return State{TokenBalance: p.MaxBalance}
}

// Decision is the result of a Check.
type Decision struct {
	// IsDuplicate means the event was superseded by a later success, or a retry
	// is already scheduled for the key.
	IsDuplicate bool
	// Delay is how long recharge alone needs to bring the balance back to zero.
	// Zero when the event can run now or is a duplicate.
	Delay time.Duration
}

// Store is the key-value backend the Budgeteer persists state in.
//
// Get returns found=false with a nil error for missing keys. Put overwrites
// unconditionally. Backend failures should be wrapped in ErrStoreUnavailable.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Close() error
}

// MetricsRecorder receives counters and timings from the Budgeteer.
type MetricsRecorder interface {
	Add(name string, value float64, tags map[string]string)
	Observe(name string, value float64, tags map[string]string)
}

// Limiter is the public surface of a Budgeteer.
type Limiter interface {
	Check(ctx context.Context, key string, policy Policy) (Decision, error)
	CheckEvent(ctx context.Context, key string, policy Policy, eventTime time.Time, cost float64) (Decision, error)
	ReportSuccess(ctx context.Context, key string, policy Policy, startTime time.Time, cost float64) error
	ReportScheduled(ctx context.Context, key string, policy Policy, cost float64) error
	Close() error
}

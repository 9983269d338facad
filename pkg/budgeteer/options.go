package budgeteer

import (
	"time"

	"github.com/rs/zerolog"
)

// Option configures a Budgeteer.
type Option func(*Budgeteer)

// WithClock replaces time.Now. Recharge is always measured against this clock.
func WithClock(now func() time.Time) Option {
	return func(b *Budgeteer) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger sets the logger used to report store and decoding failures.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Budgeteer) {
		b.log = l
	}
}

// WithRecorder injects a metrics backend.
func WithRecorder(r MetricsRecorder) Option {
	return func(b *Budgeteer) {
		if r != nil {
			b.recorder = r
		}
	}
}

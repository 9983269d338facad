package budgeteer

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidPolicy is returned before any I/O when a Policy is missing or unusable.
	ErrInvalidPolicy = errors.New("budgeteer: invalid policy")

	// ErrInvalidCost is returned before any I/O when a cost is NaN or infinite.
	ErrInvalidCost = errors.New("budgeteer: invalid cost")

	// ErrUnknownStore is returned when a store kind is not recognised.
	ErrUnknownStore = errors.New("budgeteer: unknown store kind")

	// ErrInvalidStoreConfig is returned when a store cannot be built from its options.
	ErrInvalidStoreConfig = errors.New("budgeteer: invalid store configuration")

	// ErrStoreUnavailable wraps backend failures. The Budgeteer logs these and
	// carries on as if the key were absent.
	ErrStoreUnavailable = errors.New("budgeteer: store unavailable")

	// ErrCorruptState is returned by DecodeState for records it cannot read.
	ErrCorruptState = errors.New("budgeteer: corrupt state")

	errStoreClosed = errors.New("store closed")
)

func policyError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidPolicy, msg)
}

// Unavailable wraps err in ErrStoreUnavailable. Store adapters outside this
// package use it so callers can match with errors.Is.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

func validateCost(cost float64) error {
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidCost, cost)
	}
	return nil
}

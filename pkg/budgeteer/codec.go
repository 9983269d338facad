package budgeteer

import (
	"encoding/json"
	"fmt"
)

// record is the persisted layout. Field names match the records written by
// earlier deployments so both can read each other's keys.
type record struct {
	LastSuccess  *int64   `json:"last_success"`
	IsScheduled  *bool    `json:"is_scheduled"`
	TokenBalance *float64 `json:"token_balance"`
}

// EncodeState serializes s for storage.
func EncodeState(s State) ([]byte, error) {
	return json.Marshal(record{
		LastSuccess:  &s.LastSuccess,
		IsScheduled:  &s.IsScheduled,
		TokenBalance: &s.TokenBalance,
	})
}

// DecodeState parses a stored record. All three fields must be present.
func DecodeState(data []byte) (State, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return State{}, fmt.Errorf("%w: %w", ErrCorruptState, err)
	}
	if r.LastSuccess == nil || r.IsScheduled == nil || r.TokenBalance == nil {
		return State{}, fmt.Errorf("%w: missing field", ErrCorruptState)
	}
	return State{
		LastSuccess:  *r.LastSuccess,
		IsScheduled:  *r.IsScheduled,
		TokenBalance: *r.TokenBalance,
	}, nil
}

package model

import "time"

// ActivationMode gates whether settlement mutates balances.
type ActivationMode string

const (
	ModeDryRun ActivationMode = "dry_run"
	ModeArmed  ActivationMode = "armed"
	ModeReal   ActivationMode = "real"
)

// ActivationState is the controller state. ActivateAt is set only when Armed.
type ActivationState struct {
	Mode       ActivationMode `json:"mode"`
	ActivateAt time.Time      `json:"activate_at,omitempty"`
}

// Live reports whether settlement mutates real balances.
func (s ActivationState) Live() bool {
	return s.Mode == ModeReal
}

// ActivationTransition is one entry of the append-only activation history.
// Version starts at 1 and increases by exactly one per transition.
type ActivationTransition struct {
	Version uint64          `json:"version"`
	From    ActivationMode  `json:"from"`
	To      ActivationState `json:"to"`
	Reason  string          `json:"reason"`
	At      time.Time       `json:"at"`
}

package coordinator

import "errors"

// State is the coordinator's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateInitialSyncInFlight
	StateSubscriptionActive
	StateStopped
	StateError
)

var stateNames = [...]string{
	StateIdle:                "idle",
	StateInitialSyncInFlight: "initialSyncInFlight",
	StateSubscriptionActive:  "subscriptionActive",
	StateStopped:             "stopped",
	StateError:               "error",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

var (
	// ErrInvalidTransition is returned when an operation is not allowed in
	// the current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrSyncInProgress is returned by Resync while another sync pass runs.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// canStart reports whether Start is allowed from s.
func (s State) canStart() bool {
	return s == StateIdle || s == StateStopped
}

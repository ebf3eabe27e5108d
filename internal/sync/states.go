package sync

// State is a step of the aggregator's pass state machine.
//
//	Uninitialized → Started → Listing → Diffing → Resolving → Applying → Persisted → Idle
//
// Resolving may move to Suspended when a manual decision is needed; Resume
// re-enters Resolving. Any fatal error or cancellation moves to Aborted
// without writing the snapshot.
type State int

const (
	StateUninitialized State = iota
	StateStarted
	StateListing
	StateDiffing
	StateResolving
	StateSuspended
	StateApplying
	StatePersisted
	StateIdle
	StateAborted
)

var stateNames = [...]string{
	StateUninitialized: "uninitialized",
	StateStarted:       "started",
	StateListing:       "listing",
	StateDiffing:       "diffing",
	StateResolving:     "resolving",
	StateSuspended:     "suspended",
	StateApplying:      "applying",
	StatePersisted:     "persisted",
	StateIdle:          "idle",
	StateAborted:       "aborted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// transitions lists the legal successors of each state.
var transitions = map[State][]State{
	StateUninitialized: {StateStarted, StateAborted},
	StateStarted:       {StateListing, StateAborted},
	StateListing:       {StateDiffing, StateAborted},
	StateDiffing:       {StateResolving, StateAborted},
	StateResolving:     {StateApplying, StateSuspended, StateAborted},
	StateSuspended:     {StateResolving, StateListing, StateAborted},
	StateApplying:      {StatePersisted, StateAborted},
	StatePersisted:     {StateIdle},
	StateIdle:          {StateListing, StateAborted},
	StateAborted:       {StateStarted, StateListing, StateAborted},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

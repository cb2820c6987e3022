package visitation

// WalkerStatus drives the walker state machine.
//
//	init → walk → (finished | walk) → (init | end)
//
// Failed is reachable from any state on an unrecoverable error. Every
// invocation advances at most one transition, which bounds the work a single
// invocation can lose.
type WalkerStatus string

const (
	StatusInit     WalkerStatus = "init"
	StatusWalk     WalkerStatus = "walk"
	StatusFinished WalkerStatus = "finished"
	StatusEnd      WalkerStatus = "end"
	StatusFailed   WalkerStatus = "failed"
)

// transitions lists the statuses reachable from each status in one step.
// Failed is handled separately because it is reachable from everywhere.
var transitions = map[WalkerStatus][]WalkerStatus{
	StatusInit:     {StatusWalk},
	StatusWalk:     {StatusWalk, StatusFinished},
	StatusFinished: {StatusInit, StatusEnd},
	StatusEnd:      {},
}

// Valid reports whether s is one of the known statuses.
func (s WalkerStatus) Valid() bool {
	if s == StatusFailed {
		return true
	}
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether a single invocation may move a walker from
// s to next.
func (s WalkerStatus) CanTransition(next WalkerStatus) bool {
	if next == StatusFailed {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further walker invocation is expected.
func (s WalkerStatus) Terminal() bool {
	return s == StatusEnd || s == StatusFailed
}

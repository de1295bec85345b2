package search

import "fmt"

// IllegalStateError is returned when an operation is not valid in the
// engine's current phase.
type IllegalStateError struct {
	Op    string
	Phase Phase
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("cannot %s: search is %s", e.Op, e.Phase)
}

// EngineFault is an internal invariant violation. It fails the run.
type EngineFault struct {
	Reason string
}

func (e *EngineFault) Error() string {
	return "search engine fault: " + e.Reason
}

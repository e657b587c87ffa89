package match

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the match or session is unknown; callers should
	// stop retrying.
	ErrNotFound = errors.New("match not found")

	// ErrRaceLost means a conditional update affected zero rows because
	// another participant got there first. Callers may retry against a
	// different match, never the same one.
	ErrRaceLost = errors.New("another participant joined first")

	// ErrCollaboratorTimeout means a dependency exceeded its latency
	// bound. Transient: eligible for caller retry.
	ErrCollaboratorTimeout = errors.New("collaborator timed out")
)

// InvalidStateError rejects an operation that is not valid for the
// match's current lifecycle state. Not retried.
type InvalidStateError struct {
	MatchID  string
	Current  Status
	Expected Status
	Op       string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: match %s is %s, expected %s", e.Op, e.MatchID, e.Current, e.Expected)
}

// ValidationError rejects an action that violates domain rules, such as
// buying with insufficient cash. Not retried.
type ValidationError struct {
	MatchID       string
	ParticipantID string
	Reason        string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid action by %s in match %s: %s", e.ParticipantID, e.MatchID, e.Reason)
}

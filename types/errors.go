package types

import (
	"errors"
	"fmt"
)

// Engine error taxonomy. Callers match with errors.Is; producers wrap with
// context using %w.
var (
	// ErrLedgerUnavailable is transient: retry with backoff and degrade to
	// cached state.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	// ErrInvalidMetric rejects a single malformed input without touching
	// aggregate state.
	ErrInvalidMetric = errors.New("invalid metric")

	// vote-level rejections
	ErrNotAnActiveValidator = errors.New("not an active validator")
	ErrStaleVote            = errors.New("stale vote")
	ErrTopicClosed          = errors.New("topic closed")
	ErrInvalidVote          = errors.New("invalid vote")
	ErrUnknownTopic         = errors.New("unknown topic")

	// dispute-level rejections
	ErrDisputeTransitionInvalid = errors.New("dispute transition invalid")
	ErrUnknownDispute           = errors.New("unknown dispute")
	ErrNotAuthorized            = errors.New("not authorized")
	ErrInvalidEvidence          = errors.New("invalid evidence")

	ErrUnknownValidator = errors.New("unknown validator")
)

// ErrTransition describes an illegal dispute state change.
type ErrTransition struct {
	DisputeID string
	From      DisputeStatus
	To        DisputeStatus
}

func (e ErrTransition) Error() string {
	return fmt.Sprintf("dispute %s: cannot move from %v to %v", e.DisputeID, e.From, e.To)
}

func (e ErrTransition) Unwrap() error {
	return ErrDisputeTransitionInvalid
}

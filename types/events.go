package types

import (
	"encoding/json"
	"fmt"
	"time"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// Names of the events fired on the engine's event switch. Every state
// transition of a topic, dispute or validator produces exactly one of them.
const (
	EventValidatorSelected    = "ValidatorSelected"
	EventVoteCast             = "VoteCast"
	EventVoteRejected         = "VoteRejected"
	EventTopicOpened          = "TopicOpened"
	EventTopicReached         = "TopicReached"
	EventTopicFailed          = "TopicFailed"
	EventTopicExpired         = "TopicExpired"
	EventDisputeOpened        = "DisputeOpened"
	EventDisputeReviewStarted = "DisputeReviewStarted"
	EventDisputeResolved      = "DisputeResolved"
	EventDisputeWithdrawn     = "DisputeWithdrawn"
	EventDisputeEscalated     = "DisputeEscalated"
	EventPenaltyApplied       = "PenaltyApplied"
)

// AllEvents lists every event name, in a stable order.
func AllEvents() []string {
	return []string{
		EventValidatorSelected,
		EventVoteCast,
		EventVoteRejected,
		EventTopicOpened,
		EventTopicReached,
		EventTopicFailed,
		EventTopicExpired,
		EventDisputeOpened,
		EventDisputeReviewStarted,
		EventDisputeResolved,
		EventDisputeWithdrawn,
		EventDisputeEscalated,
		EventPenaltyApplied,
	}
}

// TopicEventName maps a terminal status to its event name.
func TopicEventName(status TopicStatus) string {
	switch status {
	case TopicReached:
		return EventTopicReached
	case TopicFailed:
		return EventTopicFailed
	case TopicExpired:
		return EventTopicExpired
	default:
		return EventTopicOpened
	}
}

type EventDataActiveSet struct {
	Epoch       Epoch            `json:"epoch"`
	Members     []ActiveMember   `json:"members"`
	TotalWeight Weight           `json:"total_weight"`
	Hash        tmbytes.HexBytes `json:"hash"`
}

type EventDataVote struct {
	Vote   VoteRecord `json:"vote"`
	Stale  bool       `json:"stale,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

type EventDataTopic struct {
	Topic       ConsensusTopic `json:"topic"`
	PriorStatus TopicStatus    `json:"prior_status"`
}

type EventDataDispute struct {
	Dispute     Dispute       `json:"dispute"`
	PriorStatus DisputeStatus `json:"prior_status"`
}

// PenaltyRecord is the persisted outcome of one ApplyPenalty call. The
// PenaltyID is the id of the dispute that produced it.
type PenaltyRecord struct {
	PenaltyID        string `json:"penalty_id"`
	ValidatorID      string `json:"validator_id"`
	Amount           uint64 `json:"amount"`
	Target           string `json:"target"`
	ReputationBefore uint64 `json:"reputation_before"`
	ReputationAfter  uint64 `json:"reputation_after"`
	StakeBefore      uint64 `json:"stake_before"`
	StakeAfter       uint64 `json:"stake_after"`
	StakeSubmitted   bool   `json:"stake_submitted"`
	Epoch            Epoch  `json:"epoch"`
}

func (p PenaltyRecord) String() string {
	return fmt.Sprintf("Penalty{%s on %s -%d rep:%d->%d stake:%d->%d}",
		p.PenaltyID, p.ValidatorID, p.Amount, p.ReputationBefore, p.ReputationAfter, p.StakeBefore, p.StakeAfter)
}

type EventDataPenalty struct {
	Penalty PenaltyRecord `json:"penalty"`
}

// AuditEvent is one entry of the append-only audit log.
type AuditEvent struct {
	Seq  uint64          `json:"seq"`
	Name string          `json:"name"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data"`
}

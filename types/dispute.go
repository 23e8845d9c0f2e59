package types

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

type DisputeStatus uint8

const (
	DisputeOpen        = DisputeStatus(1)
	DisputeUnderReview = DisputeStatus(2)
	DisputeResolved    = DisputeStatus(3)
	DisputeWithdrawn   = DisputeStatus(4)
)

func (s DisputeStatus) String() string {
	switch s {
	case DisputeOpen:
		return "Open"
	case DisputeUnderReview:
		return "UnderReview"
	case DisputeResolved:
		return "Resolved"
	case DisputeWithdrawn:
		return "Withdrawn"
	default:
		return "UnknownDisputeStatus"
	}
}

func (s DisputeStatus) IsTerminal() bool {
	return s == DisputeResolved || s == DisputeWithdrawn
}

func ParseDisputeStatus(s string) (DisputeStatus, error) {
	for _, st := range []DisputeStatus{DisputeOpen, DisputeUnderReview, DisputeResolved, DisputeWithdrawn} {
		if strings.EqualFold(st.String(), s) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown dispute status %q", s)
}

type Outcome uint8

const (
	OutcomeUpheld   = Outcome(1)
	OutcomeRejected = Outcome(2)
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUpheld:
		return "Upheld"
	case OutcomeRejected:
		return "Rejected"
	default:
		return "UnknownOutcome"
	}
}

func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "upheld", "uphold":
		return OutcomeUpheld, nil
	case "rejected", "reject":
		return OutcomeRejected, nil
	default:
		return 0, fmt.Errorf("unknown outcome %q", s)
	}
}

// Resolution is the binding, immutable result of a dispute.
type Resolution struct {
	Outcome        Outcome `json:"outcome"`
	PenalizedParty string  `json:"penalized_party,omitempty"`
	PenaltyAmount  uint64  `json:"penalty_amount"`
}

func (r Resolution) ValidateBasic() error {
	if r.Outcome != OutcomeUpheld && r.Outcome != OutcomeRejected {
		return fmt.Errorf("invalid outcome %d", r.Outcome)
	}
	if r.PenaltyAmount > 0 && r.PenalizedParty == "" {
		return fmt.Errorf("penalty of %d without a penalized party", r.PenaltyAmount)
	}
	return nil
}

// HasPenalty is true when resolving must call into the registry.
func (r Resolution) HasPenalty() bool {
	return r.Outcome == OutcomeUpheld && r.PenalizedParty != "" && r.PenaltyAmount > 0
}

// Dispute is a formal challenge against a topic or a disputed hash.
type Dispute struct {
	ID               tmbytes.HexBytes `json:"id"`
	DisputedHash     tmbytes.HexBytes `json:"disputed_hash"`
	InitiatorID      string           `json:"initiator_id"`
	Reason           string           `json:"reason"`
	EvidenceRefs     []string         `json:"evidence_refs"`
	EvidenceVerified bool             `json:"evidence_verified"`
	Status           DisputeStatus    `json:"status"`
	Resolution       *Resolution      `json:"resolution,omitempty"`
	OpenedAtEpoch    Epoch            `json:"opened_at_epoch"`
	OpenedAt         time.Time        `json:"opened_at"`
	ReviewStartedAt  time.Time        `json:"review_started_at"`
	ClosedAt         time.Time        `json:"closed_at"`
	EscalatedAt      time.Time        `json:"escalated_at"`
}

// Copy returns a deep copy safe to hand out of the arbiter.
func (d *Dispute) Copy() *Dispute {
	dCopy := *d
	dCopy.EvidenceRefs = append([]string(nil), d.EvidenceRefs...)
	if d.Resolution != nil {
		res := *d.Resolution
		dCopy.Resolution = &res
	}
	return &dCopy
}

func (d *Dispute) String() string {
	if d == nil {
		return "nil-Dispute"
	}
	return fmt.Sprintf("Dispute{%v on %v by %s %v}", d.ID, d.DisputedHash, d.InitiatorID, d.Status)
}

// DisputeID derives the id every node computes for the same initiation.
func DisputeID(disputedHash []byte, initiatorID, reason string, openedAt time.Time) tmbytes.HexBytes {
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(openedAt.UnixNano()))

	bz := make([]byte, 0, len(disputedHash)+len(initiatorID)+len(reason)+len(ts)+2)
	bz = append(bz, disputedHash...)
	bz = append(bz, 0)
	bz = append(bz, initiatorID...)
	bz = append(bz, 0)
	bz = append(bz, reason...)
	bz = append(bz, ts...)
	return tmhash.Sum(bz)
}

type DisputeAction uint8

const (
	DisputeActionInitiate = DisputeAction(1)
	DisputeActionReview   = DisputeAction(2)
	DisputeActionResolve  = DisputeAction(3)
	DisputeActionWithdraw = DisputeAction(4)
)

func (a DisputeAction) String() string {
	switch a {
	case DisputeActionInitiate:
		return "Initiate"
	case DisputeActionReview:
		return "Review"
	case DisputeActionResolve:
		return "Resolve"
	case DisputeActionWithdraw:
		return "Withdraw"
	default:
		return "UnknownDisputeAction"
	}
}

// DisputeMessage is a signed dispute action travelling between nodes.
type DisputeMessage struct {
	Action       DisputeAction    `json:"action"`
	SignerID     string           `json:"signer_id"`
	DisputeID    tmbytes.HexBytes `json:"dispute_id,omitempty"`
	DisputedHash tmbytes.HexBytes `json:"disputed_hash,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	EvidenceRefs []string         `json:"evidence_refs,omitempty"`
	Resolution   *Resolution      `json:"resolution,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
	Signature    tmbytes.HexBytes `json:"signature"`
}

func (m *DisputeMessage) ValidateBasic() error {
	if m.SignerID == "" {
		return fmt.Errorf("dispute message without signer")
	}
	switch m.Action {
	case DisputeActionInitiate:
		if len(m.DisputedHash) == 0 {
			return fmt.Errorf("initiate without disputed hash")
		}
	case DisputeActionReview, DisputeActionWithdraw:
		if len(m.DisputeID) == 0 {
			return fmt.Errorf("%v without dispute id", m.Action)
		}
	case DisputeActionResolve:
		if len(m.DisputeID) == 0 || m.Resolution == nil {
			return fmt.Errorf("resolve without dispute id or resolution")
		}
		return m.Resolution.ValidateBasic()
	default:
		return fmt.Errorf("unknown dispute action %d", m.Action)
	}
	return nil
}

// DisputeSignBytes returns the bytes a dispute message signer signs.
func DisputeSignBytes(chainID string, m *DisputeMessage) []byte {
	tmp := *m
	tmp.Signature = nil
	bz, err := tmjson.Marshal(struct {
		ChainID string         `json:"chain_id"`
		Msg     DisputeMessage `json:"msg"`
	}{chainID, tmp})
	if err != nil {
		panic(err)
	}
	return bz
}

package types

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

type TopicStatus uint8

const (
	TopicOpen    = TopicStatus(1)
	TopicReached = TopicStatus(2) // supporting side met the quorum
	TopicFailed  = TopicStatus(3) // opposing side met the quorum
	TopicExpired = TopicStatus(4) // deadline passed with neither side at quorum
)

func (s TopicStatus) String() string {
	switch s {
	case TopicOpen:
		return "Open"
	case TopicReached:
		return "Reached"
	case TopicFailed:
		return "Failed"
	case TopicExpired:
		return "Expired"
	default:
		return "UnknownTopicStatus"
	}
}

// IsTerminal is true for Reached, Failed and Expired.
func (s TopicStatus) IsTerminal() bool {
	return s == TopicReached || s == TopicFailed || s == TopicExpired
}

func ParseTopicStatus(s string) (TopicStatus, error) {
	for _, st := range []TopicStatus{TopicOpen, TopicReached, TopicFailed, TopicExpired} {
		if strings.EqualFold(st.String(), s) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown topic status %q", s)
}

// ConsensusTopic is the unit of consensus: a content hash being validated.
type ConsensusTopic struct {
	ID                  tmbytes.HexBytes `json:"id"`
	ForWeight           Weight           `json:"for_weight"`
	AgainstWeight       Weight           `json:"against_weight"`
	TotalEligibleWeight Weight           `json:"total_eligible_weight"`
	QuorumThreshold     uint64           `json:"quorum_threshold_ppm"` // parts per million
	OpenedAtEpoch       Epoch            `json:"opened_at_epoch"`
	DeadlineEpoch       Epoch            `json:"deadline_epoch"`
	ClosedAtEpoch       Epoch            `json:"closed_at_epoch"`
	Status              TopicStatus      `json:"status"`
}

func (t ConsensusTopic) String() string {
	return fmt.Sprintf("Topic{%v %v for:%v against:%v total:%v window:[%v,%v]}",
		t.ID, t.Status, t.ForWeight, t.AgainstWeight, t.TotalEligibleWeight, t.OpenedAtEpoch, t.DeadlineEpoch)
}

// TopicIDFromData returns the content hash identifying data as a topic.
func TopicIDFromData(data []byte) tmbytes.HexBytes {
	return tmhash.Sum(data)
}

// ParseHash decodes a hex encoded topic id or disputed hash.
func ParseHash(s string) (tmbytes.HexBytes, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	bz, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bad hash %q: %w", s, err)
	}
	if len(bz) == 0 {
		return nil, fmt.Errorf("empty hash")
	}
	return bz, nil
}

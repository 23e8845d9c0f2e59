// adapted from github.com/tendermint/tendermint/types/validator_set.go
package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/tendermint/tendermint/crypto/merkle"
)

// ActiveMember is one selected validator together with the voting weight it
// was selected with. The weight is the one captured on every vote it casts
// during the epoch.
type ActiveMember struct {
	ID     string `json:"id"`
	Weight Weight `json:"weight"`
}

// Bytes is the canonical encoding hashed into ActiveSet.Hash.
func (m ActiveMember) Bytes() []byte {
	bz := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(bz, uint64(m.Weight))
	return append(bz, m.ID...)
}

// ActiveSet is the subset of registered validators authorised to vote during
// one epoch.
//
// Members are ordered by weight (descending), secondary index id
// (ascending). Any two nodes selecting from the same registry snapshot
// produce byte-identical sets, which Hash makes cheap to compare.
//
// NOTE: an ActiveSet is immutable once built; share it freely.
type ActiveSet struct {
	Epoch       Epoch          `json:"epoch"`
	Members     []ActiveMember `json:"members"`
	TotalWeight Weight         `json:"total_weight"`

	index map[string]int
}

// NewActiveSet builds a set from members that are already in selection
// order. Duplicate ids are rejected.
func NewActiveSet(epoch Epoch, members []ActiveMember) (*ActiveSet, error) {
	set := &ActiveSet{
		Epoch:   epoch,
		Members: make([]ActiveMember, 0, len(members)),
		index:   make(map[string]int, len(members)),
	}

	weights := make([]Weight, 0, len(members))
	for _, m := range members {
		if m.ID == "" {
			return nil, errors.New("active member without id")
		}
		if _, dup := set.index[m.ID]; dup {
			return nil, fmt.Errorf("duplicate active member %s", m.ID)
		}
		set.index[m.ID] = len(set.Members)
		set.Members = append(set.Members, m)
		weights = append(weights, m.Weight)
	}

	total, err := SumWeights(weights...)
	if err != nil {
		return nil, err
	}
	set.TotalWeight = total
	return set, nil
}

// EmptyActiveSet is the set in force before the first selection.
func EmptyActiveSet(epoch Epoch) *ActiveSet {
	return &ActiveSet{Epoch: epoch, Members: []ActiveMember{}, index: map[string]int{}}
}

// IsNilOrEmpty returns true if the set is nil or has no members.
func (s *ActiveSet) IsNilOrEmpty() bool {
	return s == nil || len(s.Members) == 0
}

// Size returns the number of members.
func (s *ActiveSet) Size() int {
	if s == nil {
		return 0
	}
	return len(s.Members)
}

func (s *ActiveSet) lookup(id string) (int, bool) {
	if s == nil {
		return -1, false
	}
	if s.index == nil {
		// sets decoded from JSON carry no index
		for i, m := range s.Members {
			if m.ID == id {
				return i, true
			}
		}
		return -1, false
	}
	idx, ok := s.index[id]
	return idx, ok
}

// Has returns true if id is a member of the set.
func (s *ActiveSet) Has(id string) bool {
	_, ok := s.lookup(id)
	return ok
}

// GetByID returns the index and member for id. Otherwise -1 and false.
func (s *ActiveSet) GetByID(id string) (int, ActiveMember, bool) {
	idx, ok := s.lookup(id)
	if !ok {
		return -1, ActiveMember{}, false
	}
	return idx, s.Members[idx], true
}

// IDs returns member ids in selection order.
func (s *ActiveSet) IDs() []string {
	ids := make([]string, 0, s.Size())
	s.Iterate(func(_ int, m ActiveMember) bool {
		ids = append(ids, m.ID)
		return false
	})
	return ids
}

// Iterate will run the given function over the set.
func (s *ActiveSet) Iterate(fn func(index int, m ActiveMember) bool) {
	if s == nil {
		return
	}
	for i, m := range s.Members {
		if fn(i, m) {
			break
		}
	}
}

// Hash returns the Merkle root hash built using members (as leaves) in
// selection order.
func (s *ActiveSet) Hash() []byte {
	bzs := make([][]byte, 0, s.Size())
	s.Iterate(func(_ int, m ActiveMember) bool {
		bzs = append(bzs, m.Bytes())
		return false
	})
	return merkle.HashFromByteSlices(bzs)
}

// String returns a string representation of ActiveSet.
//
// See StringIndented.
func (s *ActiveSet) String() string {
	return s.StringIndented("")
}

// StringIndented returns an intended String.
func (s *ActiveSet) StringIndented(indent string) string {
	if s == nil {
		return "nil-ActiveSet"
	}
	var memberStrings []string
	s.Iterate(func(_ int, m ActiveMember) bool {
		memberStrings = append(memberStrings, fmt.Sprintf("%s:%v", m.ID, m.Weight))
		return false
	})
	return fmt.Sprintf(`ActiveSet{
%s  Epoch: %v
%s  Total: %v
%s  Members:
%s    %v
%s}`,
		indent, s.Epoch,
		indent, s.TotalWeight,
		indent,
		indent, strings.Join(memberStrings, "\n"+indent+"    "),
		indent)
}

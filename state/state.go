package state

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"stakebft/types"
)

// MakeGenesisState builds the registry state a node starts from before its
// first ledger refresh. Genesis stakers without stake are skipped; a staker
// left at reputation zero starts at initialReputation.
func MakeGenesisState(genDoc *types.GenesisDoc, initialReputation uint64) State {
	vals := make([]*types.Validator, 0, len(genDoc.Stakers))
	for _, s := range genDoc.Stakers {
		if s.Stake == 0 {
			continue
		}
		rep := s.Reputation
		if rep == 0 {
			rep = initialReputation
		}
		vals = append(vals, types.NewValidator(s.ID, s.Stake, rep, genDoc.InitialEpoch))
	}
	return NewState(genDoc.ChainID, genDoc.InitialEpoch, vals)
}

// NewState returns a state holding vals. The validators are owned by the
// state from now on and must not be modified by the caller.
func NewState(chainID string, epoch types.Epoch, vals []*types.Validator) State {
	sorted := make([]*types.Validator, len(vals))
	copy(sorted, vals)
	sort.Sort(types.ValidatorsByID(sorted))

	index := make(map[string]int, len(sorted))
	for i, v := range sorted {
		index[v.ID] = i
	}
	return State{
		ChainID:    chainID,
		Epoch:      epoch,
		Validators: sorted,
		index:      index,
	}
}

// State is an immutable snapshot of the validator registry.
//
// Validators referenced by a State are never modified in place: every change
// builds a new validator and a new State, which the registry swaps in whole.
// A State handed out by the registry is therefore stable for as long as the
// holder keeps it, even while a refresh is running.
type State struct {
	ChainID string

	// epoch of the last successful refresh
	Epoch           types.Epoch
	LastRefreshTime time.Time

	// ordered by id
	Validators []*types.Validator

	index map[string]int
}

// Size returns the number of known validators, active or not.
func (state State) Size() int {
	return len(state.Validators)
}

func (state State) get(id string) (*types.Validator, bool) {
	idx, ok := state.index[id]
	if !ok {
		return nil, false
	}
	return state.Validators[idx], true
}

// Get returns a copy of the validator with the given id.
func (state State) Get(id string) (*types.Validator, bool) {
	v, ok := state.get(id)
	if !ok {
		return nil, false
	}
	return v.Copy(), true
}

// Eligible returns copies of the validators that may be selected, by id.
func (state State) Eligible() []*types.Validator {
	eligible := make([]*types.Validator, 0, len(state.Validators))
	for _, v := range state.Validators {
		if v.IsEligible() {
			eligible = append(eligible, v.Copy())
		}
	}
	return eligible
}

// Copy returns a deep copy of the state.
func (state State) Copy() State {
	vals := make([]*types.Validator, len(state.Validators))
	for i, v := range state.Validators {
		vals[i] = v.Copy()
	}
	newState := NewState(state.ChainID, state.Epoch, vals)
	newState.LastRefreshTime = state.LastRefreshTime
	return newState
}

// withValidators returns a new state in which vals replace the validators
// with the same id. Unknown ids are added.
func (state State) withValidators(vals ...*types.Validator) State {
	next := make([]*types.Validator, len(state.Validators), len(state.Validators)+len(vals))
	copy(next, state.Validators)

	for _, v := range vals {
		if idx, ok := state.index[v.ID]; ok {
			next[idx] = v
		} else {
			next = append(next, v)
		}
	}

	newState := NewState(state.ChainID, state.Epoch, next)
	newState.LastRefreshTime = state.LastRefreshTime
	return newState
}

func (state State) String() string {
	ids := make([]string, 0, len(state.Validators))
	for _, v := range state.Validators {
		ids = append(ids, v.ID)
	}
	return fmt.Sprintf("State{%s epoch:%v validators:[%s]}", state.ChainID, state.Epoch, strings.Join(ids, " "))
}

package state

import (
	"context"
	"fmt"
	"sort"

	"github.com/tendermint/tendermint/libs/log"

	"stakebft/libs/utils"
	"stakebft/power"
	"stakebft/types"
)

// Selector picks the active set of an epoch from a registry snapshot.
type Selector struct {
	calc *power.Calculator

	logger log.Logger
}

func NewSelector(calc *power.Calculator) *Selector {
	return &Selector{calc: calc, logger: log.NewNopLogger()}
}

func (sel *Selector) SetLogger(logger log.Logger) {
	sel.logger = logger
}

// Select scores every eligible validator of state and returns the
// desiredCount best, ordered by weight (descending) then id (ascending).
// Validators with malformed metrics are left out; the rest are unaffected.
//
// The result depends only on state, epoch and the oracle's answers, so two
// nodes selecting from equal snapshots produce the same set (and Hash).
func (sel *Selector) Select(ctx context.Context, state State, desiredCount int, epoch types.Epoch) (*types.ActiveSet, error) {
	if desiredCount <= 0 {
		return nil, fmt.Errorf("active set size must be positive, got %d", desiredCount)
	}

	candidates := make([]*types.Validator, 0, state.Size())
	var maxStake uint64
	for _, v := range state.Eligible() {
		if err := v.ValidateBasic(); err != nil {
			sel.logger.Error("skipping validator", "validator", v.ID, "err", err)
			continue
		}
		maxStake = utils.MaxUint64(maxStake, v.StakedAmount)
		candidates = append(candidates, v)
	}

	pc := power.Context{Epoch: epoch, MaxStake: maxStake}
	members := make([]types.ActiveMember, 0, len(candidates))
	for _, v := range candidates {
		w, err := sel.calc.ComputeWeight(ctx, v, pc)
		if err != nil {
			sel.logger.Error("skipping validator", "validator", v.ID, "err", err)
			continue
		}
		members = append(members, types.ActiveMember{ID: v.ID, Weight: w})
	}

	sort.Slice(members, func(i, j int) bool {
		if members[i].Weight != members[j].Weight {
			return members[i].Weight > members[j].Weight
		}
		return members[i].ID < members[j].ID
	})
	if len(members) > desiredCount {
		members = members[:desiredCount]
	}

	return types.NewActiveSet(epoch, members)
}

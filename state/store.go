package state

import (
	"stakebft/store"
	"stakebft/types"
)

// Store persists the registry so a restarted node keeps reputations, bans
// and applied penalties.
type Store interface {
	SaveValidators([]*types.Validator) error
	LoadValidators() ([]*types.Validator, error)

	SavePenalty(types.PenaltyRecord) error
	LoadPenalties() ([]types.PenaltyRecord, error)
}

var _ Store = (*store.KVStore)(nil)

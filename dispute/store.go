package dispute

import (
	"stakebft/store"
	"stakebft/types"
)

// Store persists disputes across restarts.
type Store interface {
	SaveDispute(d *types.Dispute) error
	LoadDisputes() ([]*types.Dispute, error)
}

var _ Store = (*store.KVStore)(nil)

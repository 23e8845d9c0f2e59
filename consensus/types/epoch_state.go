package types

import (
	"fmt"
	"time"

	"stakebft/types"
)

// EpochState is the resolver's view of the epoch in force: which set may
// vote and since when.
type EpochState struct {
	Epoch     types.Epoch
	StartTime time.Time
	ActiveSet *types.ActiveSet
}

func NewEpochState(epoch types.Epoch) EpochState {
	return EpochState{
		Epoch:     epoch,
		StartTime: time.Now(),
		ActiveSet: types.EmptyActiveSet(epoch),
	}
}

// IsMember reports whether id may vote in this epoch.
func (es EpochState) IsMember(id string) bool {
	return es.ActiveSet.Has(id)
}

func (es EpochState) String() string {
	return fmt.Sprintf("EpochState{%v since %v, %d members}",
		es.Epoch, es.StartTime.Format(time.RFC3339), es.ActiveSet.Size())
}

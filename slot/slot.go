package slot

import (
	"time"

	"stakebft/types"
)

// EpochClock is the engine's logical clock. It ticks once per epoch and
// never moves backwards; a node that learns its peers are ahead jumps
// forward to their epoch.
type EpochClock interface {
	// GetEpoch returns the current epoch.
	GetEpoch() types.Epoch

	// Chan delivers every epoch the clock enters.
	Chan() <-chan types.Epoch

	// JumpTo moves the clock forward to epoch. It reports false when the
	// clock is already at or past it.
	JumpTo(epoch types.Epoch) bool

	// ResetClock restarts the running epoch with duration d.
	ResetClock(d time.Duration)
}

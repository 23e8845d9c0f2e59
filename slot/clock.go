package slot

import (
	"time"

	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	tmsync "github.com/tendermint/tendermint/libs/sync"

	"stakebft/types"
)

const tickBufferSize = 16

// Clock is the timer-driven EpochClock. Every duration it enters the next
// epoch and announces it on Chan. Only the timeout routine touches the
// timer; everything else talks to it through resetChan.
type Clock struct {
	service.BaseService

	mtx          tmsync.RWMutex
	epoch        types.Epoch
	duration     time.Duration
	lastUpdate   time.Time
	lastDuration time.Duration

	timer     *time.Timer
	resetChan chan time.Duration
	tickChan  chan types.Epoch
}

var _ EpochClock = (*Clock)(nil)

func NewClock(initial types.Epoch, duration time.Duration) *Clock {
	c := &Clock{
		epoch:        initial,
		duration:     duration,
		lastDuration: duration,
		lastUpdate:   time.Now(),
		resetChan:    make(chan time.Duration, 1),
		tickChan:     make(chan types.Epoch, tickBufferSize),
	}
	c.BaseService = *service.NewBaseService(nil, "EpochClock", c)
	return c
}

func (c *Clock) SetLogger(logger log.Logger) {
	c.Logger = logger
}

func (c *Clock) OnStart() error {
	c.timer = time.NewTimer(c.duration)
	go c.timeoutRoutine()
	return nil
}

func (c *Clock) OnStop() {
	c.Logger.Debug("epoch clock stopped", "epoch", c.GetEpoch())
}

func (c *Clock) timeoutRoutine() {
	defer c.timer.Stop()
	for {
		select {
		case <-c.Quit():
			return

		case d := <-c.resetChan:
			if !c.timer.Stop() {
				select {
				case <-c.timer.C:
				default:
				}
			}
			c.timer.Reset(d)

			c.mtx.Lock()
			c.lastDuration = d
			c.mtx.Unlock()

		case <-c.timer.C:
			c.mtx.Lock()
			c.epoch = c.epoch.Next()
			c.lastUpdate = time.Now()
			epoch := c.epoch
			c.mtx.Unlock()

			c.timer.Reset(c.duration)
			c.announce(epoch)
		}
	}
}

// announce never blocks. A slow reader loses intermediate ticks but can
// always read the latest epoch from GetEpoch.
func (c *Clock) announce(epoch types.Epoch) {
	select {
	case c.tickChan <- epoch:
	default:
		c.Logger.Error("epoch tick dropped, reader is behind", "epoch", epoch)
	}
}

func (c *Clock) GetEpoch() types.Epoch {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.epoch
}

func (c *Clock) Chan() <-chan types.Epoch {
	return c.tickChan
}

func (c *Clock) JumpTo(epoch types.Epoch) bool {
	c.mtx.Lock()
	if !epoch.After(c.epoch) {
		c.mtx.Unlock()
		return false
	}
	c.Logger.Info("epoch clock jumps forward", "from", c.epoch, "to", epoch)
	c.epoch = epoch
	c.lastUpdate = time.Now()
	c.mtx.Unlock()

	c.announce(epoch)
	c.ResetClock(c.duration)
	return true
}

// ResetClock is a no-op on a clock that is not running.
func (c *Clock) ResetClock(d time.Duration) {
	if !c.IsRunning() {
		return
	}
	// keep only the newest request
	select {
	case <-c.resetChan:
	default:
	}
	select {
	case c.resetChan <- d:
	case <-c.Quit():
	}
}

// GetLastUpdateTime returns when the clock last changed epoch.
func (c *Clock) GetLastUpdateTime() time.Time {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.lastUpdate
}

// GetLastDuration returns the duration of the last reset.
func (c *Clock) GetLastDuration() time.Duration {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.lastDuration
}

package slot

import (
	"fmt"

	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"

	"stakebft/types"
)

const (
	EpochChannel = byte(0x10)

	maxEpochMsgSize = 64
)

type epochMessage struct {
	Epoch types.Epoch `json:"epoch"`
}

// Reactor keeps the epoch clocks of connected nodes together. Every node
// tells a new peer its epoch and re-announces it on each tick; a node that
// hears of a later epoch jumps its clock forward.
type Reactor struct {
	p2p.BaseReactor

	clock EpochClock
}

func NewReactor(clock EpochClock) *Reactor {
	slotR := &Reactor{clock: clock}
	slotR.BaseReactor = *p2p.NewBaseReactor("Slot", slotR)
	return slotR
}

// InitPeer implements Reactor
func (slotR *Reactor) InitPeer(peer p2p.Peer) p2p.Peer {
	return peer
}

func (slotR *Reactor) SetLogger(l log.Logger) {
	slotR.Logger = l
}

// OnStart implements p2p.BaseReactor.
func (slotR *Reactor) OnStart() error {
	slotR.Logger.Info("Slot Reactor started.", "epoch", slotR.clock.GetEpoch())
	return nil
}

// GetChannels implements Reactor by returning the list of channels for this
// reactor.
func (slotR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                  EpochChannel,
			Priority:            10,
			SendQueueCapacity:   10,
			RecvMessageCapacity: maxEpochMsgSize,
		},
	}
}

// AddPeer implements Reactor.
func (slotR *Reactor) AddPeer(peer p2p.Peer) {
	bz, err := encodeEpoch(slotR.clock.GetEpoch())
	if err != nil {
		slotR.Logger.Error("encode epoch failed", "err", err)
		return
	}
	if !peer.Send(EpochChannel, bz) {
		slotR.Logger.Debug("could not send epoch to peer", "peer", peer.ID())
	}
}

// RemovePeer implements Reactor.
func (slotR *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {
}

// Receive implements Reactor.
// A later epoch from a peer moves the local clock forward.
func (slotR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	if chID != EpochChannel {
		slotR.Logger.Error(fmt.Sprintf("Unknown chID %X", chID))
		return
	}
	var msg epochMessage
	if err := tmjson.Unmarshal(msgBytes, &msg); err != nil {
		slotR.Logger.Error("bad epoch message", "src", src.ID(), "err", err)
		slotR.Switch.StopPeerForError(src, err)
		return
	}
	if msg.Epoch < types.EpochZero {
		slotR.Logger.Error("negative epoch from peer", "src", src.ID(), "epoch", msg.Epoch)
		return
	}
	if slotR.clock.JumpTo(msg.Epoch) {
		slotR.Logger.Info("caught up with peer epoch", "src", src.ID(), "epoch", msg.Epoch)
	}
}

// BroadcastEpoch announces epoch to every peer.
func (slotR *Reactor) BroadcastEpoch(epoch types.Epoch) {
	if slotR.Switch == nil {
		return
	}
	bz, err := encodeEpoch(epoch)
	if err != nil {
		slotR.Logger.Error("encode epoch failed", "err", err)
		return
	}
	slotR.Switch.Broadcast(EpochChannel, bz)
}

func encodeEpoch(epoch types.Epoch) ([]byte, error) {
	return tmjson.Marshal(epochMessage{Epoch: epoch})
}

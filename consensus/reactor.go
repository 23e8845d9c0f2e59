package consensus

import (
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/libs/cmap"
	"github.com/tendermint/tendermint/libs/events"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"

	"stakebft/privval"
	"stakebft/types"
)

const (
	VoteChannel    = byte(0x22)
	DisputeChannel = byte(0x24)

	maxMsgSize = 1048576 // 1MB
)

// ------ Event ------
// events of the resolver the reactor listens to
const (
	EventNewVote = "NewVote"
)

// ------ Message ------
type Message interface {
	ValidateBasic() error
}

type msgInfo struct {
	Msg    Message
	PeerID p2p.ID
}

// DisputeHandler applies dispute messages received from peers. It reports
// whether msg changed anything, in which case the reactor gossips it on.
type DisputeHandler interface {
	HandleDisputeMessage(msg *types.DisputeMessage) (bool, error)
}

// ------- Reactor ------

// Reactor moves signed votes and dispute messages between nodes. Nothing
// reaches the resolver or the arbiter before its signature is verified.
type Reactor struct {
	p2p.BaseReactor

	chainID  string
	resolver *Resolver
	verifier privval.Verifier
	disputes DisputeHandler

	peers *cmap.CMap
}

type ReactorOption func(*Reactor)

func WithDisputeHandler(h DisputeHandler) ReactorOption {
	return func(conR *Reactor) {
		conR.disputes = h
	}
}

func NewReactor(chainID string, resolver *Resolver, verifier privval.Verifier, options ...ReactorOption) *Reactor {
	conR := &Reactor{
		chainID:  chainID,
		resolver: resolver,
		verifier: verifier,
		peers:    cmap.NewCMap(),
	}
	conR.BaseReactor = *p2p.NewBaseReactor("Consensus", conR)

	for _, option := range options {
		option(conR)
	}
	return conR
}

func (conR *Reactor) SetLogger(l log.Logger) {
	conR.Logger = l
}

func (conR *Reactor) OnStart() error {
	conR.subscribeToBroadcastEvents()
	conR.Logger.Info("Consensus Reactor started.")
	return nil
}

func (conR *Reactor) OnStop() {
	conR.unsubscribeFromBroadcastEvents()
}

func (conR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                  VoteChannel,
			Priority:            7,
			SendQueueCapacity:   100,
			RecvBufferCapacity:  100 * 100,
			RecvMessageCapacity: maxMsgSize,
		},
		{
			ID:                  DisputeChannel,
			Priority:            5,
			SendQueueCapacity:   10,
			RecvMessageCapacity: maxMsgSize,
		},
	}
}

func (conR *Reactor) InitPeer(peer p2p.Peer) p2p.Peer {
	return peer
}

func (conR *Reactor) AddPeer(peer p2p.Peer) {
	conR.peers.Set(string(peer.ID()), peer)
}

func (conR *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {
	conR.peers.Delete(string(peer.ID()))
}

// NumPeers returns the number of connected peers.
func (conR *Reactor) NumPeers() int {
	return conR.peers.Size()
}

func (conR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	if !conR.IsRunning() {
		conR.Logger.Debug("Receive", "src", src, "chID", chID, "bytes", msgBytes)
		return
	}

	switch chID {
	case VoteChannel:
		var vote types.SignedVote
		if err := tmjson.Unmarshal(msgBytes, &vote); err != nil {
			conR.Logger.Error("try to unmarshal vote failed", "src", src.ID(), "err", err)
			conR.Switch.StopPeerForError(src, err)
			return
		}
		msg := &VoteMessage{Vote: &vote}
		if err := msg.ValidateBasic(); err != nil {
			conR.Logger.Error("peer sent invalid vote", "src", src.ID(), "err", err)
			return
		}
		if err := conR.verifier.VerifyVote(conR.chainID, &vote); err != nil {
			conR.Logger.Error("vote signature rejected", "src", src.ID(), "vote", &vote.Vote, "err", err)
			return
		}
		conR.Logger.Debug(fmt.Sprintf("Receive vote from #{%v}", src.ID()), "vote", &vote.Vote)
		conR.resolver.AddPeerVote(&vote, src.ID())

	case DisputeChannel:
		var msg types.DisputeMessage
		if err := tmjson.Unmarshal(msgBytes, &msg); err != nil {
			conR.Logger.Error("try to unmarshal dispute message failed", "src", src.ID(), "err", err)
			conR.Switch.StopPeerForError(src, err)
			return
		}
		conR.handleDispute(&msg, src)

	default:
		conR.Logger.Error(fmt.Sprintf("Unknown chID %X", chID))
	}
}

func (conR *Reactor) handleDispute(msg *types.DisputeMessage, src p2p.Peer) {
	if conR.disputes == nil {
		return
	}
	if err := msg.ValidateBasic(); err != nil {
		conR.Logger.Error("peer sent invalid dispute message", "src", src.ID(), "err", err)
		return
	}
	if err := conR.verifier.VerifyDispute(conR.chainID, msg); err != nil {
		conR.Logger.Error("dispute signature rejected", "src", src.ID(), "signer", msg.SignerID, "err", err)
		return
	}
	applied, err := conR.disputes.HandleDisputeMessage(msg)
	if err != nil {
		if !errors.Is(err, types.ErrDisputeTransitionInvalid) {
			conR.Logger.Info("dispute message refused", "src", src.ID(), "action", msg.Action, "err", err)
		}
		return
	}
	if applied {
		conR.BroadcastDispute(msg)
	}
}

// subscribeToBroadcastEvents subscribes to the votes the resolver wants
// gossiped.
func (conR *Reactor) subscribeToBroadcastEvents() {
	const subscriber = "consensus-reactor"
	if err := conR.resolver.eventSwitch.AddListenerForEvent(subscriber, EventNewVote,
		func(data events.EventData) {
			conR.broadcastVote(data.(*types.SignedVote))
		}); err != nil {
		conR.Logger.Error("Error adding listener for events", "err", err)
	}
}

func (conR *Reactor) unsubscribeFromBroadcastEvents() {
	const subscriber = "consensus-reactor"
	conR.resolver.eventSwitch.RemoveListener(subscriber)
}

func (conR *Reactor) broadcastVote(vote *types.SignedVote) {
	if conR.Switch == nil {
		return
	}
	vBytes, err := tmjson.Marshal(vote)
	if err != nil {
		conR.Logger.Error("Marshal Vote failed.", "err", err)
		return
	}
	conR.Logger.Debug("ready to broadcast Vote", "vote", &vote.Vote)
	conR.Switch.Broadcast(VoteChannel, vBytes)
}

// BroadcastDispute gossips a signed dispute message.
func (conR *Reactor) BroadcastDispute(msg *types.DisputeMessage) {
	if conR.Switch == nil {
		return
	}
	bz, err := tmjson.Marshal(msg)
	if err != nil {
		conR.Logger.Error("Marshal dispute message failed.", "err", err)
		return
	}
	conR.Logger.Debug("ready to broadcast dispute message", "action", msg.Action, "dispute", msg.DisputeID)
	conR.Switch.Broadcast(DisputeChannel, bz)
}

// --------------------------

type VoteMessage struct {
	Vote *types.SignedVote
}

func (msg *VoteMessage) ValidateBasic() error {
	if msg.Vote == nil {
		return errors.New("nil vote")
	}
	if len(msg.Vote.Signature) == 0 {
		return fmt.Errorf("%w: unsigned", types.ErrInvalidVote)
	}
	return msg.Vote.Vote.ValidateBasic()
}

func (msg *VoteMessage) String() string {
	return fmt.Sprintf("[Vote %v]", &msg.Vote.Vote)
}

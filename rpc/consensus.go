package rpc

import (
	"fmt"

	"github.com/tendermint/tendermint/libs/bytes"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"stakebft/types"
)

type ResultVote struct {
	// false when a later vote of the same voter was already counted
	Counted bool              `json:"counted"`
	Vote    *types.VoteRecord `json:"vote,omitempty"`
}

type ResultTopic struct {
	Topic types.ConsensusTopic `json:"topic"`
}

type ResultTopics struct {
	Topics []types.ConsensusTopic `json:"topics"`
}

type ResultVotes struct {
	TopicID bytes.HexBytes     `json:"topic_id"`
	Votes   []types.VoteRecord `json:"votes"`
	Stale   []types.VoteRecord `json:"stale"`
}

// Vote casts this node's own signed vote and gossips it.
func (env *Environment) Vote(ctx *rpctypes.Context, topic, decision string) (*ResultVote, error) {
	id, err := types.ParseHash(topic)
	if err != nil {
		return nil, err
	}
	d, err := types.ParseDecision(decision)
	if err != nil {
		return nil, err
	}
	rec, err := env.Resolver.Vote(id, d)
	if err != nil {
		return nil, err
	}
	return &ResultVote{Counted: rec != nil, Vote: rec}, nil
}

// SubmitVote accepts a vote signed by another validator, e.g. one relayed by
// a client that is not a peer.
func (env *Environment) SubmitVote(ctx *rpctypes.Context, vote types.SignedVote) (*ResultVote, error) {
	if len(vote.Signature) == 0 {
		return nil, fmt.Errorf("%w: unsigned", types.ErrInvalidVote)
	}
	if err := env.Verifier.VerifyVote(env.Resolver.ChainID(), &vote); err != nil {
		return nil, err
	}
	rec, err := env.Resolver.SubmitVote(&vote)
	if err != nil {
		return nil, err
	}
	return &ResultVote{Counted: rec != nil, Vote: rec}, nil
}

func (env *Environment) OpenTopic(ctx *rpctypes.Context, topic string) (*ResultTopic, error) {
	id, err := types.ParseHash(topic)
	if err != nil {
		return nil, err
	}
	t, err := env.Resolver.OpenTopic(id)
	if err != nil {
		return nil, err
	}
	return &ResultTopic{Topic: t}, nil
}

func (env *Environment) Topic(ctx *rpctypes.Context, topic string) (*ResultTopic, error) {
	id, err := types.ParseHash(topic)
	if err != nil {
		return nil, err
	}
	t, err := env.Resolver.Topic(id)
	if err != nil {
		return nil, err
	}
	return &ResultTopic{Topic: t}, nil
}

// Topics lists the topics with status, all of them when status is empty.
func (env *Environment) Topics(ctx *rpctypes.Context, status string) (*ResultTopics, error) {
	var s types.TopicStatus
	if status != "" {
		var err error
		if s, err = types.ParseTopicStatus(status); err != nil {
			return nil, err
		}
	}
	return &ResultTopics{Topics: env.Resolver.Topics(s)}, nil
}

func (env *Environment) Votes(ctx *rpctypes.Context, topic string) (*ResultVotes, error) {
	id, err := types.ParseHash(topic)
	if err != nil {
		return nil, err
	}
	votes, err := env.Resolver.Votes(id)
	if err != nil {
		return nil, err
	}
	stale, err := env.Resolver.StaleVotes(id)
	if err != nil {
		return nil, err
	}
	return &ResultVotes{TopicID: id, Votes: votes, Stale: stale}, nil
}

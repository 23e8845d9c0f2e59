package rpc

import (
	"fmt"

	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"stakebft/types"
)

type ResultDispute struct {
	Dispute *types.Dispute `json:"dispute"`
}

type ResultDisputes struct {
	Disputes []*types.Dispute `json:"disputes"`
}

type ResultSubmitDispute struct {
	// false when the message changed nothing, e.g. a replay
	Applied bool           `json:"applied"`
	Dispute *types.Dispute `json:"dispute"`
}

type ResultResolution struct {
	Resolution types.Resolution `json:"resolution"`
}

// InitiateDispute opens a dispute against hash on behalf of this node.
// Anyone else initiates through SubmitDispute.
func (env *Environment) InitiateDispute(
	ctx *rpctypes.Context,
	hash, reason string,
	evidence []string,
) (*ResultDispute, error) {
	h, err := types.ParseHash(hash)
	if err != nil {
		return nil, err
	}
	d, err := env.Arbiter.InitiateDispute(ctx.Context(), h, env.NodeID, reason, evidence)
	if err != nil {
		return nil, err
	}
	return &ResultDispute{Dispute: d}, nil
}

func (env *Environment) ReviewDispute(ctx *rpctypes.Context, id string) (*ResultDispute, error) {
	did, err := types.ParseHash(id)
	if err != nil {
		return nil, err
	}
	d, err := env.Arbiter.BeginReview(ctx.Context(), did)
	if err != nil {
		return nil, err
	}
	return &ResultDispute{Dispute: d}, nil
}

// ResolveDispute records the outcome of a review. Resolving twice returns
// the first resolution.
func (env *Environment) ResolveDispute(
	ctx *rpctypes.Context,
	id, outcome, party string,
	amount uint64,
) (*ResultResolution, error) {
	did, err := types.ParseHash(id)
	if err != nil {
		return nil, err
	}
	o, err := types.ParseOutcome(outcome)
	if err != nil {
		return nil, err
	}
	res, err := env.Arbiter.ResolveDispute(ctx.Context(), did, types.Resolution{
		Outcome:        o,
		PenalizedParty: party,
		PenaltyAmount:  amount,
	})
	if err != nil {
		return nil, err
	}
	return &ResultResolution{Resolution: res}, nil
}

// WithdrawDispute withdraws a dispute this node initiated.
func (env *Environment) WithdrawDispute(ctx *rpctypes.Context, id string) (*ResultDispute, error) {
	did, err := types.ParseHash(id)
	if err != nil {
		return nil, err
	}
	d, err := env.Arbiter.Withdraw(ctx.Context(), did, env.NodeID)
	if err != nil {
		return nil, err
	}
	return &ResultDispute{Dispute: d}, nil
}

// SubmitDispute applies a dispute change signed by another validator and
// gossips it.
func (env *Environment) SubmitDispute(ctx *rpctypes.Context, msg types.DisputeMessage) (*ResultSubmitDispute, error) {
	if len(msg.Signature) == 0 {
		return nil, fmt.Errorf("%w: unsigned dispute message", types.ErrNotAuthorized)
	}
	if err := env.Verifier.VerifyDispute(env.Resolver.ChainID(), &msg); err != nil {
		return nil, err
	}
	d, applied, err := env.Arbiter.SubmitDispute(ctx.Context(), &msg)
	if err != nil {
		return nil, err
	}
	return &ResultSubmitDispute{Applied: applied, Dispute: d}, nil
}

func (env *Environment) Dispute(ctx *rpctypes.Context, id string) (*ResultDispute, error) {
	did, err := types.ParseHash(id)
	if err != nil {
		return nil, err
	}
	d, err := env.Arbiter.Dispute(did)
	if err != nil {
		return nil, err
	}
	return &ResultDispute{Dispute: d}, nil
}

func (env *Environment) Disputes(ctx *rpctypes.Context, status string) (*ResultDisputes, error) {
	var s types.DisputeStatus
	if status != "" {
		var err error
		if s, err = types.ParseDisputeStatus(status); err != nil {
			return nil, err
		}
	}
	return &ResultDisputes{Disputes: env.Arbiter.Disputes(s)}, nil
}

package ledger

import (
	rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"
)

// JSON-RPC method names of the ledger surface.
const (
	MethodStake         = "ledger_stake"
	MethodStakers       = "ledger_stakers"
	MethodHasRole       = "ledger_has_role"
	MethodSubmitPenalty = "ledger_submit_penalty"
)

type ResultStake struct {
	ID    string `json:"id"`
	Stake uint64 `json:"stake"`
}

type ResultStakers struct {
	IDs []string `json:"ids"`
}

type ResultHasRole struct {
	HasRole bool `json:"has_role"`
}

type ResultSubmitPenalty struct {
	PenaltyID string `json:"penalty_id"`
}

// Routes serves client over JSON-RPC so that other nodes can use it through
// RPCClient.
func Routes(client Client) map[string]*rpcserver.RPCFunc {
	h := &handlers{client: client}
	return map[string]*rpcserver.RPCFunc{
		MethodStake:         rpcserver.NewRPCFunc(h.Stake, "id"),
		MethodStakers:       rpcserver.NewRPCFunc(h.Stakers, ""),
		MethodHasRole:       rpcserver.NewRPCFunc(h.HasRole, "id,role"),
		MethodSubmitPenalty: rpcserver.NewRPCFunc(h.SubmitPenalty, "id,amount,penalty_id"),
	}
}

type handlers struct {
	client Client
}

func (h *handlers) Stake(ctx *rpctypes.Context, id string) (*ResultStake, error) {
	stake, err := h.client.GetStake(ctx.Context(), id)
	if err != nil {
		return nil, err
	}
	return &ResultStake{ID: id, Stake: stake}, nil
}

func (h *handlers) Stakers(ctx *rpctypes.Context) (*ResultStakers, error) {
	ids, err := h.client.GetAllStakers(ctx.Context())
	if err != nil {
		return nil, err
	}
	return &ResultStakers{IDs: ids}, nil
}

func (h *handlers) HasRole(ctx *rpctypes.Context, id, role string) (*ResultHasRole, error) {
	ok, err := h.client.HasRole(ctx.Context(), id, role)
	if err != nil {
		return nil, err
	}
	return &ResultHasRole{HasRole: ok}, nil
}

func (h *handlers) SubmitPenalty(ctx *rpctypes.Context, id string, amount uint64, penaltyID string) (*ResultSubmitPenalty, error) {
	if err := h.client.SubmitPenalty(ctx.Context(), id, amount, penaltyID); err != nil {
		return nil, err
	}
	return &ResultSubmitPenalty{PenaltyID: penaltyID}, nil
}

package rpc

import (
	"github.com/tendermint/tendermint/libs/bytes"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"stakebft/types"
)

type ResultValidators struct {
	Epoch      types.Epoch        `json:"epoch"`
	Validators []*types.Validator `json:"validators"`
}

type ResultValidator struct {
	Validator *types.Validator `json:"validator"`
	// weight in the current active set, zero when not selected
	Weight types.Weight `json:"weight"`
}

type ResultActiveSet struct {
	Epoch       types.Epoch          `json:"epoch"`
	Hash        bytes.HexBytes       `json:"hash"`
	TotalWeight types.Weight         `json:"total_weight"`
	Members     []types.ActiveMember `json:"members"`
}

type ResultPenalties struct {
	Pending []types.PenaltyRecord `json:"pending"`
}

func (env *Environment) Validators(ctx *rpctypes.Context) (*ResultValidators, error) {
	st := env.Registry.State()
	return &ResultValidators{Epoch: st.Epoch, Validators: st.Validators}, nil
}

func (env *Environment) Validator(ctx *rpctypes.Context, id string) (*ResultValidator, error) {
	v, err := env.Registry.Validator(id)
	if err != nil {
		return nil, err
	}
	res := &ResultValidator{Validator: v}
	if _, m, ok := env.Resolver.ActiveSet().GetByID(id); ok {
		res.Weight = m.Weight
	}
	return res, nil
}

func (env *Environment) ActiveSet(ctx *rpctypes.Context) (*ResultActiveSet, error) {
	set := env.Resolver.ActiveSet()
	return &ResultActiveSet{
		Epoch:       set.Epoch,
		Hash:        set.Hash(),
		TotalWeight: set.TotalWeight,
		Members:     set.Members,
	}, nil
}

// PendingPenalties lists stake penalties the ledger has not accepted yet.
func (env *Environment) PendingPenalties(ctx *rpctypes.Context) (*ResultPenalties, error) {
	return &ResultPenalties{Pending: env.Registry.PendingPenalties()}, nil
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	rpcclient "github.com/tendermint/tendermint/rpc/jsonrpc/client"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"stakebft/types"
)

// RPCClient talks to a remote ledger over tendermint JSON-RPC.
type RPCClient struct {
	remote string
	caller *rpcclient.Client
}

var _ Client = (*RPCClient)(nil)

func NewRPCClient(remote string) (*RPCClient, error) {
	caller, err := rpcclient.New(remote)
	if err != nil {
		return nil, fmt.Errorf("ledger client for %s: %w", remote, err)
	}
	return &RPCClient{remote: remote, caller: caller}, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params map[string]interface{}, result interface{}) error {
	_, err := c.caller.Call(ctx, method, params, result)
	if err == nil {
		return nil
	}

	var rpcErr *rpctypes.RPCError
	if errors.As(err, &rpcErr) && !strings.Contains(rpcErr.Data, types.ErrLedgerUnavailable.Error()) {
		// the ledger answered and refused
		return fmt.Errorf("%s %s: %w", c.remote, method, err)
	}
	return fmt.Errorf("%w: %s %s: %v", types.ErrLedgerUnavailable, c.remote, method, err)
}

func (c *RPCClient) GetStake(ctx context.Context, validatorID string) (uint64, error) {
	result := new(ResultStake)
	if err := c.call(ctx, MethodStake, map[string]interface{}{"id": validatorID}, result); err != nil {
		return 0, err
	}
	return result.Stake, nil
}

func (c *RPCClient) GetAllStakers(ctx context.Context) ([]string, error) {
	result := new(ResultStakers)
	if err := c.call(ctx, MethodStakers, map[string]interface{}{}, result); err != nil {
		return nil, err
	}
	return result.IDs, nil
}

func (c *RPCClient) HasRole(ctx context.Context, validatorID, role string) (bool, error) {
	result := new(ResultHasRole)
	params := map[string]interface{}{"id": validatorID, "role": role}
	if err := c.call(ctx, MethodHasRole, params, result); err != nil {
		return false, err
	}
	return result.HasRole, nil
}

func (c *RPCClient) SubmitPenalty(ctx context.Context, validatorID string, amount uint64, penaltyID string) error {
	params := map[string]interface{}{"id": validatorID, "amount": amount, "penalty_id": penaltyID}
	return c.call(ctx, MethodSubmitPenalty, params, new(ResultSubmitPenalty))
}

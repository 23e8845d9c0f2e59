// Package ledger is the boundary to the external stake ledger: the source of
// truth for staked amounts and roles, and the sink for stake penalties.
package ledger

import (
	"context"

	"stakebft/types"
)

// Client reads stakes and roles from the ledger and submits penalties to it.
// Every method fails with an error wrapping types.ErrLedgerUnavailable when
// the ledger cannot be reached.
type Client interface {
	GetStake(ctx context.Context, validatorID string) (uint64, error)
	GetAllStakers(ctx context.Context) ([]string, error)
	HasRole(ctx context.Context, validatorID, role string) (bool, error)

	// SubmitPenalty is idempotent per penaltyID.
	SubmitPenalty(ctx context.Context, validatorID string, amount uint64, penaltyID string) error
}

// PerformanceSource is implemented by ledgers that also track validator
// uptime and latency. The registry discovers it by type assertion.
type PerformanceSource interface {
	GetPerformance(ctx context.Context, validatorID string) (types.PerformanceMetrics, error)
}

package ledger

import (
	"context"
	"fmt"
	"sort"

	tmsync "github.com/tendermint/tendermint/libs/sync"

	"stakebft/libs/utils"
	"stakebft/types"
)

// MemLedger is an in-process ledger. Nodes started from a genesis file serve
// stakes from it, and tests use it as a controllable fake.
type MemLedger struct {
	mtx tmsync.RWMutex

	stakes      map[string]uint64
	roles       map[string]map[string]bool
	performance map[string]types.PerformanceMetrics
	penalties   map[string]uint64 // penaltyID/validatorID -> amount

	unavailable bool
}

var (
	_ Client            = (*MemLedger)(nil)
	_ PerformanceSource = (*MemLedger)(nil)
)

func NewMemLedger() *MemLedger {
	return &MemLedger{
		stakes:      make(map[string]uint64),
		roles:       make(map[string]map[string]bool),
		performance: make(map[string]types.PerformanceMetrics),
		penalties:   make(map[string]uint64),
	}
}

// NewMemLedgerFromGenesis seeds stakes and roles from the genesis stakers.
func NewMemLedgerFromGenesis(genDoc *types.GenesisDoc) *MemLedger {
	l := NewMemLedger()
	for _, s := range genDoc.Stakers {
		l.SetStake(s.ID, s.Stake)
		for _, role := range s.Roles {
			l.GrantRole(s.ID, role)
		}
	}
	return l
}

func (l *MemLedger) SetStake(id string, stake uint64) {
	l.mtx.Lock()
	l.stakes[id] = stake
	l.mtx.Unlock()
}

func (l *MemLedger) GrantRole(id, role string) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.roles[id] == nil {
		l.roles[id] = make(map[string]bool)
	}
	l.roles[id][role] = true
}

func (l *MemLedger) SetPerformance(id string, pm types.PerformanceMetrics) {
	l.mtx.Lock()
	l.performance[id] = pm
	l.mtx.Unlock()
}

// SetUnavailable makes every call fail with ErrLedgerUnavailable.
func (l *MemLedger) SetUnavailable(unavailable bool) {
	l.mtx.Lock()
	l.unavailable = unavailable
	l.mtx.Unlock()
}

func (l *MemLedger) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrLedgerUnavailable, err)
	}
	if l.unavailable {
		return types.ErrLedgerUnavailable
	}
	return nil
}

func (l *MemLedger) GetStake(ctx context.Context, validatorID string) (uint64, error) {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	if err := l.check(ctx); err != nil {
		return 0, err
	}
	return l.stakes[validatorID], nil
}

// GetAllStakers returns every known staker id in ascending order.
func (l *MemLedger) GetAllStakers(ctx context.Context) ([]string, error) {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	if err := l.check(ctx); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(l.stakes))
	for id := range l.stakes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (l *MemLedger) HasRole(ctx context.Context, validatorID, role string) (bool, error) {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	if err := l.check(ctx); err != nil {
		return false, err
	}
	return l.roles[validatorID][role], nil
}

func (l *MemLedger) SubmitPenalty(ctx context.Context, validatorID string, amount uint64, penaltyID string) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if err := l.check(ctx); err != nil {
		return err
	}
	key := penaltyID + "/" + validatorID
	if _, applied := l.penalties[key]; applied {
		return nil
	}
	l.penalties[key] = amount
	l.stakes[validatorID] = utils.SubUint64Floor(l.stakes[validatorID], amount)
	return nil
}

func (l *MemLedger) GetPerformance(ctx context.Context, validatorID string) (types.PerformanceMetrics, error) {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	if err := l.check(ctx); err != nil {
		return types.PerformanceMetrics{}, err
	}
	pm, ok := l.performance[validatorID]
	if !ok {
		return types.PerformanceMetrics{Uptime: 1}, nil
	}
	return pm, nil
}

// PenaltyCount returns how many distinct penalties were applied.
func (l *MemLedger) PenaltyCount() int {
	l.mtx.RLock()
	defer l.mtx.RUnlock()
	return len(l.penalties)
}

package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	tmsync "github.com/tendermint/tendermint/libs/sync"
	tmtime "github.com/tendermint/tendermint/types/time"
	"golang.org/x/sync/errgroup"

	"stakebft/config"
	"stakebft/ledger"
	"stakebft/libs/metric"
	"stakebft/libs/utils"
	"stakebft/power"
	"stakebft/types"
)

// metric names
const (
	metricRefreshOK           = "refresh_ok"
	metricRefreshFailed       = "refresh_failed"
	metricValidators          = "validators"
	metricActiveSetSize       = "active_set_size"
	metricPenaltiesApplied    = "penalties_applied"
	metricPenaltySubmitFailed = "penalty_submit_failed"
)

// Registry is the single owner of validator records. It keeps the current
// State behind a lock and replaces it whole on every change, so readers
// always see one consistent snapshot.
//
// Stakes and roles come from the ledger (Refresh); reputations, bans and
// participation are local and persisted through the Store.
type Registry struct {
	mtx   tmsync.RWMutex
	state State
	// applied penalties by penaltyKey
	penalties map[string]types.PenaltyRecord

	cfg      *config.EngineConfig
	ledger   ledger.Client
	perf     ledger.PerformanceSource
	selector *Selector

	store   Store
	evsw    events.Fireable
	metrics *metric.CounterItem

	// serializes ledger penalty submissions with each other and with the
	// ledger reads of Refresh, so a read never predates a submitted penalty
	// that rebuild no longer counts as pending
	submitMtx tmsync.Mutex

	logger log.Logger
}

type RegistryOption func(*Registry)

// WithStore persists every change to s.
func WithStore(s Store) RegistryOption {
	return func(r *Registry) {
		r.store = s
	}
}

// WithEventSwitch fires ValidatorSelected and PenaltyApplied on evsw.
func WithEventSwitch(evsw events.Fireable) RegistryOption {
	return func(r *Registry) {
		r.evsw = evsw
	}
}

func WithMetrics(m *metric.CounterItem) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

func NewRegistry(
	cfg *config.EngineConfig,
	state State,
	client ledger.Client,
	calc *power.Calculator,
	options ...RegistryOption,
) *Registry {
	r := &Registry{
		state:     state,
		penalties: make(map[string]types.PenaltyRecord),
		cfg:       cfg,
		ledger:    client,
		selector:  NewSelector(calc),
		metrics:   metric.NewCounterItem(),
		logger:    log.NewNopLogger(),
	}
	if src, ok := ledger.AsPerformanceSource(client); ok {
		r.perf = src
	}
	for _, option := range options {
		option(r)
	}
	return r
}

func (r *Registry) SetLogger(logger log.Logger) {
	r.logger = logger
	r.selector.SetLogger(logger)
}

// Metrics returns the registry's counters.
func (r *Registry) Metrics() *metric.CounterItem {
	return r.metrics
}

// LoadFromStore replaces the in-memory validators and applied penalties
// with the persisted ones. Validators only known from genesis are kept.
func (r *Registry) LoadFromStore() error {
	if r.store == nil {
		return nil
	}
	vals, err := r.store.LoadValidators()
	if err != nil {
		return fmt.Errorf("load validators: %w", err)
	}
	recs, err := r.store.LoadPenalties()
	if err != nil {
		return fmt.Errorf("load penalties: %w", err)
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.state = r.state.withValidators(vals...)
	for _, rec := range recs {
		r.penalties[penaltyKey(rec.PenaltyID, rec.ValidatorID)] = rec
	}
	r.logger.Info("registry loaded", "validators", len(vals), "penalties", len(recs))
	return nil
}

// State returns the current snapshot.
func (r *Registry) State() State {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.state
}

// Validator returns a copy of the record of id.
func (r *Registry) Validator(id string) (*types.Validator, error) {
	v, ok := r.State().Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownValidator, id)
	}
	return v, nil
}

//-----------------------------------------------------------------------------
// refresh

type position struct {
	stake uint64
	perf  *types.PerformanceMetrics
}

// Refresh pulls every staker and its stake from the ledger and rebuilds the
// snapshot. Stakers seen for the first time are created at the initial
// reputation; stakers whose stake dropped to zero are deactivated.
//
// When the ledger cannot be read the current snapshot is kept and the
// returned error wraps types.ErrLedgerUnavailable.
func (r *Registry) Refresh(ctx context.Context, epoch types.Epoch) error {
	next, n, err := r.refresh(ctx, epoch)
	if err != nil {
		return r.refreshFailed(err)
	}

	r.metrics.Inc(metricRefreshOK)
	r.metrics.Gauge(metricValidators).Update(int64(next.Size()))
	r.logger.Debug("registry refreshed", "epoch", epoch, "stakers", n, "validators", next.Size())

	r.save(next.Validators...)
	r.submitPending(ctx)
	return nil
}

func (r *Registry) refresh(ctx context.Context, epoch types.Epoch) (State, int, error) {
	r.submitMtx.Lock()
	defer r.submitMtx.Unlock()

	ids, err := r.ledger.GetAllStakers(ctx)
	if err != nil {
		return State{}, 0, err
	}

	positions := make([]position, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.RefreshConcurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			stake, err := r.ledger.GetStake(gctx, id)
			if err != nil {
				return fmt.Errorf("stake of %s: %w", id, err)
			}
			positions[i].stake = stake
			if r.perf != nil {
				pm, err := r.perf.GetPerformance(gctx, id)
				if err != nil {
					return fmt.Errorf("performance of %s: %w", id, err)
				}
				positions[i].perf = &pm
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return State{}, 0, err
	}

	r.mtx.Lock()
	next := r.rebuild(ids, positions, epoch)
	r.state = next
	r.mtx.Unlock()
	return next, len(ids), nil
}

// rebuild derives the next state from the current one and fresh ledger
// positions. Caller holds r.mtx.
func (r *Registry) rebuild(ids []string, positions []position, epoch types.Epoch) State {
	pending := r.pendingStake()
	seen := make(map[string]bool, len(ids))
	vals := make([]*types.Validator, 0, len(ids))

	for i, id := range ids {
		seen[id] = true
		// stake penalties the ledger has not accepted yet still count
		stake := utils.SubUint64Floor(positions[i].stake, pending[id])

		var v *types.Validator
		if old, ok := r.state.get(id); ok {
			v = old.Copy()
			switch {
			case stake == 0:
				v.Active = false
			case v.StakedAmount == 0:
				v.Active = true
			}
			v.StakedAmount = stake
		} else {
			if stake == 0 {
				continue
			}
			v = types.NewValidator(id, stake, r.cfg.InitialReputation, epoch)
		}

		if pm := positions[i].perf; pm != nil {
			if err := pm.ValidateBasic(); err != nil {
				r.logger.Error("ignoring performance metrics", "validator", id, "err", err)
			} else {
				voteCount := v.Performance.VoteCount
				v.Performance = *pm
				if pm.VoteCount < voteCount {
					v.Performance.VoteCount = voteCount
				}
			}
		}
		vals = append(vals, v)
	}

	// validators the ledger no longer lists hold no stake
	for _, old := range r.state.Validators {
		if seen[old.ID] {
			continue
		}
		v := old.Copy()
		v.StakedAmount = 0
		v.Active = false
		vals = append(vals, v)
	}

	next := NewState(r.state.ChainID, epoch, vals)
	next.LastRefreshTime = tmtime.Now()
	return next
}

func (r *Registry) refreshFailed(err error) error {
	r.metrics.Inc(metricRefreshFailed)
	if !errors.Is(err, types.ErrLedgerUnavailable) {
		err = fmt.Errorf("%w: %v", types.ErrLedgerUnavailable, err)
	}
	r.logger.Error("registry refresh failed, keeping last snapshot", "err", err)
	return err
}

//-----------------------------------------------------------------------------
// selection

// SelectActiveSet selects the active set of epoch from the current snapshot
// and stamps LastSelectedEpoch on its members.
func (r *Registry) SelectActiveSet(ctx context.Context, desiredCount int, epoch types.Epoch) (*types.ActiveSet, error) {
	set, err := r.selector.Select(ctx, r.State(), desiredCount, epoch)
	if err != nil {
		return nil, err
	}

	r.mtx.Lock()
	selected := make([]*types.Validator, 0, set.Size())
	set.Iterate(func(_ int, m types.ActiveMember) bool {
		if old, ok := r.state.get(m.ID); ok {
			v := old.Copy()
			v.LastSelectedEpoch = epoch
			selected = append(selected, v)
		}
		return false
	})
	r.state = r.state.withValidators(selected...)
	r.mtx.Unlock()

	r.save(selected...)
	r.metrics.Gauge(metricActiveSetSize).Update(int64(set.Size()))
	r.logger.Info("active set selected", "epoch", epoch, "size", set.Size(), "total", set.TotalWeight)
	r.fire(types.EventValidatorSelected, types.EventDataActiveSet{
		Epoch:       set.Epoch,
		Members:     set.Members,
		TotalWeight: set.TotalWeight,
		Hash:        set.Hash(),
	})
	return set, nil
}

//-----------------------------------------------------------------------------
// local record updates

func (r *Registry) update(id string, fn func(v *types.Validator)) error {
	r.mtx.Lock()
	old, ok := r.state.get(id)
	if !ok {
		r.mtx.Unlock()
		return fmt.Errorf("%w: %s", types.ErrUnknownValidator, id)
	}
	v := old.Copy()
	fn(v)
	r.state = r.state.withValidators(v)
	r.mtx.Unlock()

	r.save(v)
	return nil
}

// Ban excludes id from selection until Unban.
func (r *Registry) Ban(id string) error {
	return r.update(id, func(v *types.Validator) { v.Banned = true })
}

func (r *Registry) Unban(id string) error {
	return r.update(id, func(v *types.Validator) { v.Banned = false })
}

// Deactivate marks id inactive. It becomes active again once the ledger
// reports a fresh stake after its stake was zero.
func (r *Registry) Deactivate(id string) error {
	return r.update(id, func(v *types.Validator) { v.Active = false })
}

// RecordParticipation credits the voters of a finalized topic: every voter's
// vote count grows by one, and voters on the winning side earn the
// participation reward, capped at types.MaxReputation.
func (r *Registry) RecordParticipation(votes []types.VoteRecord, outcome types.TopicStatus) {
	if len(votes) == 0 {
		return
	}

	r.mtx.Lock()
	changed := make([]*types.Validator, 0, len(votes))
	for _, vote := range votes {
		old, ok := r.state.get(vote.VoterID)
		if !ok {
			continue
		}
		v := old.Copy()
		v.Performance.VoteCount++
		aligned := (vote.Decision == types.DecisionFor && outcome == types.TopicReached) ||
			(vote.Decision == types.DecisionAgainst && outcome == types.TopicFailed)
		if aligned {
			v.ReputationScore = utils.MinUint64(v.ReputationScore+r.cfg.ParticipationReward, types.MaxReputation)
		}
		changed = append(changed, v)
	}
	r.state = r.state.withValidators(changed...)
	r.mtx.Unlock()

	r.save(changed...)
}

//-----------------------------------------------------------------------------
// penalties

func penaltyKey(penaltyID, validatorID string) string {
	return penaltyID + "/" + validatorID
}

// ApplyPenalty reduces the reputation and/or stake of validatorID by amount,
// as configured by the penalty target, clamping at zero. It is idempotent
// per (penaltyID, validatorID): repeating a call returns the first record
// and changes nothing.
//
// Stake reductions are forwarded to the ledger. If the ledger is
// unavailable the penalty stays applied locally and submission is retried
// after every refresh.
func (r *Registry) ApplyPenalty(ctx context.Context, penaltyID, validatorID string, amount uint64) (types.PenaltyRecord, error) {
	key := penaltyKey(penaltyID, validatorID)

	r.mtx.Lock()
	if rec, ok := r.penalties[key]; ok {
		r.mtx.Unlock()
		return rec, nil
	}
	old, ok := r.state.get(validatorID)
	if !ok {
		r.mtx.Unlock()
		return types.PenaltyRecord{}, fmt.Errorf("%w: %s", types.ErrUnknownValidator, validatorID)
	}

	target := r.cfg.PenaltyTarget
	v := old.Copy()
	if target == config.PenaltyTargetReputation || target == config.PenaltyTargetBoth {
		v.ReputationScore = utils.SubUint64Floor(v.ReputationScore, amount)
	}
	touchesStake := target == config.PenaltyTargetStake || target == config.PenaltyTargetBoth
	if touchesStake {
		v.StakedAmount = utils.SubUint64Floor(v.StakedAmount, amount)
		if v.StakedAmount == 0 {
			v.Active = false
		}
	}

	rec := types.PenaltyRecord{
		PenaltyID:        penaltyID,
		ValidatorID:      validatorID,
		Amount:           amount,
		Target:           target,
		ReputationBefore: old.ReputationScore,
		ReputationAfter:  v.ReputationScore,
		StakeBefore:      old.StakedAmount,
		StakeAfter:       v.StakedAmount,
		StakeSubmitted:   !touchesStake || amount == 0,
		Epoch:            r.state.Epoch,
	}
	r.state = r.state.withValidators(v)
	r.penalties[key] = rec
	r.mtx.Unlock()

	r.save(v)
	r.savePenalty(rec)
	r.metrics.Inc(metricPenaltiesApplied)
	r.logger.Info("penalty applied", "penalty", rec)

	if !rec.StakeSubmitted {
		if r.submit(ctx, rec) {
			rec.StakeSubmitted = true
		}
	}

	r.fire(types.EventPenaltyApplied, types.EventDataPenalty{Penalty: rec})
	return rec, nil
}

// Penalty returns the record of an applied penalty.
func (r *Registry) Penalty(penaltyID, validatorID string) (types.PenaltyRecord, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	rec, ok := r.penalties[penaltyKey(penaltyID, validatorID)]
	return rec, ok
}

// PendingPenalties returns the stake penalties the ledger has not accepted.
func (r *Registry) PendingPenalties() []types.PenaltyRecord {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	var pending []types.PenaltyRecord
	for _, rec := range r.penalties {
		if !rec.StakeSubmitted {
			pending = append(pending, rec)
		}
	}
	return pending
}

// pendingStake sums unsubmitted stake penalties per validator. Caller holds
// r.mtx.
func (r *Registry) pendingStake() map[string]uint64 {
	pending := make(map[string]uint64)
	for _, rec := range r.penalties {
		if !rec.StakeSubmitted {
			pending[rec.ValidatorID] += rec.Amount
		}
	}
	return pending
}

// submit forwards one stake penalty to the ledger and marks it submitted.
func (r *Registry) submit(ctx context.Context, rec types.PenaltyRecord) bool {
	r.submitMtx.Lock()
	defer r.submitMtx.Unlock()

	if err := r.ledger.SubmitPenalty(ctx, rec.ValidatorID, rec.Amount, rec.PenaltyID); err != nil {
		r.metrics.Inc(metricPenaltySubmitFailed)
		r.logger.Error("ledger rejected penalty, will retry after next refresh", "penalty", rec, "err", err)
		return false
	}

	r.mtx.Lock()
	rec.StakeSubmitted = true
	r.penalties[penaltyKey(rec.PenaltyID, rec.ValidatorID)] = rec
	r.mtx.Unlock()

	r.savePenalty(rec)
	return true
}

func (r *Registry) submitPending(ctx context.Context) {
	for _, rec := range r.PendingPenalties() {
		if ctx.Err() != nil {
			return
		}
		r.submit(ctx, rec)
	}
}

//-----------------------------------------------------------------------------

func (r *Registry) save(vals ...*types.Validator) {
	if r.store == nil || len(vals) == 0 {
		return
	}
	if err := r.store.SaveValidators(vals); err != nil {
		r.logger.Error("failed to persist validators", "err", err)
	}
}

func (r *Registry) savePenalty(rec types.PenaltyRecord) {
	if r.store == nil {
		return
	}
	if err := r.store.SavePenalty(rec); err != nil {
		r.logger.Error("failed to persist penalty", "penalty", rec, "err", err)
	}
}

func (r *Registry) fire(event string, data events.EventData) {
	if r.evsw != nil {
		r.evsw.FireEvent(event, data)
	}
}

// Package dispute tracks formal challenges against topics and content
// hashes. Review happens outside the engine: a dispute is parked state that
// only moves when someone asks it to, through
//
//	Open -> UnderReview -> Resolved
//	Open -> Resolved        (immediate resolution only)
//	Open -> Withdrawn       (initiator only)
//
// Every change is a signed DisputeMessage. Local calls sign and gossip the
// message, messages from peers are applied the same way, so every node
// holds the same disputes under the same ids.
package dispute

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	tmsync "github.com/tendermint/tendermint/libs/sync"
	tmtime "github.com/tendermint/tendermint/types/time"

	"stakebft/config"
	"stakebft/libs/metric"
	"stakebft/types"
)

const (
	metricOpened    = "disputes_opened"
	metricReviewed  = "disputes_under_review"
	metricResolved  = "disputes_resolved"
	metricWithdrawn = "disputes_withdrawn"
	metricEscalated = "disputes_escalated"
	metricRefused   = "dispute_msgs_refused"

	failedQueueSize = 100

	subscriber = "dispute-arbiter"
)

// PenaltyApplier is the registry side of a resolution. It must be
// idempotent per penaltyID.
type PenaltyApplier interface {
	ApplyPenalty(ctx context.Context, penaltyID, validatorID string, amount uint64) (types.PenaltyRecord, error)
}

// ActiveSetSource returns the active set in force.
type ActiveSetSource interface {
	ActiveSet() *types.ActiveSet
}

// RoleChecker answers whether id holds role on the ledger.
type RoleChecker interface {
	HasRole(ctx context.Context, validatorID, role string) (bool, error)
}

// Arbiter owns every dispute.
type Arbiter struct {
	service.BaseService

	config  *config.EngineConfig
	chainID string

	privVal types.PrivValidator
	nodeID  string

	// guards disputes and locks; never held across ledger or evidence calls
	mtx      tmsync.Mutex
	disputes map[string]*types.Dispute
	locks    map[string]*disputeLock

	penalties PenaltyApplier
	activeSet ActiveSetSource
	roles     RoleChecker
	evidence  EvidenceResolver
	store     Store

	evsw      events.EventSwitch
	broadcast func(*types.DisputeMessage)

	failedQueue chan types.ConsensusTopic
	metrics     *metric.CounterItem
}

type ArbiterOption func(*Arbiter)

// WithPrivValidator lets the arbiter sign and gossip the changes it makes.
func WithPrivValidator(pv types.PrivValidator) ArbiterOption {
	return func(a *Arbiter) {
		a.privVal = pv
		if a.nodeID != "" {
			return
		}
		if pub, err := pv.GetPubKey(); err == nil {
			a.nodeID = types.ValidatorIDFromPubKey(pub)
		}
	}
}

func WithEvidenceResolver(er EvidenceResolver) ArbiterOption {
	return func(a *Arbiter) {
		a.evidence = er
	}
}

func WithStore(s Store) ArbiterOption {
	return func(a *Arbiter) {
		a.store = s
	}
}

// WithEventSwitch fires the dispute events on evsw and, with
// auto_dispute_on_failure, listens there for failed topics.
func WithEventSwitch(evsw events.EventSwitch) ArbiterOption {
	return func(a *Arbiter) {
		a.evsw = evsw
	}
}

// WithBroadcaster sets where signed local changes are gossiped.
func WithBroadcaster(fn func(*types.DisputeMessage)) ArbiterOption {
	return func(a *Arbiter) {
		a.broadcast = fn
	}
}

func WithMetrics(m *metric.CounterItem) ArbiterOption {
	return func(a *Arbiter) {
		a.metrics = m
	}
}

func NewArbiter(
	cfg *config.EngineConfig,
	chainID string,
	penalties PenaltyApplier,
	activeSet ActiveSetSource,
	roles RoleChecker,
	options ...ArbiterOption,
) *Arbiter {
	a := &Arbiter{
		config:      cfg,
		chainID:     chainID,
		nodeID:      cfg.NodeID,
		disputes:    make(map[string]*types.Dispute),
		locks:       make(map[string]*disputeLock),
		penalties:   penalties,
		activeSet:   activeSet,
		roles:       roles,
		failedQueue: make(chan types.ConsensusTopic, failedQueueSize),
		metrics:     metric.NewCounterItem(),
	}
	a.BaseService = *service.NewBaseService(nil, "Arbiter", a)

	for _, opt := range options {
		opt(a)
	}
	return a
}

func (a *Arbiter) SetLogger(logger log.Logger) {
	a.Logger = logger
}

func (a *Arbiter) Metrics() *metric.CounterItem {
	return a.metrics
}

// LoadFromStore restores the disputes saved by a previous run.
func (a *Arbiter) LoadFromStore() error {
	if a.store == nil {
		return nil
	}
	ds, err := a.store.LoadDisputes()
	if err != nil {
		return err
	}
	a.mtx.Lock()
	for _, d := range ds {
		a.disputes[d.ID.String()] = d
	}
	a.mtx.Unlock()
	a.Logger.Info("loaded disputes", "count", len(ds))
	return nil
}

func (a *Arbiter) OnStart() error {
	if a.config.AutoDisputeOnFailure && a.evsw != nil {
		if err := a.evsw.AddListenerForEvent(subscriber, types.EventTopicFailed, func(data events.EventData) {
			a.queueFailed(data.(types.EventDataTopic).Topic)
		}); err != nil {
			return err
		}
	}
	go a.routine()
	return nil
}

func (a *Arbiter) OnStop() {
	if a.evsw != nil {
		a.evsw.RemoveListener(subscriber)
	}
}

func (a *Arbiter) routine() {
	ticker := time.NewTicker(a.config.EscalationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.Quit():
			return
		case now := <-ticker.C:
			a.CheckEscalation(now)
		case topic := <-a.failedQueue:
			a.autoDispute(topic)
		}
	}
}

// queueFailed is called from inside the resolver and must not block it.
func (a *Arbiter) queueFailed(topic types.ConsensusTopic) {
	select {
	case a.failedQueue <- topic:
	default:
		a.Logger.Debug("failed topic queue is full; using a go-routine")
		go func() {
			select {
			case a.failedQueue <- topic:
			case <-a.Quit():
			}
		}()
	}
}

func (a *Arbiter) autoDispute(topic types.ConsensusTopic) {
	if a.nodeID == "" {
		a.Logger.Error("can't dispute a failed topic without a node id", "topic", topic.ID)
		return
	}
	for _, d := range a.Disputes(0) {
		if bytes.Equal(d.DisputedHash, topic.ID) && d.InitiatorID == a.nodeID && !d.Status.IsTerminal() {
			return
		}
	}
	reason := fmt.Sprintf("topic failed: %v against of %v eligible", topic.AgainstWeight, topic.TotalEligibleWeight)
	if _, err := a.InitiateDispute(context.Background(), topic.ID, a.nodeID, reason, nil); err != nil {
		a.Logger.Error("failed to dispute failed topic", "topic", topic.ID, "err", err)
	}
}

//-----------------------------------------------------------------------------
// local operations

// InitiateDispute opens a dispute against disputedHash. The initiator must
// be in the active set or hold the arbiter role.
func (a *Arbiter) InitiateDispute(
	ctx context.Context,
	disputedHash []byte,
	initiatorID, reason string,
	evidenceRefs []string,
) (*types.Dispute, error) {
	return a.local(ctx, &types.DisputeMessage{
		Action:       types.DisputeActionInitiate,
		SignerID:     initiatorID,
		DisputedHash: disputedHash,
		Reason:       reason,
		EvidenceRefs: evidenceRefs,
		Timestamp:    tmtime.Now(),
	})
}

// BeginReview moves an Open dispute under review on behalf of this node,
// which must hold the arbiter role and must not have initiated it.
func (a *Arbiter) BeginReview(ctx context.Context, id []byte) (*types.Dispute, error) {
	return a.local(ctx, &types.DisputeMessage{
		Action:    types.DisputeActionReview,
		SignerID:  a.nodeID,
		DisputeID: id,
		Timestamp: tmtime.Now(),
	})
}

// ResolveDispute closes a dispute for good on behalf of this node. The node
// must hold the arbiter role and be neither the initiator nor the penalized
// party. Resolving an already resolved dispute returns the stored
// resolution, whatever res says.
func (a *Arbiter) ResolveDispute(ctx context.Context, id []byte, res types.Resolution) (types.Resolution, error) {
	d, err := a.local(ctx, &types.DisputeMessage{
		Action:     types.DisputeActionResolve,
		SignerID:   a.nodeID,
		DisputeID:  id,
		Resolution: &res,
		Timestamp:  tmtime.Now(),
	})
	if err != nil {
		return types.Resolution{}, err
	}
	return *d.Resolution, nil
}

// Withdraw cancels a dispute that is still Open. Only the initiator can.
func (a *Arbiter) Withdraw(ctx context.Context, id []byte, initiatorID string) (*types.Dispute, error) {
	return a.local(ctx, &types.DisputeMessage{
		Action:    types.DisputeActionWithdraw,
		SignerID:  initiatorID,
		DisputeID: id,
		Timestamp: tmtime.Now(),
	})
}

func (a *Arbiter) local(ctx context.Context, msg *types.DisputeMessage) (*types.Dispute, error) {
	d, applied, err := a.apply(ctx, msg)
	if err != nil {
		return nil, err
	}
	if applied {
		a.gossip(msg)
	}
	return d, nil
}

// gossip signs and broadcasts msg when this node is its signer.
func (a *Arbiter) gossip(msg *types.DisputeMessage) {
	if a.broadcast == nil || a.privVal == nil {
		return
	}
	if msg.SignerID != a.nodeID {
		a.Logger.Info("dispute change signed by another party stays local", "action", msg.Action, "signer", msg.SignerID)
		return
	}
	if err := a.privVal.SignDispute(a.chainID, msg); err != nil {
		a.Logger.Error("failed to sign dispute message", "action", msg.Action, "err", err)
		return
	}
	a.broadcast(msg)
}

// HandleDisputeMessage applies a verified message from a peer. It reports
// whether anything changed.
func (a *Arbiter) HandleDisputeMessage(msg *types.DisputeMessage) (bool, error) {
	_, applied, err := a.apply(context.Background(), msg)
	if err != nil {
		a.metrics.Inc(metricRefused)
	}
	return applied, err
}

// SubmitDispute applies a change signed by another party, a client of the
// rpc server for one, and gossips it as is. The signature of msg must
// already be verified.
func (a *Arbiter) SubmitDispute(ctx context.Context, msg *types.DisputeMessage) (*types.Dispute, bool, error) {
	d, applied, err := a.apply(ctx, msg)
	if err != nil {
		a.metrics.Inc(metricRefused)
		return nil, false, err
	}
	if applied && a.broadcast != nil {
		a.broadcast(msg)
	}
	return d, applied, nil
}

//-----------------------------------------------------------------------------
// state machine

// disputeLock serializes the changes of one dispute. It lives in a.locks
// while anyone holds or waits for it.
type disputeLock struct {
	tmsync.Mutex
	refs int
}

// lock acquires the lock of dispute key and returns its release.
func (a *Arbiter) lock(key string) func() {
	a.mtx.Lock()
	l, ok := a.locks[key]
	if !ok {
		l = &disputeLock{}
		a.locks[key] = l
	}
	l.refs++
	a.mtx.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		a.mtx.Lock()
		l.refs--
		if l.refs == 0 {
			delete(a.locks, key)
		}
		a.mtx.Unlock()
	}
}

func (a *Arbiter) lookup(key string) (*types.Dispute, bool) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	d, ok := a.disputes[key]
	if !ok {
		return nil, false
	}
	return d.Copy(), true
}

// apply runs one transition while holding the lock of its dispute. Role
// checks, evidence lookups and penalties run without a.mtx, so they only
// ever hold up changes to that same dispute.
func (a *Arbiter) apply(ctx context.Context, msg *types.DisputeMessage) (*types.Dispute, bool, error) {
	if err := msg.ValidateBasic(); err != nil {
		return nil, false, err
	}

	if msg.Action == types.DisputeActionInitiate {
		id := types.DisputeID(msg.DisputedHash, msg.SignerID, msg.Reason, msg.Timestamp)
		defer a.lock(id.String())()
		return a.initiate(ctx, id, msg)
	}

	key := msg.DisputeID.String()
	defer a.lock(key)()
	d, ok := a.lookup(key)
	if !ok {
		return nil, false, fmt.Errorf("%w: %v", types.ErrUnknownDispute, msg.DisputeID)
	}

	switch msg.Action {
	case types.DisputeActionReview:
		return a.review(ctx, d, msg)
	case types.DisputeActionResolve:
		return a.resolve(ctx, d, msg)
	case types.DisputeActionWithdraw:
		return a.withdraw(d, msg)
	}
	return nil, false, fmt.Errorf("unknown dispute action %v", msg.Action)
}

func (a *Arbiter) initiate(ctx context.Context, id tmbytes.HexBytes, msg *types.DisputeMessage) (*types.Dispute, bool, error) {
	key := id.String()
	if d, ok := a.lookup(key); ok {
		return d, false, nil
	}
	if err := a.authorizeInitiator(ctx, msg.SignerID); err != nil {
		return nil, false, err
	}
	verified, err := checkEvidence(ctx, a.evidence, a.config.EvidenceTimeout, msg.EvidenceRefs)
	if err != nil {
		return nil, false, err
	}

	d := &types.Dispute{
		ID:               id,
		DisputedHash:     msg.DisputedHash,
		InitiatorID:      msg.SignerID,
		Reason:           msg.Reason,
		EvidenceRefs:     append([]string(nil), msg.EvidenceRefs...),
		EvidenceVerified: verified,
		Status:           types.DisputeOpen,
		OpenedAtEpoch:    a.activeSet.ActiveSet().Epoch,
		OpenedAt:         msg.Timestamp,
	}
	a.mtx.Lock()
	a.disputes[key] = d
	created := d.Copy()
	a.mtx.Unlock()

	a.commit(created, 0, types.EventDisputeOpened, metricOpened)
	return created, true, nil
}

func (a *Arbiter) review(ctx context.Context, d *types.Dispute, msg *types.DisputeMessage) (*types.Dispute, bool, error) {
	if d.Status != types.DisputeOpen {
		return nil, false, types.ErrTransition{DisputeID: d.ID.String(), From: d.Status, To: types.DisputeUnderReview}
	}
	if err := a.authorizeArbiter(ctx, d, msg.SignerID, ""); err != nil {
		return nil, false, err
	}
	updated, err := a.update(d, types.DisputeUnderReview, types.EventDisputeReviewStarted, metricReviewed, func(cur *types.Dispute) {
		cur.ReviewStartedAt = msg.Timestamp
	})
	if err != nil {
		return nil, false, err
	}
	return updated, true, nil
}

func (a *Arbiter) resolve(ctx context.Context, d *types.Dispute, msg *types.DisputeMessage) (*types.Dispute, bool, error) {
	switch d.Status {
	case types.DisputeResolved:
		return d, false, nil
	case types.DisputeUnderReview:
	case types.DisputeOpen:
		if !a.config.ImmediateResolution {
			return nil, false, types.ErrTransition{DisputeID: d.ID.String(), From: d.Status, To: types.DisputeResolved}
		}
	default:
		return nil, false, types.ErrTransition{DisputeID: d.ID.String(), From: d.Status, To: types.DisputeResolved}
	}

	res := *msg.Resolution
	if err := a.authorizeArbiter(ctx, d, msg.SignerID, res.PenalizedParty); err != nil {
		return nil, false, err
	}
	if res.HasPenalty() {
		pctx, cancel := context.WithTimeout(ctx, a.config.LedgerMaxElapsed)
		defer cancel()
		if _, err := a.penalties.ApplyPenalty(pctx, d.ID.String(), res.PenalizedParty, res.PenaltyAmount); err != nil {
			return nil, false, fmt.Errorf("resolve %v: %w", d.ID, err)
		}
	}

	updated, err := a.update(d, types.DisputeResolved, types.EventDisputeResolved, metricResolved, func(cur *types.Dispute) {
		cur.Resolution = &res
		cur.ClosedAt = msg.Timestamp
	})
	if err != nil {
		return nil, false, err
	}
	return updated, true, nil
}

func (a *Arbiter) withdraw(d *types.Dispute, msg *types.DisputeMessage) (*types.Dispute, bool, error) {
	if msg.SignerID != d.InitiatorID {
		return nil, false, fmt.Errorf("%w: only %s can withdraw %v", types.ErrNotAuthorized, d.InitiatorID, d.ID)
	}
	if d.Status != types.DisputeOpen {
		return nil, false, types.ErrTransition{DisputeID: d.ID.String(), From: d.Status, To: types.DisputeWithdrawn}
	}
	updated, err := a.update(d, types.DisputeWithdrawn, types.EventDisputeWithdrawn, metricWithdrawn, func(cur *types.Dispute) {
		cur.ClosedAt = msg.Timestamp
	})
	if err != nil {
		return nil, false, err
	}
	return updated, true, nil
}

// update moves the stored dispute from the status seen in d to status,
// applies fn to it and commits the result. It fails if the stored status
// moved in the meantime.
func (a *Arbiter) update(
	d *types.Dispute,
	status types.DisputeStatus,
	event, counter string,
	fn func(cur *types.Dispute),
) (*types.Dispute, error) {
	a.mtx.Lock()
	cur, ok := a.disputes[d.ID.String()]
	if !ok || cur.Status != d.Status {
		a.mtx.Unlock()
		from := d.Status
		if ok {
			from = cur.Status
		}
		return nil, types.ErrTransition{DisputeID: d.ID.String(), From: from, To: status}
	}
	cur.Status = status
	fn(cur)
	updated := cur.Copy()
	a.mtx.Unlock()

	a.commit(updated, d.Status, event, counter)
	return updated, nil
}

// authorizeInitiator accepts members of the active set and holders of the
// arbiter role.
func (a *Arbiter) authorizeInitiator(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: no signer", types.ErrNotAuthorized)
	}
	if a.activeSet.ActiveSet().Has(id) {
		return nil
	}
	return a.checkArbiterRole(ctx, id)
}

// authorizeArbiter accepts holders of the arbiter role who are neither the
// initiator of d nor the party a resolution penalizes.
func (a *Arbiter) authorizeArbiter(ctx context.Context, d *types.Dispute, id, penalized string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: no signer", types.ErrNotAuthorized)
	case id == d.InitiatorID:
		return fmt.Errorf("%w: %s initiated %v", types.ErrNotAuthorized, id, d.ID)
	case penalized != "" && id == penalized:
		return fmt.Errorf("%w: %s can't rule on a penalty against itself", types.ErrNotAuthorized, id)
	}
	return a.checkArbiterRole(ctx, id)
}

func (a *Arbiter) checkArbiterRole(ctx context.Context, id string) error {
	if a.roles == nil {
		return fmt.Errorf("%w: no role source to check %s", types.ErrNotAuthorized, id)
	}
	ctx, cancel := context.WithTimeout(ctx, a.config.LedgerTimeout)
	defer cancel()
	ok, err := a.roles.HasRole(ctx, id, a.config.ArbiterRole)
	if err != nil {
		return fmt.Errorf("%w: role check for %s: %w", types.ErrNotAuthorized, id, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s does not hold %q", types.ErrNotAuthorized, id, a.config.ArbiterRole)
	}
	return nil
}

// commit persists d and announces the change. Caller holds the lock of d
// but not a.mtx.
func (a *Arbiter) commit(d *types.Dispute, prior types.DisputeStatus, event, counter string) {
	if a.store != nil {
		if err := a.store.SaveDispute(d); err != nil {
			a.Logger.Error("failed to persist dispute", "dispute", d.ID, "err", err)
		}
	}
	a.metrics.Inc(counter)
	a.Logger.Info("dispute changed", "dispute", d.ID, "from", prior, "to", d.Status)
	if a.evsw != nil {
		a.evsw.FireEvent(event, types.EventDataDispute{Dispute: *d.Copy(), PriorStatus: prior})
	}
}

//-----------------------------------------------------------------------------
// ageing

// CheckEscalation flags disputes still pending after the configured max age.
// Each dispute escalates once; nothing is resolved automatically.
func (a *Arbiter) CheckEscalation(now time.Time) int {
	a.mtx.Lock()
	var due []string
	for key, d := range a.disputes {
		if a.overdue(d, now) {
			due = append(due, key)
		}
	}
	a.mtx.Unlock()

	escalated := 0
	for _, key := range due {
		if a.escalate(key, now) {
			escalated++
		}
	}
	return escalated
}

func (a *Arbiter) overdue(d *types.Dispute, now time.Time) bool {
	return !d.Status.IsTerminal() && d.EscalatedAt.IsZero() && now.Sub(d.OpenedAt) >= a.config.DisputeMaxAge
}

func (a *Arbiter) escalate(key string, now time.Time) bool {
	defer a.lock(key)()

	a.mtx.Lock()
	d, ok := a.disputes[key]
	if !ok || !a.overdue(d, now) {
		a.mtx.Unlock()
		return false
	}
	d.EscalatedAt = now
	escalated := d.Copy()
	a.mtx.Unlock()

	a.commit(escalated, escalated.Status, types.EventDisputeEscalated, metricEscalated)
	return true
}

//-----------------------------------------------------------------------------
// queries

// Dispute returns a copy of dispute id.
func (a *Arbiter) Dispute(id []byte) (*types.Dispute, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	d, ok := a.disputes[fmt.Sprintf("%X", id)]
	if !ok {
		return nil, fmt.Errorf("%w: %X", types.ErrUnknownDispute, id)
	}
	return d.Copy(), nil
}

// Disputes returns the disputes with status, all of them when status is
// zero, oldest first.
func (a *Arbiter) Disputes(status types.DisputeStatus) []*types.Dispute {
	a.mtx.Lock()
	out := make([]*types.Dispute, 0, len(a.disputes))
	for _, d := range a.disputes {
		if status == 0 || d.Status == status {
			out = append(out, d.Copy())
		}
	}
	a.mtx.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return bytes.Compare(out[i].ID, out[j].ID) < 0
	})
	return out
}

// Package audit keeps the append-only log of everything the engine decided.
//
// The Recorder listens for every engine event, persists it with the next
// sequence number and hands it to live subscribers. A subscriber that falls
// a full buffer behind is dropped; it reconnects and backfills with Events
// starting after the last sequence number it saw.
package audit

import (
	"errors"
	"fmt"
	"time"

	"github.com/tendermint/tendermint/libs/events"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	tmsync "github.com/tendermint/tendermint/libs/sync"
	tmtime "github.com/tendermint/tendermint/types/time"

	"stakebft/libs/metric"
	"stakebft/types"
)

const (
	metricRecorded    = "audit_recorded"
	metricFailed      = "audit_failed"
	metricSubscribers = "audit_subscribers_dropped"

	subscriber = "audit-recorder"
)

var (
	ErrAlreadySubscribed = errors.New("already subscribed")
	ErrNotRunning        = errors.New("audit recorder is not running")
)

// Store is where audit events are appended.
type Store interface {
	AppendAudit(name string, at time.Time, data []byte) (types.AuditEvent, error)
	LoadAudit(from uint64, limit int) ([]types.AuditEvent, error)
}

// Recorder appends the events fired on an event switch to a Store.
type Recorder struct {
	service.BaseService

	evsw  events.EventSwitch
	store Store

	mtx        tmsync.Mutex
	subs       map[string]chan types.AuditEvent
	bufferSize int

	metrics *metric.CounterItem
}

func NewRecorder(evsw events.EventSwitch, store Store, bufferSize int) *Recorder {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	r := &Recorder{
		evsw:       evsw,
		store:      store,
		subs:       make(map[string]chan types.AuditEvent),
		bufferSize: bufferSize,
		metrics:    metric.NewCounterItem(),
	}
	r.BaseService = *service.NewBaseService(nil, "AuditRecorder", r)
	return r
}

func (r *Recorder) SetLogger(logger log.Logger) {
	r.Logger = logger
}

func (r *Recorder) Metrics() *metric.CounterItem {
	return r.metrics
}

func (r *Recorder) OnStart() error {
	for _, name := range types.AllEvents() {
		name := name
		if err := r.evsw.AddListenerForEvent(subscriber, name, func(data events.EventData) {
			r.record(name, data)
		}); err != nil {
			r.evsw.RemoveListener(subscriber)
			return fmt.Errorf("listen for %s: %w", name, err)
		}
	}
	return nil
}

func (r *Recorder) OnStop() {
	r.evsw.RemoveListener(subscriber)

	r.mtx.Lock()
	defer r.mtx.Unlock()
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
}

// record runs inside whoever fired the event, so events of one topic or
// dispute are appended in the order they happened.
func (r *Recorder) record(name string, data events.EventData) {
	bz, err := tmjson.Marshal(data)
	if err != nil {
		r.metrics.Inc(metricFailed)
		r.Logger.Error("failed to encode audit event", "event", name, "err", err)
		return
	}
	ev, err := r.store.AppendAudit(name, tmtime.Now(), bz)
	if err != nil {
		r.metrics.Inc(metricFailed)
		r.Logger.Error("failed to append audit event", "event", name, "err", err)
		return
	}
	r.metrics.Inc(metricRecorded)
	r.Logger.Debug("audit", "seq", ev.Seq, "event", name)
	r.publish(ev)
}

func (r *Recorder) publish(ev types.AuditEvent) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for id, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			r.Logger.Info("audit subscriber too slow, dropping it", "subscriber", id, "seq", ev.Seq)
			r.metrics.Inc(metricSubscribers)
			close(ch)
			delete(r.subs, id)
		}
	}
}

// Subscribe returns a channel receiving every event recorded from now on.
// The channel is closed on Unsubscribe, on Stop, or when the subscriber
// falls behind.
func (r *Recorder) Subscribe(clientID string) (<-chan types.AuditEvent, error) {
	if !r.IsRunning() {
		return nil, ErrNotRunning
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if _, ok := r.subs[clientID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySubscribed, clientID)
	}
	ch := make(chan types.AuditEvent, r.bufferSize)
	r.subs[clientID] = ch
	return ch, nil
}

func (r *Recorder) Unsubscribe(clientID string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if ch, ok := r.subs[clientID]; ok {
		close(ch)
		delete(r.subs, clientID)
	}
}

// NumSubscribers returns the number of live subscribers.
func (r *Recorder) NumSubscribers() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.subs)
}

// Events returns up to limit recorded events starting at seq from.
func (r *Recorder) Events(from uint64, limit int) ([]types.AuditEvent, error) {
	return r.store.LoadAudit(from, limit)
}

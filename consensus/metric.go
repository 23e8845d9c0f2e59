package consensus

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmsync "github.com/tendermint/tendermint/libs/sync"

	"stakebft/libs/metric"
	"stakebft/types"
)

// counter names
const (
	metricVotesCast      = "votes_cast"
	metricVotesRejected  = "votes_rejected"
	metricVotesStale     = "votes_stale"
	metricTopicsOpened   = "topics_opened"
	metricTopicsReached  = "topics_reached"
	metricTopicsFailed   = "topics_failed"
	metricTopicsExpired  = "topics_expired"
	metricPeerVotes      = "peer_votes_received"
)

func topicMetricName(status types.TopicStatus) string {
	switch status {
	case types.TopicReached:
		return metricTopicsReached
	case types.TopicFailed:
		return metricTopicsFailed
	case types.TopicExpired:
		return metricTopicsExpired
	default:
		return metricTopicsOpened
	}
}

func newConsensusMetric() *consensusMetric {
	return &consensusMetric{
		Epoch:          -1,
		EpochStartTime: time.Time{},
		IsActive:       false,
		counters:       metric.NewCounterItem(),
	}
}

type consensusMetric struct {
	mtx tmsync.Mutex

	Epoch          int64     `json:"current_epoch"`
	EpochStartTime time.Time `json:"epoch_start_time"`

	ActiveSetSize int    `json:"active_set_size"`
	ActiveSetHash string `json:"active_set_hash"`
	OpenTopics    int    `json:"open_topics"`

	IsActive bool   `json:"is_active"`
	NodeID   string `json:"node_id"`

	counters *metric.CounterItem
}

var _ metric.MetricItem = (*consensusMetric)(nil)

func (cm *consensusMetric) JSONString() string {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	s, _ := jsoniter.MarshalToString(struct {
		Epoch          int64            `json:"current_epoch"`
		EpochStartTime time.Time        `json:"epoch_start_time"`
		ActiveSetSize  int              `json:"active_set_size"`
		ActiveSetHash  string           `json:"active_set_hash"`
		OpenTopics     int              `json:"open_topics"`
		IsActive       bool             `json:"is_active"`
		NodeID         string           `json:"node_id"`
		Counters       map[string]int64 `json:"counters"`
	}{
		cm.Epoch, cm.EpochStartTime, cm.ActiveSetSize, cm.ActiveSetHash,
		cm.OpenTopics, cm.IsActive, cm.NodeID, cm.counters.Snapshot(),
	})
	return s
}

func (cm *consensusMetric) MarkEpoch(epoch types.Epoch, start time.Time) {
	cm.mtx.Lock()
	cm.Epoch = epoch.Int64()
	cm.EpochStartTime = start
	cm.mtx.Unlock()
}

func (cm *consensusMetric) MarkActiveSet(set *types.ActiveSet, nodeID string) {
	cm.mtx.Lock()
	cm.ActiveSetSize = set.Size()
	cm.ActiveSetHash = tmbytes.HexBytes(set.Hash()).String()
	cm.NodeID = nodeID
	cm.IsActive = nodeID != "" && set.Has(nodeID)
	cm.mtx.Unlock()
}

func (cm *consensusMetric) MarkOpenTopics(delta int) {
	cm.mtx.Lock()
	cm.OpenTopics += delta
	cm.mtx.Unlock()
}

func (cm *consensusMetric) Inc(name string) {
	cm.counters.Inc(name)
}

func (cm *consensusMetric) Count(name string) int64 {
	return cm.counters.Count(name)
}

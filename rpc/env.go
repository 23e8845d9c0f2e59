package rpc

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/tendermint/tendermint/libs/log"

	"stakebft/audit"
	"stakebft/consensus"
	"stakebft/dispute"
	"stakebft/libs/metric"
	"stakebft/privval"
	"stakebft/state"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Environment holds everything the RPC handlers reach into. The node builds
// one and serves Routes(env).
type Environment struct {
	NodeID string

	Resolver *consensus.Resolver
	Arbiter  *dispute.Arbiter
	Registry *state.Registry
	Recorder *audit.Recorder
	Verifier privval.Verifier

	MetricSet *metric.MetricSet

	Logger log.Logger
}

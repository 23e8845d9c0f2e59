package rpc

import (
	stdjson "encoding/json"

	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"
)

type ResultMetrics struct {
	Metrics map[string]stdjson.RawMessage `json:"metrics"`
}

// JSONMetrics renders the metric item registered under label, or all of
// them when label is empty.
func (env *Environment) JSONMetrics(ctx *rpctypes.Context, label string) (*ResultMetrics, error) {
	result := &ResultMetrics{Metrics: make(map[string]stdjson.RawMessage)}

	if label != "" {
		if item := env.MetricSet.GetMetrics(label); item != nil {
			result.Metrics[label] = stdjson.RawMessage(item.JSONString())
		}
		return result, nil
	}
	for l, raw := range env.MetricSet.Render() {
		result.Metrics[l] = stdjson.RawMessage(raw)
	}
	return result, nil
}

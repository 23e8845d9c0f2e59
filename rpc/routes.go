package rpc

import rpc "github.com/tendermint/tendermint/rpc/jsonrpc/server"

// AuditStreamPath is where the websocket audit stream is served.
const AuditStreamPath = "/audit/stream"

func Routes(env *Environment) map[string]*rpc.RPCFunc {
	return map[string]*rpc.RPCFunc{
		// consensus
		"vote":        rpc.NewRPCFunc(env.Vote, "topic,decision"),
		"submit_vote": rpc.NewRPCFunc(env.SubmitVote, "vote"),
		"open_topic":  rpc.NewRPCFunc(env.OpenTopic, "topic"),
		"topic":       rpc.NewRPCFunc(env.Topic, "topic"),
		"topics":      rpc.NewRPCFunc(env.Topics, "status"),
		"votes":       rpc.NewRPCFunc(env.Votes, "topic"),

		// disputes
		"dispute_initiate": rpc.NewRPCFunc(env.InitiateDispute, "hash,reason,evidence"),
		"dispute_review":   rpc.NewRPCFunc(env.ReviewDispute, "id"),
		"dispute_resolve":  rpc.NewRPCFunc(env.ResolveDispute, "id,outcome,party,amount"),
		"dispute_withdraw": rpc.NewRPCFunc(env.WithdrawDispute, "id"),
		"submit_dispute":   rpc.NewRPCFunc(env.SubmitDispute, "msg"),
		"dispute":          rpc.NewRPCFunc(env.Dispute, "id"),
		"disputes":         rpc.NewRPCFunc(env.Disputes, "status"),

		// validators
		"validators":        rpc.NewRPCFunc(env.Validators, ""),
		"validator":         rpc.NewRPCFunc(env.Validator, "id"),
		"active_set":        rpc.NewRPCFunc(env.ActiveSet, ""),
		"pending_penalties": rpc.NewRPCFunc(env.PendingPenalties, ""),

		"audit":   rpc.NewRPCFunc(env.AuditEvents, "from,limit"),
		"metrics": rpc.NewRPCFunc(env.JSONMetrics, "label"),
	}
}

// AddRoutes copies extra into routes. Names already present are kept.
func AddRoutes(routes, extra map[string]*rpc.RPCFunc) map[string]*rpc.RPCFunc {
	for name, fn := range extra {
		if _, ok := routes[name]; !ok {
			routes[name] = fn
		}
	}
	return routes
}

package config

import (
	"bytes"
	"path/filepath"
	"text/template"

	tmcfg "github.com/tendermint/tendermint/config"
	tmos "github.com/tendermint/tendermint/libs/os"
)

var engineTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("engineFileTemplate")
	if engineTemplate, err = tmpl.Parse(defaultEngineTemplate); err != nil {
		panic(err)
	}
}

// EnsureRoot creates the root, config, and data directories if they don't
// exist, and writes default config.toml and engine.toml files if missing.
func EnsureRoot(rootDir string) {
	tmcfg.EnsureRoot(rootDir)

	engineFilePath := filepath.Join(rootDir, defaultConfigDir, defaultEngineFileName)
	if !tmos.FileExists(engineFilePath) {
		WriteEngineFile(engineFilePath, DefaultEngineConfig())
	}
}

// WriteEngineFile renders config using the template and writes it to
// engineFilePath.
func WriteEngineFile(engineFilePath string, config *EngineConfig) {
	var buffer bytes.Buffer

	if err := engineTemplate.Execute(&buffer, config); err != nil {
		panic(err)
	}

	tmos.MustWriteFile(engineFilePath, buffer.Bytes(), 0644)
}

// Note: any changes to the engine section must be reflected here.
const defaultEngineTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

#######################################################
###          Consensus Engine Configuration         ###
#######################################################
[engine]

# Registry id of this node. Empty means the hex address of the validator key.
node_id = "{{ .NodeID }}"

# Maximum number of validators selected into the active set each epoch
active_set_size = {{ .ActiveSetSize }}

# How long one epoch lasts
epoch_duration = "{{ .EpochDuration }}"

# Number of epochs after the opening epoch during which a topic accepts votes
voting_window_epochs = {{ .VotingWindowEpochs }}

# Fraction of the total eligible weight one side needs, must be in (0.5, 1]
quorum_threshold = {{ .QuorumThreshold }}

# Voting power coefficients, must sum to 1
stake_coefficient = {{ .StakeCoefficient }}
reputation_coefficient = {{ .ReputationCoefficient }}
uptime_coefficient = {{ .UptimeCoefficient }}

# Bounds applied to the score oracle multiplier
min_multiplier = {{ .MinMultiplier }}
max_multiplier = {{ .MaxMultiplier }}

# Reputation given to newly observed stakers
initial_reputation = {{ .InitialReputation }}

# Reputation added to voters that sided with a finalized outcome
participation_reward = {{ .ParticipationReward }}

# What an upheld dispute penalizes: "reputation", "stake" or "both"
penalty_target = "{{ .PenaltyTarget }}"

#######################################################
###              Dispute Configuration              ###
#######################################################

# Ledger role allowed to open and resolve disputes without being active
arbiter_role = "{{ .ArbiterRole }}"

# Allow Open -> Resolved without an explicit review step
immediate_resolution = {{ .ImmediateResolution }}

# Open a dispute automatically when a topic fails
auto_dispute_on_failure = {{ .AutoDisputeOnFailure }}

# Disputes not resolved after this long are escalated (once)
dispute_max_age = "{{ .DisputeMaxAge }}"
escalation_interval = "{{ .EscalationInterval }}"

# Timeout for evidence reference checks
evidence_timeout = "{{ .EvidenceTimeout }}"

#######################################################
###         Ledger and Oracle Configuration         ###
#######################################################

# "genesis" serves stakes from genesis.json, "rpc" queries a remote ledger
ledger_backend = "{{ .LedgerBackend }}"
ledger_rpc_address = "{{ .LedgerRPCAddress }}"

# Per call timeout and total retry budget for ledger calls
ledger_timeout = "{{ .LedgerTimeout }}"
ledger_max_elapsed = "{{ .LedgerMaxElapsed }}"

# Maximum number of concurrent stake lookups during a refresh
refresh_concurrency = {{ .RefreshConcurrency }}

oracle_timeout = "{{ .OracleTimeout }}"
oracle_cache_size = {{ .OracleCacheSize }}

# Buffered audit events per websocket subscriber
audit_stream_buffer = {{ .AuditStreamBuffer }}
`

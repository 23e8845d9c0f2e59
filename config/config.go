package config

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"time"

	tmcfg "github.com/tendermint/tendermint/config"
)

const (
	// DefaultDirName is the home directory name under $HOME.
	DefaultDirName = ".stakebft"

	defaultEngineFileName = "engine.toml"
	defaultConfigDir      = "config"

	PenaltyTargetReputation = "reputation"
	PenaltyTargetStake      = "stake"
	PenaltyTargetBoth       = "both"

	LedgerBackendGenesis = "genesis"
	LedgerBackendRPC     = "rpc"

	// BasisPoints is the denominator of the power coefficients.
	BasisPoints = 10000
)

// Config is the top level configuration of a node: tendermint's base, p2p
// and rpc sections plus the engine section.
type Config struct {
	*tmcfg.Config

	Engine *EngineConfig `mapstructure:"engine"`
}

func DefaultConfig() *Config {
	return &Config{
		Config: tmcfg.DefaultConfig(),
		Engine: DefaultEngineConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing.
func TestConfig() *Config {
	return &Config{
		Config: tmcfg.TestConfig(),
		Engine: TestEngineConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs.
func (cfg *Config) SetRoot(root string) *Config {
	cfg.Config.SetRoot(root)
	return cfg
}

// EngineFile is the path of the engine section file.
func (cfg *Config) EngineFile() string {
	return filepath.Join(cfg.RootDir, defaultConfigDir, defaultEngineFileName)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.Config.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Engine.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [engine] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------
// EngineConfig

// EngineConfig holds the governance inputs and operational knobs of the
// consensus engine.
type EngineConfig struct {
	// Registry id of this node. Empty means the hex address of the
	// validator key.
	NodeID string `mapstructure:"node_id"`

	ActiveSetSize      int           `mapstructure:"active_set_size"`
	EpochDuration      time.Duration `mapstructure:"epoch_duration"`
	VotingWindowEpochs int64         `mapstructure:"voting_window_epochs"`

	// Fraction of the eligible weight one side needs, in (0.5, 1].
	QuorumThreshold float64 `mapstructure:"quorum_threshold"`

	StakeCoefficient      float64 `mapstructure:"stake_coefficient"`
	ReputationCoefficient float64 `mapstructure:"reputation_coefficient"`
	UptimeCoefficient     float64 `mapstructure:"uptime_coefficient"`
	MinMultiplier         float64 `mapstructure:"min_multiplier"`
	MaxMultiplier         float64 `mapstructure:"max_multiplier"`

	InitialReputation   uint64 `mapstructure:"initial_reputation"`
	ParticipationReward uint64 `mapstructure:"participation_reward"`
	PenaltyTarget       string `mapstructure:"penalty_target"`

	ArbiterRole          string        `mapstructure:"arbiter_role"`
	ImmediateResolution  bool          `mapstructure:"immediate_resolution"`
	AutoDisputeOnFailure bool          `mapstructure:"auto_dispute_on_failure"`
	DisputeMaxAge        time.Duration `mapstructure:"dispute_max_age"`
	EscalationInterval   time.Duration `mapstructure:"escalation_interval"`
	EvidenceTimeout      time.Duration `mapstructure:"evidence_timeout"`

	LedgerBackend      string        `mapstructure:"ledger_backend"`
	LedgerRPCAddress   string        `mapstructure:"ledger_rpc_address"`
	LedgerTimeout      time.Duration `mapstructure:"ledger_timeout"`
	LedgerMaxElapsed   time.Duration `mapstructure:"ledger_max_elapsed"`
	RefreshConcurrency int           `mapstructure:"refresh_concurrency"`

	OracleTimeout   time.Duration `mapstructure:"oracle_timeout"`
	OracleCacheSize int           `mapstructure:"oracle_cache_size"`

	AuditStreamBuffer int `mapstructure:"audit_stream_buffer"`
}

func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		ActiveSetSize:         21,
		EpochDuration:         10 * time.Second,
		VotingWindowEpochs:    1,
		QuorumThreshold:       2.0 / 3.0,
		StakeCoefficient:      0.5,
		ReputationCoefficient: 0.3,
		UptimeCoefficient:     0.2,
		MinMultiplier:         0.5,
		MaxMultiplier:         1.5,
		InitialReputation:     50,
		ParticipationReward:   1,
		PenaltyTarget:         PenaltyTargetBoth,
		ArbiterRole:           "arbiter",
		DisputeMaxAge:         24 * time.Hour,
		EscalationInterval:    time.Minute,
		EvidenceTimeout:       2 * time.Second,
		LedgerBackend:         LedgerBackendGenesis,
		LedgerTimeout:         3 * time.Second,
		LedgerMaxElapsed:      10 * time.Second,
		RefreshConcurrency:    8,
		OracleTimeout:         time.Second,
		OracleCacheSize:       1024,
		AuditStreamBuffer:     64,
	}
}

func TestEngineConfig() *EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.ActiveSetSize = 4
	cfg.EpochDuration = 200 * time.Millisecond
	cfg.DisputeMaxAge = time.Second
	cfg.EscalationInterval = 50 * time.Millisecond
	cfg.EvidenceTimeout = 100 * time.Millisecond
	cfg.LedgerTimeout = 100 * time.Millisecond
	cfg.LedgerMaxElapsed = 300 * time.Millisecond
	cfg.OracleTimeout = 100 * time.Millisecond
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *EngineConfig) ValidateBasic() error {
	if cfg.ActiveSetSize <= 0 {
		return errors.New("active_set_size must be positive")
	}
	if cfg.EpochDuration <= 0 {
		return errors.New("epoch_duration must be positive")
	}
	if cfg.VotingWindowEpochs < 0 {
		return errors.New("voting_window_epochs can't be negative")
	}
	// checked after rounding, tallies only see the ppm value
	if ppm := cfg.QuorumPPM(); !(ppm > 500000 && cfg.QuorumThreshold <= 1) {
		return fmt.Errorf("quorum_threshold must be in (0.5, 1], got %v", cfg.QuorumThreshold)
	}
	for name, c := range map[string]float64{
		"stake_coefficient":      cfg.StakeCoefficient,
		"reputation_coefficient": cfg.ReputationCoefficient,
		"uptime_coefficient":     cfg.UptimeCoefficient,
	} {
		if math.IsNaN(c) || c < 0 || c > 1 {
			return fmt.Errorf("%s must be in [0, 1], got %v", name, c)
		}
	}
	cs, cr, cu := cfg.CoefficientsBps()
	if cs+cr+cu != BasisPoints {
		return fmt.Errorf("power coefficients must sum to 1, got %v",
			cfg.StakeCoefficient+cfg.ReputationCoefficient+cfg.UptimeCoefficient)
	}
	if !(cfg.MinMultiplier > 0 && cfg.MinMultiplier <= 1 && cfg.MaxMultiplier >= 1) {
		return fmt.Errorf("multiplier bounds must satisfy 0 < min <= 1 <= max, got [%v, %v]",
			cfg.MinMultiplier, cfg.MaxMultiplier)
	}
	if cfg.InitialReputation > 100 {
		return errors.New("initial_reputation can't be above 100")
	}
	switch cfg.PenaltyTarget {
	case PenaltyTargetReputation, PenaltyTargetStake, PenaltyTargetBoth:
	default:
		return fmt.Errorf("unknown penalty_target %q", cfg.PenaltyTarget)
	}
	if cfg.ArbiterRole == "" {
		return errors.New("arbiter_role can't be empty")
	}
	if cfg.DisputeMaxAge <= 0 || cfg.EscalationInterval <= 0 {
		return errors.New("dispute_max_age and escalation_interval must be positive")
	}
	switch cfg.LedgerBackend {
	case LedgerBackendGenesis:
	case LedgerBackendRPC:
		if cfg.LedgerRPCAddress == "" {
			return errors.New("ledger_rpc_address is required for the rpc ledger backend")
		}
	default:
		return fmt.Errorf("unknown ledger_backend %q", cfg.LedgerBackend)
	}
	if cfg.LedgerTimeout <= 0 || cfg.OracleTimeout <= 0 || cfg.EvidenceTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if cfg.RefreshConcurrency <= 0 {
		return errors.New("refresh_concurrency must be positive")
	}
	if cfg.OracleCacheSize <= 0 {
		return errors.New("oracle_cache_size must be positive")
	}
	if cfg.AuditStreamBuffer < 0 {
		return errors.New("audit_stream_buffer can't be negative")
	}
	return nil
}

// CoefficientsBps returns the stake, reputation and uptime coefficients in
// basis points.
func (cfg *EngineConfig) CoefficientsBps() (uint64, uint64, uint64) {
	return toBps(cfg.StakeCoefficient), toBps(cfg.ReputationCoefficient), toBps(cfg.UptimeCoefficient)
}

// QuorumPPM returns the quorum threshold in parts per million.
func (cfg *EngineConfig) QuorumPPM() uint64 {
	return uint64(math.Round(cfg.QuorumThreshold * 1e6))
}

func toBps(f float64) uint64 {
	if f <= 0 || math.IsNaN(f) {
		return 0
	}
	return uint64(math.Round(f * BasisPoints))
}

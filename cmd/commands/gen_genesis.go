package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"
	tmtime "github.com/tendermint/tendermint/types/time"

	"stakebft/privval"
	"stakebft/types"
)

var (
	chainID      string
	initialEpoch int64
	stakerArgs  []string
)

// GenGenesisCmd writes a genesis for a test network whose validators were
// created with gen-validator --secret.
var GenGenesisCmd = &cobra.Command{
	Use:     "gen-genesis",
	Aliases: []string{"gen_genesis"},
	Short:   "Generate a genesis file for a test network",
	PreRun:  deprecateSnakeCase,
	RunE:    genGenesisFile,
}

func init() {
	GenGenesisCmd.Flags().StringVar(&chainID, "chain-id", "test-chain", "chain id of the network")
	GenGenesisCmd.Flags().Int64Var(&initialEpoch, "initial-epoch", 1, "epoch the network starts at")
	GenGenesisCmd.Flags().StringArrayVar(&stakerArgs, "staker", nil,
		"secret:stake[:reputation[:role,role]] of one staker, repeatable")
	_ = GenGenesisCmd.MarkFlagRequired("staker")
}

func genGenesisFile(cmd *cobra.Command, args []string) error {
	genFile := config.GenesisFile()
	if tmos.FileExists(genFile) {
		logger.Info("Found genesis file", "path", genFile)
		return nil
	}

	stakers := make([]types.GenesisStaker, 0, len(stakerArgs))
	for _, arg := range stakerArgs {
		s, err := parseStaker(arg)
		if err != nil {
			return err
		}
		stakers = append(stakers, s)
	}

	genDoc := types.GenesisDoc{
		ChainID:      chainID,
		GenesisTime:  tmtime.Now(),
		InitialEpoch: types.Epoch(initialEpoch),
		Stakers:      stakers,
	}
	if err := genDoc.ValidateAndComplete(); err != nil {
		return err
	}
	if err := genDoc.SaveAs(genFile); err != nil {
		return err
	}
	logger.Info("Generated genesis file", "path", genFile, "stakers", len(stakers))
	return nil
}

// parseStaker derives the staker key from its secret the same way
// gen-validator --secret does.
func parseStaker(arg string) (types.GenesisStaker, error) {
	parts := strings.Split(arg, ":")
	if len(parts) < 2 || len(parts) > 4 || parts[0] == "" {
		return types.GenesisStaker{}, fmt.Errorf("bad staker %q, want secret:stake[:reputation[:roles]]", arg)
	}
	stake, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return types.GenesisStaker{}, fmt.Errorf("bad stake in %q: %w", arg, err)
	}

	pv := privval.GenFilePVFromSecret("", []byte(parts[0]))
	pubKey, err := pv.GetPubKey()
	if err != nil {
		return types.GenesisStaker{}, err
	}
	s := types.GenesisStaker{ID: pv.ID(), PubKey: pubKey, Stake: stake}

	if len(parts) > 2 && parts[2] != "" {
		if s.Reputation, err = strconv.ParseUint(parts[2], 10, 64); err != nil {
			return types.GenesisStaker{}, fmt.Errorf("bad reputation in %q: %w", arg, err)
		}
	}
	if len(parts) > 3 && parts[3] != "" {
		s.Roles = strings.Split(parts[3], ",")
	}
	return s, nil
}

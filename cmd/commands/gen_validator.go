package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"

	"stakebft/privval"
	"stakebft/types"
)

var secret string

// GenValidatorCmd generates the key pair the validator signs votes and
// dispute operations with.
var GenValidatorCmd = &cobra.Command{
	Use:     "gen-validator",
	Aliases: []string{"gen_validator"},
	Short:   "Generate new validator keypair",
	PreRun:  deprecateSnakeCase,
	RunE:    genValidator,
}

func init() {
	GenValidatorCmd.Flags().StringVar(&secret, "secret", "",
		"derive the key from this secret instead of generating a random one (test networks only)")
}

func genValidator(cmd *cobra.Command, args []string) error {
	privValKeyFile := config.PrivValidatorKeyFile()
	if tmos.FileExists(privValKeyFile) {
		logger.Info("Found private validator", "keyFile", privValKeyFile)
		return nil
	}

	var pv *privval.FilePV
	if secret != "" {
		pv = privval.GenFilePVFromSecret(privValKeyFile, []byte(secret))
	} else {
		pv = privval.GenFilePV(privValKeyFile)
	}
	pv.Save()

	jsbz, err := tmjson.Marshal(pv.Key.PubKey)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", pv.ID(), jsbz)
	return nil
}

// ShowValidatorCmd prints the validator's registry id and public key.
var ShowValidatorCmd = &cobra.Command{
	Use:     "show-validator",
	Aliases: []string{"show_validator"},
	Short:   "Show this node's validator info",
	RunE:    showValidator,
	PreRun:  deprecateSnakeCase,
}

func showValidator(cmd *cobra.Command, args []string) error {
	keyFilePath := config.PrivValidatorKeyFile()
	if !tmos.FileExists(keyFilePath) {
		return fmt.Errorf("private validator file %s does not exist", keyFilePath)
	}
	pv := privval.LoadFilePV(keyFilePath)

	pubKey, err := pv.GetPubKey()
	if err != nil {
		return fmt.Errorf("can't get pubkey: %w", err)
	}

	bz, err := tmjson.Marshal(types.GenesisStaker{ID: pv.ID(), PubKey: pubKey})
	if err != nil {
		return fmt.Errorf("failed to marshal private validator pubkey: %w", err)
	}

	fmt.Println(string(bz))
	return nil
}

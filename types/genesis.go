package types

import (
	"errors"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/tendermint/tendermint/crypto"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/tempfile"
	tmtime "github.com/tendermint/tendermint/types/time"
)

const (
	// MaxChainIDLen is a maximum length of the chain ID.
	MaxChainIDLen = 50

	// RoleArbiter is the default override role allowed to open and resolve
	// disputes without being in the active set.
	RoleArbiter = "arbiter"
)

// GenesisStaker is the initial ledger position of one staker.
type GenesisStaker struct {
	ID         string        `json:"id"`
	PubKey     crypto.PubKey `json:"pub_key"`
	Stake      uint64        `json:"stake"`
	Reputation uint64        `json:"reputation"`
	Roles      []string      `json:"roles,omitempty"`
}

// GenesisDoc defines the initial conditions of a stakebft network.
type GenesisDoc struct {
	GenesisTime  time.Time       `json:"genesis_time"`
	ChainID      string          `json:"chain_id"`
	InitialEpoch Epoch           `json:"initial_epoch"`
	Stakers      []GenesisStaker `json:"stakers"`
}

// SaveAs is a utility method for saving GenesisDoc as a JSON file.
func (genDoc *GenesisDoc) SaveAs(file string) error {
	genDocBytes, err := tmjson.MarshalIndent(genDoc, "", "  ")
	if err != nil {
		return err
	}
	return tempfile.WriteFileAtomic(file, genDocBytes, 0644)
}

// ValidateAndComplete checks that all necessary fields are present and
// fills in defaults for optional fields left empty.
func (genDoc *GenesisDoc) ValidateAndComplete() error {
	if genDoc.ChainID == "" {
		return errors.New("genesis doc must include non-empty chain_id")
	}
	if len(genDoc.ChainID) > MaxChainIDLen {
		return fmt.Errorf("chain_id in genesis doc is too long (max: %d)", MaxChainIDLen)
	}
	if genDoc.InitialEpoch < EpochZero {
		return fmt.Errorf("initial_epoch cannot be negative (got %v)", genDoc.InitialEpoch)
	}

	seen := make(map[string]struct{}, len(genDoc.Stakers))
	for i, s := range genDoc.Stakers {
		if s.ID == "" {
			return fmt.Errorf("staker %d has no id", i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate staker %s in genesis doc", s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.Reputation > MaxReputation {
			return fmt.Errorf("staker %s reputation %d above %d", s.ID, s.Reputation, MaxReputation)
		}
	}

	if genDoc.GenesisTime.IsZero() {
		genDoc.GenesisTime = tmtime.Now()
	}
	return nil
}

// Staker returns the genesis entry for id.
func (genDoc *GenesisDoc) Staker(id string) (GenesisStaker, bool) {
	for _, s := range genDoc.Stakers {
		if s.ID == id {
			return s, true
		}
	}
	return GenesisStaker{}, false
}

// GenesisDocFromJSON unmarshalls JSON data into a GenesisDoc.
func GenesisDocFromJSON(jsonBlob []byte) (*GenesisDoc, error) {
	genDoc := GenesisDoc{}
	if err := tmjson.Unmarshal(jsonBlob, &genDoc); err != nil {
		return nil, err
	}
	if err := genDoc.ValidateAndComplete(); err != nil {
		return nil, err
	}
	return &genDoc, nil
}

// GenesisDocFromFile reads JSON data from a file and unmarshalls it into a GenesisDoc.
func GenesisDocFromFile(genDocFile string) (*GenesisDoc, error) {
	jsonBlob, err := ioutil.ReadFile(genDocFile)
	if err != nil {
		return nil, fmt.Errorf("couldn't read GenesisDoc file: %w", err)
	}
	genDoc, err := GenesisDocFromJSON(jsonBlob)
	if err != nil {
		return nil, fmt.Errorf("error reading GenesisDoc at %s: %w", genDocFile, err)
	}
	return genDoc, nil
}

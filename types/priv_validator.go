package types

import (
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"
)

// PrivValidator signs the votes and dispute messages a node originates.
type PrivValidator interface {
	GetPubKey() (crypto.PubKey, error)

	SignVote(chainID string, vote *SignedVote) error
	SignDispute(chainID string, msg *DisputeMessage) error
}

//----------------------------------------
// MockPV

// MockPV implements PrivValidator without any safety or persistence.
// Only use it for testing.
type MockPV struct {
	PrivKey crypto.PrivKey
}

var _ PrivValidator = MockPV{}

func NewMockPV() MockPV {
	return MockPV{ed25519.GenPrivKey()}
}

// Implements PrivValidator.
func (pv MockPV) GetPubKey() (crypto.PubKey, error) {
	return pv.PrivKey.PubKey(), nil
}

// Implements PrivValidator.
func (pv MockPV) SignVote(chainID string, vote *SignedVote) error {
	sig, err := pv.PrivKey.Sign(VoteSignBytes(chainID, &vote.Vote))
	if err != nil {
		return err
	}
	vote.Signature = sig
	return nil
}

// Implements PrivValidator.
func (pv MockPV) SignDispute(chainID string, msg *DisputeMessage) error {
	sig, err := pv.PrivKey.Sign(DisputeSignBytes(chainID, msg))
	if err != nil {
		return err
	}
	msg.Signature = sig
	return nil
}

// ID returns the validator id derived from the key.
func (pv MockPV) ID() string {
	return ValidatorIDFromPubKey(pv.PrivKey.PubKey())
}

func (pv MockPV) String() string {
	return fmt.Sprintf("MockPV{%v}", pv.ID())
}

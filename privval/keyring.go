package privval

import (
	"fmt"

	"github.com/tendermint/tendermint/crypto"
	tmsync "github.com/tendermint/tendermint/libs/sync"

	"stakebft/types"
)

// Verifier checks that a message from a peer was signed by the validator it
// names.
type Verifier interface {
	VerifyVote(chainID string, vote *types.SignedVote) error
	VerifyDispute(chainID string, msg *types.DisputeMessage) error
}

// Keyring is a Verifier over the public keys of known validators, usually
// the stakers listed in the genesis file.
type Keyring struct {
	mtx  tmsync.RWMutex
	keys map[string]crypto.PubKey
}

var _ Verifier = (*Keyring)(nil)

func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]crypto.PubKey)}
}

// NewKeyringFromGenesis registers every genesis staker that has a key.
func NewKeyringFromGenesis(genDoc *types.GenesisDoc) *Keyring {
	kr := NewKeyring()
	for _, s := range genDoc.Stakers {
		if s.PubKey != nil {
			kr.Add(s.ID, s.PubKey)
		}
	}
	return kr
}

func (kr *Keyring) Add(id string, key crypto.PubKey) {
	kr.mtx.Lock()
	kr.keys[id] = key
	kr.mtx.Unlock()
}

func (kr *Keyring) PubKey(id string) (crypto.PubKey, bool) {
	kr.mtx.RLock()
	defer kr.mtx.RUnlock()
	key, ok := kr.keys[id]
	return key, ok
}

func (kr *Keyring) Size() int {
	kr.mtx.RLock()
	defer kr.mtx.RUnlock()
	return len(kr.keys)
}

func (kr *Keyring) VerifyVote(chainID string, vote *types.SignedVote) error {
	key, ok := kr.PubKey(vote.Vote.VoterID)
	if !ok {
		return fmt.Errorf("%w: no key for voter %s", types.ErrNotAuthorized, vote.Vote.VoterID)
	}
	if !key.VerifySignature(types.VoteSignBytes(chainID, &vote.Vote), vote.Signature) {
		return fmt.Errorf("%w: bad signature from %s", types.ErrInvalidVote, vote.Vote.VoterID)
	}
	return nil
}

func (kr *Keyring) VerifyDispute(chainID string, msg *types.DisputeMessage) error {
	key, ok := kr.PubKey(msg.SignerID)
	if !ok {
		return fmt.Errorf("%w: no key for signer %s", types.ErrNotAuthorized, msg.SignerID)
	}
	if !key.VerifySignature(types.DisputeSignBytes(chainID, msg), msg.Signature) {
		return fmt.Errorf("%w: bad dispute signature from %s", types.ErrNotAuthorized, msg.SignerID)
	}
	return nil
}

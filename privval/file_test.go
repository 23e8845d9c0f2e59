package privval

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stakebft/types"
)

const testChainID = "privval_test"

func TestSaveAndLoadFilePV(t *testing.T) {
	keyFilePath := filepath.Join(t.TempDir(), "priv_validator_key.json")
	filePV := GenFilePV(keyFilePath)
	filePV.Save()

	loaded := LoadFilePV(keyFilePath)
	assert.Equal(t, filePV.GetAddress(), loaded.GetAddress())
	assert.Equal(t, filePV.ID(), loaded.ID())

	again := LoadOrGenFilePV(keyFilePath)
	assert.Equal(t, filePV.ID(), again.ID())
}

func TestGenFilePVFromSecretIsDeterministic(t *testing.T) {
	a := GenFilePVFromSecret("", []byte("node-0"))
	b := GenFilePVFromSecret("", []byte("node-0"))
	c := GenFilePVFromSecret("", []byte("node-1"))
	assert.Equal(t, a.ID(), b.ID())
	assert.NotEqual(t, a.ID(), c.ID())
}

func TestSignAndVerifyVote(t *testing.T) {
	pv := GenFilePV("")
	pub, err := pv.GetPubKey()
	require.NoError(t, err)

	kr := NewKeyring()
	kr.Add(pv.ID(), pub)

	vote := &types.SignedVote{Vote: types.VoteRecord{
		TopicID:     types.TopicIDFromData([]byte("content")),
		VoterID:     pv.ID(),
		Decision:    types.DecisionFor,
		CastAtEpoch: 3,
		CastAt:      time.Now(),
	}}
	require.NoError(t, pv.SignVote(testChainID, vote))
	assert.NoError(t, kr.VerifyVote(testChainID, vote))

	// the weight is not signed: receivers overwrite it anyway
	vote.Vote.Weight = 42
	assert.NoError(t, kr.VerifyVote(testChainID, vote))

	vote.Vote.Decision = types.DecisionAgainst
	assert.ErrorIs(t, kr.VerifyVote(testChainID, vote), types.ErrInvalidVote)

	assert.ErrorIs(t, kr.VerifyVote("other-chain", vote), types.ErrInvalidVote)

	vote.Vote.VoterID = "stranger"
	assert.ErrorIs(t, kr.VerifyVote(testChainID, vote), types.ErrNotAuthorized)
}

func TestSignAndVerifyDispute(t *testing.T) {
	pv := GenFilePV("")
	pub, err := pv.GetPubKey()
	require.NoError(t, err)

	genDoc := &types.GenesisDoc{
		ChainID: testChainID,
		Stakers: []types.GenesisStaker{{ID: pv.ID(), PubKey: pub, Stake: 1}, {ID: "keyless", Stake: 1}},
	}
	kr := NewKeyringFromGenesis(genDoc)
	assert.Equal(t, 1, kr.Size())

	msg := &types.DisputeMessage{
		Action:       types.DisputeActionInitiate,
		SignerID:     pv.ID(),
		DisputedHash: types.TopicIDFromData([]byte("content")),
		Reason:       "forged",
		Timestamp:    time.Now(),
	}
	require.NoError(t, pv.SignDispute(testChainID, msg))
	assert.NoError(t, kr.VerifyDispute(testChainID, msg))

	msg.Reason = "changed"
	assert.ErrorIs(t, kr.VerifyDispute(testChainID, msg), types.ErrNotAuthorized)
}

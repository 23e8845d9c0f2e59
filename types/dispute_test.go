package types

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisputeIDDeterministic(t *testing.T) {
	at := time.Unix(1700000000, 42)
	id1 := DisputeID([]byte{0xaa}, "v1", "forged", at)
	id2 := DisputeID([]byte{0xaa}, "v1", "forged", at)
	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, DisputeID([]byte{0xaa}, "v2", "forged", at))
	assert.NotEqual(t, id1, DisputeID([]byte{0xaa}, "v1", "forged", at.Add(1)))
}

func TestDisputeCopyIsDeep(t *testing.T) {
	d := &Dispute{
		EvidenceRefs: []string{"ipfs://x"},
		Resolution:   &Resolution{Outcome: OutcomeUpheld, PenalizedParty: "v2", PenaltyAmount: 20},
	}
	c := d.Copy()
	c.EvidenceRefs[0] = "changed"
	c.Resolution.PenaltyAmount = 1

	assert.Equal(t, "ipfs://x", d.EvidenceRefs[0])
	assert.EqualValues(t, 20, d.Resolution.PenaltyAmount)
}

func TestResolutionValidateBasic(t *testing.T) {
	assert.NoError(t, Resolution{Outcome: OutcomeRejected}.ValidateBasic())
	assert.Error(t, Resolution{Outcome: 0}.ValidateBasic())
	assert.Error(t, Resolution{Outcome: OutcomeUpheld, PenaltyAmount: 5}.ValidateBasic())

	assert.True(t, Resolution{Outcome: OutcomeUpheld, PenalizedParty: "v", PenaltyAmount: 1}.HasPenalty())
	assert.False(t, Resolution{Outcome: OutcomeRejected, PenalizedParty: "v", PenaltyAmount: 1}.HasPenalty())
}

func TestErrTransitionUnwraps(t *testing.T) {
	err := error(ErrTransition{DisputeID: "ab", From: DisputeResolved, To: DisputeUnderReview})
	assert.True(t, errors.Is(err, ErrDisputeTransitionInvalid))
	assert.Contains(t, err.Error(), "Resolved")
}

func TestDisputeMessageValidateBasic(t *testing.T) {
	msg := &DisputeMessage{Action: DisputeActionInitiate, SignerID: "v1", DisputedHash: []byte{1}}
	require.NoError(t, msg.ValidateBasic())

	msg = &DisputeMessage{Action: DisputeActionResolve, SignerID: "v1", DisputeID: []byte{1}}
	assert.Error(t, msg.ValidateBasic())

	msg.Resolution = &Resolution{Outcome: OutcomeUpheld, PenalizedParty: "v2", PenaltyAmount: 3}
	assert.NoError(t, msg.ValidateBasic())

	signed := *msg
	signed.Signature = []byte{9, 9}
	assert.Equal(t, DisputeSignBytes("c", msg), DisputeSignBytes("c", &signed))
}

package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stakebft/privval"
	"stakebft/types"
)

func TestParseStaker(t *testing.T) {
	s, err := parseStaker("alpha:100")
	require.NoError(t, err)
	assert.Equal(t, privval.GenFilePVFromSecret("", []byte("alpha")).ID(), s.ID)
	assert.EqualValues(t, 100, s.Stake)
	assert.Zero(t, s.Reputation)
	assert.Empty(t, s.Roles)

	s, err = parseStaker("beta:50:80:arbiter,auditor")
	require.NoError(t, err)
	assert.EqualValues(t, 50, s.Stake)
	assert.EqualValues(t, 80, s.Reputation)
	assert.Equal(t, []string{types.RoleArbiter, "auditor"}, s.Roles)

	for _, bad := range []string{"", "alpha", ":100", "alpha:x", "alpha:1:x", "a:1:2:r:extra"} {
		_, err := parseStaker(bad)
		assert.Error(t, err, bad)
	}
}

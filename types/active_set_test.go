package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewActiveSet(t *testing.T) {
	set, err := NewActiveSet(3, []ActiveMember{
		{ID: "a", Weight: 900000},
		{ID: "b", Weight: 600000},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, set.Size())
	assert.EqualValues(t, 1500000, set.TotalWeight)
	assert.Equal(t, []string{"a", "b"}, set.IDs())
	assert.True(t, set.Has("b"))
	assert.False(t, set.Has("c"))

	idx, m, ok := set.GetByID("b")
	require.True(t, ok)
	assert.Equal(t, 1, idx)
	assert.EqualValues(t, 600000, m.Weight)

	_, err = NewActiveSet(3, []ActiveMember{{ID: "a", Weight: 1}, {ID: "a", Weight: 2}})
	assert.Error(t, err)

	_, err = NewActiveSet(3, []ActiveMember{{ID: "", Weight: 1}})
	assert.Error(t, err)
}

func TestActiveSetHashDependsOnOrderAndWeight(t *testing.T) {
	s1, err := NewActiveSet(1, []ActiveMember{{ID: "a", Weight: 2}, {ID: "b", Weight: 1}})
	require.NoError(t, err)
	s2, err := NewActiveSet(1, []ActiveMember{{ID: "a", Weight: 2}, {ID: "b", Weight: 1}})
	require.NoError(t, err)
	s3, err := NewActiveSet(1, []ActiveMember{{ID: "b", Weight: 1}, {ID: "a", Weight: 2}})
	require.NoError(t, err)
	s4, err := NewActiveSet(1, []ActiveMember{{ID: "a", Weight: 3}, {ID: "b", Weight: 1}})
	require.NoError(t, err)

	assert.Equal(t, s1.Hash(), s2.Hash())
	assert.NotEqual(t, s1.Hash(), s3.Hash())
	assert.NotEqual(t, s1.Hash(), s4.Hash())
}

func TestActiveSetWithoutIndex(t *testing.T) {
	// as decoded from JSON
	set := &ActiveSet{Members: []ActiveMember{{ID: "x", Weight: 5}}}
	assert.True(t, set.Has("x"))
	assert.False(t, set.Has("y"))

	var nilSet *ActiveSet
	assert.True(t, nilSet.IsNilOrEmpty())
	assert.False(t, nilSet.Has("x"))
	assert.True(t, EmptyActiveSet(0).IsNilOrEmpty())
}

func TestSumWeightsOverflow(t *testing.T) {
	_, err := SumWeights(Weight(^uint64(0)), 1)
	assert.Error(t, err)

	total, err := SumWeights(1, 2, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 6, total)
	assert.Equal(t, "0.000006", total.String())
	assert.Equal(t, "1.500000", Weight(1500000).String())
}

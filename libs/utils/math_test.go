package utils

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddUint64(t *testing.T) {
	sum, err := AddUint64(1, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, sum)

	_, err = AddUint64(math.MaxUint64, 1)
	assert.ErrorIs(t, err, ErrOverflow)

	sum, err = AddUint64(math.MaxUint64, 0)
	require.NoError(t, err)
	assert.EqualValues(t, uint64(math.MaxUint64), sum)
}

func TestSubUint64Floor(t *testing.T) {
	assert.EqualValues(t, 0, SubUint64Floor(15, 20))
	assert.EqualValues(t, 0, SubUint64Floor(20, 20))
	assert.EqualValues(t, 5, SubUint64Floor(20, 15))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.5, Clamp(0.1, 0.5, 1.5, 1))
	assert.Equal(t, 1.5, Clamp(9, 0.5, 1.5, 1))
	assert.Equal(t, 1.2, Clamp(1.2, 0.5, 1.5, 1))
	assert.Equal(t, 1.0, Clamp(math.NaN(), 0.5, 1.5, 1))
}

func TestMaxUint64(t *testing.T) {
	assert.EqualValues(t, 0, MaxUint64())
	assert.EqualValues(t, 100, MaxUint64(50, 100, 0))
}

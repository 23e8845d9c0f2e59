package types

import (
	"fmt"

	"stakebft/libs/utils"
)

// WeightScale is the number of Weight units that make up one whole unit of
// voting power. All power arithmetic is integer fixed point on this scale so
// that every node recomputing a weight reaches the same value.
const WeightScale = uint64(1000000)

// Weight is a non-negative fixed point voting power.
type Weight uint64

func (w Weight) Uint64() uint64 {
	return uint64(w)
}

// String renders the weight with six fractional digits.
func (w Weight) String() string {
	return fmt.Sprintf("%d.%06d", uint64(w)/WeightScale, uint64(w)%WeightScale)
}

// SumWeights adds weights and fails instead of wrapping around.
func SumWeights(weights ...Weight) (Weight, error) {
	var total uint64
	for _, w := range weights {
		next, err := utils.AddUint64(total, uint64(w))
		if err != nil {
			return 0, fmt.Errorf("total weight overflow: %w", err)
		}
		total = next
	}
	return Weight(total), nil
}

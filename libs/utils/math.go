package utils

import (
	"errors"
	"math"
)

var ErrOverflow = errors.New("uint64 overflow")

// AddUint64 returns a + b, or ErrOverflow if the sum does not fit.
func AddUint64(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// SubUint64Floor returns a - b, floored at zero.
func SubUint64Floor(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

func MinUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func MaxUint64(data ...uint64) uint64 {
	var res uint64
	for _, datum := range data {
		if datum > res {
			res = datum
		}
	}
	return res
}

// Clamp bounds v to [lo, hi]. NaN is mapped to def.
func Clamp(v, lo, hi, def float64) float64 {
	if math.IsNaN(v) {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

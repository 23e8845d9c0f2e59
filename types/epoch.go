package types

import "strconv"

// Epoch is a discrete rotation period during which one active validator set
// is authoritative.
type Epoch int64

const (
	EpochZero = Epoch(0)

	// NeverSelected marks a validator that has not been part of any active set.
	NeverSelected = Epoch(-1)
)

func (e Epoch) Update(delta int64) Epoch {
	return Epoch(int64(e) + delta)
}

func (e Epoch) Next() Epoch {
	return e.Update(1)
}

func (e Epoch) Int64() int64 {
	return int64(e)
}

func (e Epoch) Before(other Epoch) bool {
	return e < other
}

func (e Epoch) After(other Epoch) bool {
	return e > other
}

func (e Epoch) String() string {
	return strconv.FormatInt(int64(e), 10)
}

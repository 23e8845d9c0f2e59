package types

import (
	"bytes"
	"strings"

	"github.com/tendermint/tendermint/crypto"
)

type Address crypto.Address

func GetAddress(key crypto.PubKey) Address {
	return Address(key.Address())
}

func (addr Address) Equal(other Address) bool {
	if addr == nil || other == nil {
		return false
	}
	return bytes.Equal(crypto.Address(addr), crypto.Address(other))
}

// ValidatorID is the default registry id for a key: its lower-case hex
// address.
func (addr Address) ValidatorID() string {
	return strings.ToLower(crypto.Address(addr).String())
}

// ValidatorIDFromPubKey returns the default validator id for key.
func ValidatorIDFromPubKey(key crypto.PubKey) string {
	return GetAddress(key).ValidatorID()
}

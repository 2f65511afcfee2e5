// Package solanaaddr validates Solana account addresses.
package solanaaddr

import (
	"errors"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// ErrInvalidAddress is returned for strings that do not decode to a
// 32-byte Solana public key.
var ErrInvalidAddress = errors.New("invalid solana address")

// Decode base58-decodes an address and verifies it is 32 bytes.
func Decode(addr string) ([]byte, error) {
	raw, err := base58.Decode(addr)
	if err != nil {
		return nil, ErrInvalidAddress
	}
	if len(raw) != 32 {
		return nil, ErrInvalidAddress
	}
	return raw, nil
}

// Validate checks that addr is a plausible mint address. Mint keypairs are
// on the ed25519 curve; program derived addresses (pools, vaults, token
// accounts) are off it, so the curve check rejects the most common
// mis-pasted address kinds.
func Validate(addr string) error {
	raw, err := Decode(addr)
	if err != nil {
		return err
	}
	if !IsOnCurve(raw) {
		return ErrInvalidAddress
	}
	return nil
}

// IsOnCurve reports whether the 32-byte key lies on the ed25519 curve.
// Program derived addresses are off-curve; wallet and mint keypairs are on it.
func IsOnCurve(key []byte) bool {
	if len(key) != 32 {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(key)
	return err == nil
}

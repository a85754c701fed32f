// Package seedkey provides the GET_SEED -> UNLOCK key derivation capability
// that package ccp leaves pluggable, since the real algorithm is always
// OEM-specific. DefaultKeyFunc is explicitly a stand-in, not a real ECU
// unlock algorithm — callers protecting a real slave must supply their own
// ccp.KeyFunc.
package seedkey

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DefaultKeyFunc derives a 6-byte key from the seed via HKDF-SHA256 using
// secret as the key material. It is a deterministic, reproducible stand-in
// for protocol exercising and local testing only.
func DefaultKeyFunc(secret []byte) func(resource byte, seed []byte) ([]byte, error) {
	return func(resource byte, seed []byte) ([]byte, error) {
		if len(seed) == 0 {
			return nil, fmt.Errorf("seedkey: empty seed for resource 0x%02X", resource)
		}
		info := append([]byte{resource}, seed...)
		r := hkdf.New(sha256.New, secret, nil, info)
		key := make([]byte, 6)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("seedkey: derive key: %w", err)
		}
		return key, nil
	}
}

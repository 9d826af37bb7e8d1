package testutil

import "photobak/internal/encryption"

// NewTestEncryptor returns the deterministic test encryptor.
func NewTestEncryptor() *encryption.TestEncryptor {
	return encryption.NewTestEncryptor()
}

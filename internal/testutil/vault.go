package testutil

import "photobak/internal/vault"

// NewTestVault returns an unlimited in-memory vault.
func NewTestVault() *vault.MemoryVault {
	return vault.NewMemoryVault("test-vault", 0)
}

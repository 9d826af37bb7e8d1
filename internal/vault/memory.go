package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// MemoryVault is an in-memory implementation of the Vault interface.
// It stores all content and metadata in memory, making it useful for testing.
// A positive capacity limits the total content size.
// This implementation is safe for concurrent use.
type MemoryVault struct {
	name            string
	capacity        int64
	used            int64
	content         map[string][]byte // key -> content
	metadata        map[string][]byte // id -> snapshot
	metadataVersion map[string]int64  // id -> version
	puts            int
	mu              sync.RWMutex
}

// NewMemoryVault creates a new in-memory vault. capacity <= 0 is unlimited.
func NewMemoryVault(name string, capacity int64) *MemoryVault {
	return &MemoryVault{
		name:            name,
		capacity:        capacity,
		content:         make(map[string][]byte),
		metadata:        make(map[string][]byte),
		metadataVersion: make(map[string]int64),
	}
}

func (m *MemoryVault) Name() string { return m.name }

// PutContent stores content under key.
func (m *MemoryVault) PutContent(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := validateKey(key); err != nil {
		return err
	}
	data, err := io.ReadAll(&contextReader{ctx: ctx, r: r})
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}
	if int64(len(data)) != size {
		return sizeMismatch(size, int64(len(data)))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.content[key]; ok {
		return nil
	}
	if m.capacity > 0 && m.used+size > m.capacity {
		return quotaError("vault %s: %d of %d bytes used", m.name, m.used, m.capacity)
	}
	m.content[key] = data
	m.used += size
	m.puts++
	return nil
}

func (m *MemoryVault) HasContent(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.content[key]
	return ok, nil
}

// GetContent writes the content stored under key to w.
func (m *MemoryVault) GetContent(ctx context.Context, key string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.content[key]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("content not found: %s", key)
	}

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write content: %w", err)
	}
	return nil
}

// PutMetadata stores a snapshot for id.
func (m *MemoryVault) PutMetadata(ctx context.Context, id string, r io.Reader, size int64, version int64) error {
	data, err := io.ReadAll(&contextReader{ctx: ctx, r: r})
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}
	if int64(len(data)) != size {
		return sizeMismatch(size, int64(len(data)))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata[id] = data
	m.metadataVersion[id] = version
	return nil
}

func (m *MemoryVault) GetMetadataVersion(ctx context.Context, id string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadataVersion[id], nil
}

// Metadata returns the snapshot stored for id, or nil.
func (m *MemoryVault) Metadata(id string) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadata[id]
}

// Puts returns how many content objects were written.
func (m *MemoryVault) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

// ValidateSetup always succeeds for in-memory vault.
func (m *MemoryVault) ValidateSetup(context.Context) error {
	return nil
}

var _ Vault = (*MemoryVault)(nil)

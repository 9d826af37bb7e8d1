package vault

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"photobak/internal/backup"
)

func TestMemoryVault_PutAndGetContent(t *testing.T) {
	ctx := context.Background()
	v := NewMemoryVault("test-vault", 0)

	tests := []struct {
		name    string
		key     string
		content string
	}{
		{"store and retrieve content", "u/f/abc123", "hello world"},
		{"store empty content", "u/f/empty", ""},
		{"store large content", "u/f/large", strings.Repeat("x", 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := v.PutContent(ctx, tt.key, strings.NewReader(tt.content), int64(len(tt.content))); err != nil {
				t.Fatalf("PutContent() error = %v", err)
			}

			var buf bytes.Buffer
			if err := v.GetContent(ctx, tt.key, &buf); err != nil {
				t.Fatalf("GetContent() error = %v", err)
			}
			if got := buf.String(); got != tt.content {
				t.Errorf("GetContent() = %q, want %q", got, tt.content)
			}

			ok, err := v.HasContent(ctx, tt.key)
			if err != nil || !ok {
				t.Errorf("HasContent() = %v, %v; want true", ok, err)
			}
		})
	}
}

func TestMemoryVault_PutContent_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("size mismatch", func(t *testing.T) {
		v := NewMemoryVault("v", 0)
		if err := v.PutContent(ctx, "u/f/h", strings.NewReader("abc"), 10); err == nil {
			t.Error("PutContent() expected size mismatch error")
		}
	})

	t.Run("invalid key", func(t *testing.T) {
		v := NewMemoryVault("v", 0)
		for _, key := range []string{"", "/abs", "u/../h", "u//h"} {
			if err := v.PutContent(ctx, key, strings.NewReader(""), 0); !errors.Is(err, backup.ErrValidation) {
				t.Errorf("PutContent(%q) error = %v, want ErrValidation", key, err)
			}
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		v := NewMemoryVault("v", 0)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if err := v.PutContent(cctx, "u/f/h", strings.NewReader("abc"), 3); !errors.Is(err, context.Canceled) {
			t.Errorf("PutContent() error = %v, want context.Canceled", err)
		}
	})
}

func TestMemoryVault_Capacity(t *testing.T) {
	ctx := context.Background()
	v := NewMemoryVault("small", 10)

	if err := v.PutContent(ctx, "u/f/a", strings.NewReader("123456"), 6); err != nil {
		t.Fatalf("first PutContent() error = %v", err)
	}
	err := v.PutContent(ctx, "u/f/b", strings.NewReader("123456"), 6)
	if !errors.Is(err, backup.ErrStorageQuota) {
		t.Fatalf("PutContent() error = %v, want ErrStorageQuota", err)
	}
	if ok, _ := v.HasContent(ctx, "u/f/b"); ok {
		t.Error("rejected content was stored")
	}

	// Re-storing an existing key does not count against capacity.
	if err := v.PutContent(ctx, "u/f/a", strings.NewReader("123456"), 6); err != nil {
		t.Errorf("idempotent PutContent() error = %v", err)
	}
	if v.Puts() != 1 {
		t.Errorf("Puts() = %d, want 1", v.Puts())
	}
}

func TestMemoryVault_Metadata(t *testing.T) {
	ctx := context.Background()
	v := NewMemoryVault("v", 0)

	if got, err := v.GetMetadataVersion(ctx, "user-1"); err != nil || got != 0 {
		t.Fatalf("GetMetadataVersion() = %d, %v; want 0", got, err)
	}
	if err := v.PutMetadata(ctx, "user-1", strings.NewReader("snapshot"), 8, 42); err != nil {
		t.Fatalf("PutMetadata() error = %v", err)
	}
	if got, _ := v.GetMetadataVersion(ctx, "user-1"); got != 42 {
		t.Errorf("GetMetadataVersion() = %d, want 42", got)
	}
	if got := string(v.Metadata("user-1")); got != "snapshot" {
		t.Errorf("Metadata() = %q, want snapshot", got)
	}
}

func TestMemoryVault_GetContent_NotFound(t *testing.T) {
	v := NewMemoryVault("v", 0)
	var buf bytes.Buffer
	if err := v.GetContent(context.Background(), "u/f/missing", &buf); err == nil {
		t.Error("GetContent() expected error for missing key")
	}
}

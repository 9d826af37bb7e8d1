package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FileSystemVault stores content and metadata as files:
//
//	<root>/
//	  content/
//	    <user>/<folder>/<hash>  (encrypted content)
//	  metadata/
//	    <id>.db                 (ledger snapshot)
//	    <id>.version
type FileSystemVault struct {
	name        string
	root        string
	contentDir  string
	metadataDir string
}

// NewFileSystemVault creates a new filesystem vault rooted at the given path.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	contentDir := filepath.Join(root, "content")
	metadataDir := filepath.Join(root, "metadata")

	for _, dir := range []string{contentDir, metadataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create vault directory: %w", err)
		}
	}

	return &FileSystemVault{
		name:        name,
		root:        root,
		contentDir:  contentDir,
		metadataDir: metadataDir,
	}, nil
}

func (v *FileSystemVault) Name() string { return v.name }

func (v *FileSystemVault) contentPath(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(v.contentDir, filepath.FromSlash(key)), nil
}

// PutContent stores content under key. Existing content is left in place.
func (v *FileSystemVault) PutContent(ctx context.Context, key string, r io.Reader, size int64) error {
	destPath, err := v.contentPath(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(destPath); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return v.wrapWriteErr("creating content directory", err)
	}
	return v.writeFile(ctx, destPath, r, size)
}

func (v *FileSystemVault) HasContent(ctx context.Context, key string) (bool, error) {
	p, err := v.contentPath(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking content: %w", err)
	}
	return true, nil
}

// GetContent writes the content stored under key to w.
func (v *FileSystemVault) GetContent(ctx context.Context, key string, w io.Writer) error {
	p, err := v.contentPath(key)
	if err != nil {
		return err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("content not found: %s", key)
	}
	if err != nil {
		return fmt.Errorf("failed to open content: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, &contextReader{ctx: ctx, r: f}); err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}
	return nil
}

// PutMetadata stores a snapshot and its version marker.
func (v *FileSystemVault) PutMetadata(ctx context.Context, id string, r io.Reader, size int64, version int64) error {
	if err := validateKey(id); err != nil {
		return err
	}
	if strings.Contains(id, "/") {
		return fmt.Errorf("metadata id must not contain '/': %q", id)
	}
	if err := v.writeFile(ctx, filepath.Join(v.metadataDir, id+".db"), r, size); err != nil {
		return err
	}

	versionPath := filepath.Join(v.metadataDir, id+".version")
	if err := os.WriteFile(versionPath, []byte(strconv.FormatInt(version, 10)), 0644); err != nil {
		return v.wrapWriteErr("writing version file", err)
	}
	return nil
}

// GetMetadataVersion returns 0 if no version file exists.
func (v *FileSystemVault) GetMetadataVersion(ctx context.Context, id string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(v.metadataDir, id+".version"))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading version file: %w", err)
	}

	version, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

// ValidateSetup verifies that the vault directories are accessible.
func (v *FileSystemVault) ValidateSetup(context.Context) error {
	for _, dir := range []string{v.root, v.contentDir, v.metadataDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("vault directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("vault path is not a directory: %s", dir)
		}
	}
	return nil
}

// writeFile writes r to destPath through a temp file and a rename.
func (v *FileSystemVault) writeFile(ctx context.Context, destPath string, r io.Reader, expectedSize int64) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return v.wrapWriteErr("failed to create temp file", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, &contextReader{ctx: ctx, r: r})
	if err != nil {
		tmpFile.Close()
		return v.wrapWriteErr("failed to write data", err)
	}
	if err := tmpFile.Close(); err != nil {
		return v.wrapWriteErr("failed to close temp file", err)
	}
	if written != expectedSize {
		return sizeMismatch(expectedSize, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// wrapWriteErr maps a full disk to the storage quota error.
func (v *FileSystemVault) wrapWriteErr(msg string, err error) error {
	if isDiskFull(err) {
		return fmt.Errorf("%s: %w", msg, errors.Join(quotaError("vault %s is full", v.name), err))
	}
	return fmt.Errorf("%s: %w", msg, err)
}

var _ Vault = (*FileSystemVault)(nil)

// Package upload moves one ledger file to the vault: it opens the local
// file, encrypts it into a spool file while checking its hash, and stores
// the ciphertext under a content-addressed key.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"photobak/internal/backup"
	"photobak/internal/encryption"
	"photobak/internal/lister"
	"photobak/internal/vault"
)

// Pipeline implements backup.UploadPipeline.
type Pipeline struct {
	vault     vault.Vault
	encryptor encryption.Encryptor
	timeout   time.Duration
	spoolDir  string
	logger    backup.Logger
}

var _ backup.UploadPipeline = (*Pipeline)(nil)

// NewPipeline creates a pipeline. timeout bounds each Upload call; zero
// disables it. Spool files go to spoolDir, or the OS temp dir when empty.
func NewPipeline(v vault.Vault, enc encryption.Encryptor, timeout time.Duration, spoolDir string, logger backup.Logger) *Pipeline {
	if logger == nil {
		logger = backup.NewNopLogger()
	}
	return &Pipeline{
		vault:     v,
		encryptor: enc,
		timeout:   timeout,
		spoolDir:  spoolDir,
		logger:    logger,
	}
}

// Upload stores file at the destination. Content already present under
// the same key is not transferred again.
func (p *Pipeline) Upload(ctx context.Context, file *backup.LedgerFile, target backup.UploadTarget) (*backup.Uploaded, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	key := vault.ContentKey(target.UserID, target.FolderID, file.Hash)

	exists, err := p.vault.HasContent(ctx, key)
	if err != nil {
		return nil, classify(fmt.Errorf("checking destination: %w", err))
	}
	if exists {
		p.logger.Debug("content already at destination", "key", key, "uri", file.URI)
		return &backup.Uploaded{RemoteKey: key, Size: file.Size, Deduplicated: true}, nil
	}

	localPath, err := lister.PathForHandle(file.URI)
	if err != nil {
		return nil, backup.NewUploadError(backup.UploadPermanent, err)
	}

	spool, size, err := p.encryptToSpool(ctx, localPath, file.Hash)
	if err != nil {
		return nil, classify(err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	if err := p.vault.PutContent(ctx, key, spool, size); err != nil {
		return nil, classify(fmt.Errorf("storing %s: %w", key, err))
	}

	p.logger.Debug("uploaded", "key", key, "uri", file.URI, "bytes", size)
	return &backup.Uploaded{RemoteKey: key, Size: size}, nil
}

// encryptToSpool encrypts the file at localPath into a temp file, rewound
// for reading. The plaintext must still hash to wantHash.
func (p *Pipeline) encryptToSpool(ctx context.Context, localPath, wantHash string) (*os.File, int64, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return nil, 0, fmt.Errorf("opening local file: %w", err)
	}
	defer src.Close()

	spool, err := os.CreateTemp(p.spoolDir, "photobak-upload-*")
	if err != nil {
		return nil, 0, fmt.Errorf("creating spool file: %w", err)
	}
	discard := func() {
		spool.Close()
		os.Remove(spool.Name())
	}

	h := sha256.New()
	if err := p.encryptor.Encrypt(io.TeeReader(&contextReader{ctx: ctx, r: src}, h), spool); err != nil {
		discard()
		return nil, 0, fmt.Errorf("encrypting: %w", err)
	}

	if got := hex.EncodeToString(h.Sum(nil)); got != wantHash {
		discard()
		return nil, 0, backup.NewUploadError(backup.UploadMissing,
			fmt.Errorf("%s changed since discovery: hash %s, ledger has %s", localPath, got, wantHash))
	}

	size, err := spool.Seek(0, io.SeekCurrent)
	if err == nil {
		_, err = spool.Seek(0, io.SeekStart)
	}
	if err != nil {
		discard()
		return nil, 0, fmt.Errorf("rewinding spool file: %w", err)
	}
	return spool, size, nil
}

// classify wraps err in an *backup.UploadError unless it already is one.
func classify(err error) error {
	var ue *backup.UploadError
	if errors.As(err, &ue) {
		return err
	}
	return backup.NewUploadError(backup.ClassifyUploadError(err), err)
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(b []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(b)
}

// Package lister enumerates media buckets on the local filesystem. Each
// direct subdirectory of the media root is one bucket.
package lister

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"photobak/internal/backup"
)

// sniffLen is the number of bytes http.DetectContentType considers.
const sniffLen = 512

// OSLister is the filesystem implementation of backup.BucketLister.
type OSLister struct {
	root   string
	ignore *IgnoreMatcher
}

// NewOSLister creates a lister over root. ignore holds patterns applied to
// every bucket in addition to the defaults and each bucket's ignore file.
func NewOSLister(root string, ignore []string) *OSLister {
	patterns := append(slices.Clone(defaultIgnorePatterns), ignore...)
	return &OSLister{
		root:   root,
		ignore: NewIgnoreMatcher(patterns),
	}
}

// Root returns the media root directory.
func (l *OSLister) Root() string {
	return l.root
}

// BucketDir returns the directory backing bucketID.
func (l *OSLister) BucketDir(bucketID string) (string, error) {
	if err := ValidateBucketID(bucketID); err != nil {
		return "", err
	}
	return filepath.Join(l.root, bucketID), nil
}

// ValidateBucketID rejects ids that are not a single directory name.
func ValidateBucketID(bucketID string) error {
	if bucketID == "" || bucketID == "." || bucketID == ".." ||
		strings.ContainsAny(bucketID, `/\`) {
		return fmt.Errorf("%w: invalid bucket id %q", backup.ErrValidation, bucketID)
	}
	return nil
}

// Buckets returns the names of the directories under the media root.
func (l *OSLister) Buckets(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("reading media root: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// ListFiles returns the regular files of a bucket, sorted by name. When
// since is set only files changed after it are returned. Files that vanish
// while the bucket is read are skipped.
func (l *OSLister) ListFiles(ctx context.Context, bucketID string, since *time.Time) ([]backup.LocalFile, error) {
	dir, err := l.BucketDir(bucketID)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading bucket: %w", err)
	}

	extra, err := ParseIgnoreFile(filepath.Join(dir, IgnoreFileName))
	if err != nil {
		return nil, err
	}
	ignore := l.ignore.With(extra)

	var files []backup.LocalFile
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.Type().IsRegular() || ignore.Match(bucketID, entry.Name()) {
			continue
		}

		info, err := entry.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", entry.Name(), err)
		}
		if since != nil && !changeTime(info).After(*since) {
			continue
		}

		p := filepath.Join(dir, entry.Name())
		lf, err := describe(p, info)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		files = append(files, *lf)
	}
	return files, nil
}

// describe hashes and types the file at p.
func describe(p string, info fs.FileInfo) (*backup.LocalFile, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", p, err)
	}
	defer f.Close()

	hash, head, size, err := HashReader(f)
	if err != nil {
		return nil, fmt.Errorf("hashing %s: %w", p, err)
	}

	mtime := info.ModTime().UTC()
	return &backup.LocalFile{
		URI:          HandleForPath(p),
		Name:         info.Name(),
		MimeType:     DetectMimeType(info.Name(), head),
		Hash:         hash,
		Size:         size,
		CaptureTime:  mtime,
		LastModified: &mtime,
	}, nil
}

// HashReader returns the hex SHA-256 of r, its first bytes for content
// sniffing and its length.
func HashReader(r io.Reader) (hash string, head []byte, size int64, err error) {
	h := sha256.New()
	var buf bytes.Buffer
	size, err = io.Copy(io.MultiWriter(h, &limitedWriter{w: &buf, n: sniffLen}), r)
	if err != nil {
		return "", nil, 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), buf.Bytes(), size, nil
}

// DetectMimeType prefers the extension and falls back to sniffing head.
func DetectMimeType(name string, head []byte) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return t
	}
	return http.DetectContentType(head)
}

// limitedWriter keeps the first n bytes written and discards the rest.
type limitedWriter struct {
	w io.Writer
	n int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.n > 0 {
		k := min(len(p), lw.n)
		if _, err := lw.w.Write(p[:k]); err != nil {
			return 0, err
		}
		lw.n -= k
	}
	return len(p), nil
}

var _ backup.BucketLister = (*OSLister)(nil)

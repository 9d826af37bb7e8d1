package encryption

import (
	"bytes"
	"fmt"
	"io"
	"sync/atomic"
)

// testMagic marks content written by TestEncryptor.
var testMagic = []byte("PBTEST\x00\x01")

// TestEncryptor frames content with a fixed header and XORs the body with
// a constant, so ciphertext differs from plaintext without any key
// material. It is deterministic and safe for concurrent use.
type TestEncryptor struct {
	calls atomic.Int64
}

var _ Encryptor = (*TestEncryptor)(nil)

func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(string) error { return nil }

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	e.calls.Add(1)
	if _, err := w.Write(testMagic); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	if _, err := io.Copy(w, &xorReader{r: r}); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

// Calls returns how many times Encrypt ran.
func (e *TestEncryptor) Calls() int64 { return e.calls.Load() }

func (e *TestEncryptor) Unlock(string) (Decrypter, error) {
	return testDecrypter{}, nil
}

func (e *TestEncryptor) IsConfigured() bool { return true }

type testDecrypter struct{}

func (testDecrypter) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(testMagic))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testMagic) {
		return fmt.Errorf("invalid test encryption header")
	}
	if _, err := io.Copy(w, &xorReader{r: r}); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

type xorReader struct {
	r io.Reader
}

func (x *xorReader) Read(p []byte) (int, error) {
	n, err := x.r.Read(p)
	for i := range p[:n] {
		p[i] ^= 0x5a
	}
	return n, err
}

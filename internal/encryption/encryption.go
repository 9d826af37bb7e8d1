// Package encryption encrypts file content before it leaves the device.
package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// ErrKeysExist is returned by Setup when a key pair is already present.
var ErrKeysExist = errors.New("encryption keys already exist")

// Encryptor encrypts content with a public key. Decrypting needs the
// passphrase that protects the private key.
type Encryptor interface {
	// Setup generates the key pair. The private key is stored encrypted
	// with passphrase.
	Setup(passphrase string) error

	// Encrypt reads plaintext from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key and returns a Decrypter for it.
	Unlock(passphrase string) (Decrypter, error)

	// IsConfigured reports whether both key files exist.
	IsConfigured() bool
}

// Decrypter holds an unlocked private key in memory.
type Decrypter interface {
	Decrypt(r io.Reader, w io.Writer) error
}

// Check unlocks the private key and verifies that it decrypts what the
// public key encrypts.
func Check(e Encryptor, passphrase string) error {
	d, err := e.Unlock(passphrase)
	if err != nil {
		return err
	}

	probe := []byte("photobak key check")
	var sealed, opened bytes.Buffer
	if err := e.Encrypt(bytes.NewReader(probe), &sealed); err != nil {
		return err
	}
	if err := d.Decrypt(&sealed, &opened); err != nil || !bytes.Equal(opened.Bytes(), probe) {
		return fmt.Errorf("public and private keys do not match: %v", err)
	}
	return nil
}

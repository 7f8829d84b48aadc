package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrEncryptionUnavailable means the cipher could not be set up.
	ErrEncryptionUnavailable = errors.New("encryption not available")
	// ErrDecryptionUnavailable means the cipher could not be set up.
	ErrDecryptionUnavailable = errors.New("decryption not available")
	// ErrDecryptionFailed means the ciphertext is corrupt or was sealed with
	// another key.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Cipher seals secrets at rest.
type Cipher interface {
	Available() bool
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(sealed []byte) ([]byte, error)
}

// KeyfileCipher is XChaCha20-Poly1305 under a 32-byte master key kept in a
// 0600 file. Availability is decided once, when the cipher is built.
type KeyfileCipher struct {
	aead   cipher.AEAD
	reason error
}

// NewKeyfileCipher loads the master key at keyPath, creating it when the file
// does not exist. A failure leaves the cipher unavailable rather than
// returning an error, so the host can still start.
func NewKeyfileCipher(keyPath string, disabled bool, logger *zap.Logger) *KeyfileCipher {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &KeyfileCipher{}

	if disabled {
		c.reason = errors.New("encryption disabled by configuration")
		logger.Warn("Encryption is not available", zap.Error(c.reason))
		return c
	}

	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		c.reason = err
		logger.Warn("Encryption is not available", zap.String("key_file", keyPath), zap.Error(err))
		return c
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		c.reason = err
		logger.Warn("Encryption is not available", zap.Error(err))
		return c
	}
	c.aead = aead
	logger.Info("Encryption is available and can be used")
	return c
}

func loadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("corrupt key file %s: %d bytes", path, len(key))
		}
		return key, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := writeAtomic(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}

// Available reports whether Encrypt and Decrypt can be used.
func (c *KeyfileCipher) Available() bool {
	return c.aead != nil
}

// Reason explains why the cipher is unavailable, or returns nil.
func (c *KeyfileCipher) Reason() error {
	return c.reason
}

// Encrypt seals plain with a fresh random nonce prepended.
func (c *KeyfileCipher) Encrypt(plain []byte) ([]byte, error) {
	if c.aead == nil {
		return nil, ErrEncryptionUnavailable
	}
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plain, nil), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *KeyfileCipher) Decrypt(sealed []byte) ([]byte, error) {
	if c.aead == nil {
		return nil, ErrDecryptionUnavailable
	}
	if len(sealed) < c.aead.NonceSize()+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce, body := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plain, nil
}

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// NonceSize is the nonce ("iv" on the wire) length for every suite.
	NonceSize = 12
	// TagSize is the authentication tag appended to each ciphertext.
	TagSize = 16
)

var (
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
	ErrDecryptionFailed   = errors.New("crypto: decryption failed")
	ErrInvalidKeySize     = errors.New("crypto: invalid key size")
	ErrUnknownSuite       = errors.New("crypto: unknown cipher suite")
)

// Suite selects the AEAD used by a SecureChannel.
type Suite uint8

const (
	SuiteAES256GCM        Suite = 1
	SuiteChaCha20Poly1305 Suite = 2
)

func (s Suite) String() string {
	switch s {
	case SuiteAES256GCM:
		return "aes-256-gcm"
	case SuiteChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return "unknown"
	}
}

// ParseSuite maps a config name to a Suite. Empty selects AES-256-GCM.
func ParseSuite(name string) (Suite, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "aes-256-gcm", "aes-gcm":
		return SuiteAES256GCM, nil
	case "chacha20-poly1305", "chacha20poly1305":
		return SuiteChaCha20Poly1305, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownSuite, name)
	}
}

// AEAD wraps a 256-bit AEAD cipher with random nonce generation.
// Nonces are drawn from crypto/rand on every Seal, so no counter state has to
// survive between messages.
type AEAD struct {
	suite Suite
	aead  cipher.AEAD
}

// NewAEAD creates a new AEAD cipher from a 32-byte key.
func NewAEAD(suite Suite, key []byte) (*AEAD, error) {
	if len(key) != SessionKeySize {
		return nil, ErrInvalidKeySize
	}

	var (
		aead cipher.AEAD
		err  error
	)
	switch suite {
	case SuiteAES256GCM:
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		aead, err = cipher.NewGCM(block)
	case SuiteChaCha20Poly1305:
		aead, err = chacha20poly1305.New(key)
	default:
		return nil, ErrUnknownSuite
	}
	if err != nil {
		return nil, err
	}
	return &AEAD{suite: suite, aead: aead}, nil
}

// Seal encrypts and authenticates plaintext under a fresh random nonce.
// Returns: ciphertext || tag (16 bytes), nonce (12 bytes)
func (a *AEAD) Seal(plaintext, additionalData []byte) ([]byte, []byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	return a.aead.Seal(nil, nonce, plaintext, additionalData), nonce, nil
}

// Open decrypts and verifies ciphertext.
func (a *AEAD) Open(ciphertext, nonce, additionalData []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrDecryptionFailed
	}
	if len(ciphertext) < a.aead.Overhead() {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, ErrCiphertextTooShort)
	}
	plaintext, err := a.aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Suite returns the cipher suite.
func (a *AEAD) Suite() Suite { return a.suite }

// Overhead returns the authentication tag overhead.
func (a *AEAD) Overhead() int { return a.aead.Overhead() }

// NonceSize returns the nonce size.
func (a *AEAD) NonceSize() int { return NonceSize }

package crypto

import (
	"crypto/ecdh"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrChannelDestroyed = errors.New("crypto: secure channel destroyed")
)

// SecureChannel binds a connection to its session key. It holds no per-message
// state: every Encrypt draws a new nonce and every Decrypt is independent.
type SecureChannel struct {
	mu   sync.RWMutex
	id   string
	key  []byte
	aead *AEAD
}

// NewSecureChannel creates a channel for the connection id. The key is copied;
// callers may wipe their own copy afterwards.
func NewSecureChannel(id string, key []byte, suite Suite) (*SecureChannel, error) {
	k := make([]byte, len(key))
	copy(k, key)
	aead, err := NewAEAD(suite, k)
	if err != nil {
		Wipe(k)
		return nil, err
	}
	return &SecureChannel{id: id, key: k, aead: aead}, nil
}

// Establish completes a key exchange: it runs ECDH between local and peer,
// derives the session key and returns the bound channel. Intermediate secrets
// are wiped before returning.
func Establish(id string, local *KeyPair, peer *ecdh.PublicKey, suite Suite) (*SecureChannel, error) {
	shared, err := local.ComputeSharedSecret(peer)
	if err != nil {
		return nil, err
	}
	defer Wipe(shared)

	key, err := DeriveSessionKey(shared)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)

	return NewSecureChannel(id, key, suite)
}

// ID returns the connection id the channel is bound to.
func (sc *SecureChannel) ID() string { return sc.id }

// Suite returns the channel's cipher suite.
func (sc *SecureChannel) Suite() Suite { return sc.aead.Suite() }

// Encrypt seals plaintext and returns the ciphertext (with tag) and its nonce.
func (sc *SecureChannel) Encrypt(plaintext []byte) ([]byte, []byte, error) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	if sc.key == nil {
		return nil, nil, ErrChannelDestroyed
	}
	return sc.aead.Seal(plaintext, nil)
}

// Decrypt opens a ciphertext. Any failure, including a destroyed channel,
// is reported as ErrDecryptionFailed.
func (sc *SecureChannel) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	if sc.key == nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, ErrChannelDestroyed)
	}
	return sc.aead.Open(ciphertext, nonce, nil)
}

// EncryptBase64 is Encrypt with both outputs in standard base64.
func (sc *SecureChannel) EncryptBase64(plaintext []byte) (content, iv string, err error) {
	ct, nonce, err := sc.Encrypt(plaintext)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(ct), base64.StdEncoding.EncodeToString(nonce), nil
}

// DecryptBase64 decodes content and iv and decrypts. Malformed base64 is a
// decryption failure.
func (sc *SecureChannel) DecryptBase64(content, iv string) ([]byte, error) {
	ct, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("%w: content: %v", ErrDecryptionFailed, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrDecryptionFailed, err)
	}
	return sc.Decrypt(ct, nonce)
}

// Destroy wipes the session key. The channel is unusable afterwards.
func (sc *SecureChannel) Destroy() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.key != nil {
		Wipe(sc.key)
		sc.key = nil
	}
}

// Destroyed reports whether Destroy has been called.
func (sc *SecureChannel) Destroyed() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.key == nil
}

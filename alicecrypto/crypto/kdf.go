package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// SessionKeySize is the size of the symmetric key bound to a channel.
	SessionKeySize = 32
)

// SessionKeyInfo is the HKDF context string shared with browser clients.
var SessionKeyInfo = []byte("handshake data")

// DeriveKey derives a key of the specified length using HKDF-SHA256.
// salt can be nil (uses zero salt), info provides context binding.
func DeriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	hk := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, length)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveSessionKey turns an ECDH shared secret into the 32-byte session key.
// Salt is empty and info is SessionKeyInfo so both sides agree without
// exchanging anything beyond the public keys.
func DeriveSessionKey(sharedSecret []byte) ([]byte, error) {
	return DeriveKey(sharedSecret, nil, SessionKeyInfo, SessionKeySize)
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	clear(b)
}

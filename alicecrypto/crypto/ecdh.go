package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	ErrInvalidPeerKey = errors.New("crypto: invalid peer public key")
)

// KeyPair is an ephemeral ECDH P-256 keypair, generated once per handshake.
type KeyPair struct {
	priv *ecdh.PrivateKey
}

// GenerateKeyPair generates a new ephemeral P-256 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{priv: priv}, nil
}

// PublicKey returns the public half of the keypair.
func (kp *KeyPair) PublicKey() *ecdh.PublicKey { return kp.priv.PublicKey() }

// PublicKeyDER encodes the public key as SubjectPublicKeyInfo DER, the form
// browsers import with importKey("spki").
func (kp *KeyPair) PublicKeyDER() ([]byte, error) {
	return x509.MarshalPKIXPublicKey(kp.priv.PublicKey())
}

// PublicKeyBase64 returns PublicKeyDER in standard padded base64.
func (kp *KeyPair) PublicKeyBase64() (string, error) {
	der, err := kp.PublicKeyDER()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ComputeSharedSecret runs ECDH against the peer key.
// Returns 32 bytes of raw shared secret (should be passed to DeriveSessionKey).
func (kp *KeyPair) ComputeSharedSecret(peer *ecdh.PublicKey) ([]byte, error) {
	if peer == nil {
		return nil, ErrInvalidPeerKey
	}
	shared, err := kp.priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}
	return shared, nil
}

// ParsePublicKey decodes a peer P-256 public key. Both SPKI DER and the raw
// 65-byte uncompressed point are accepted. Points off the curve, the identity
// and keys on other curves are rejected with ErrInvalidPeerKey.
func ParsePublicKey(b []byte) (*ecdh.PublicKey, error) {
	if len(b) == 0 {
		return nil, ErrInvalidPeerKey
	}

	if pub, err := x509.ParsePKIXPublicKey(b); err == nil {
		switch k := pub.(type) {
		case *ecdsa.PublicKey:
			if k.Curve != elliptic.P256() {
				return nil, fmt.Errorf("%w: curve %s", ErrInvalidPeerKey, k.Curve.Params().Name)
			}
			ek, err := k.ECDH()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
			}
			return ek, nil
		case *ecdh.PublicKey:
			if k.Curve() != ecdh.P256() {
				return nil, ErrInvalidPeerKey
			}
			return k, nil
		default:
			return nil, fmt.Errorf("%w: unsupported key type %T", ErrInvalidPeerKey, pub)
		}
	}

	pub, err := ecdh.P256().NewPublicKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}
	return pub, nil
}

// ParsePublicKeyBase64 is ParsePublicKey over standard base64 input.
func ParsePublicKeyBase64(s string) (*ecdh.PublicKey, error) {
	if s == "" {
		return nil, ErrInvalidPeerKey
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}
	return ParsePublicKey(b)
}

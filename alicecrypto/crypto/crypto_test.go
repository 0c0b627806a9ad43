package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"testing"
)

func TestECDHAgreement(t *testing.T) {
	alice, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	server, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	sharedAlice, err := alice.ComputeSharedSecret(server.PublicKey())
	if err != nil {
		t.Fatalf("ComputeSharedSecret alice: %v", err)
	}
	sharedServer, err := server.ComputeSharedSecret(alice.PublicKey())
	if err != nil {
		t.Fatalf("ComputeSharedSecret server: %v", err)
	}

	if !bytes.Equal(sharedAlice, sharedServer) {
		t.Fatalf("shared secrets do not match")
	}
	if len(sharedAlice) != 32 {
		t.Fatalf("unexpected shared secret length %d", len(sharedAlice))
	}
}

func TestPublicKeyBase64RoundTrip(t *testing.T) {
	kp, _ := GenerateKeyPair()
	b64, err := kp.PublicKeyBase64()
	if err != nil {
		t.Fatalf("PublicKeyBase64: %v", err)
	}

	pub, err := ParsePublicKeyBase64(b64)
	if err != nil {
		t.Fatalf("ParsePublicKeyBase64: %v", err)
	}
	if !pub.Equal(kp.PublicKey()) {
		t.Fatalf("parsed key differs from original")
	}

	// Raw uncompressed points are accepted as well.
	raw, err := ParsePublicKey(kp.PublicKey().Bytes())
	if err != nil {
		t.Fatalf("ParsePublicKey raw: %v", err)
	}
	if !raw.Equal(kp.PublicKey()) {
		t.Fatalf("raw key differs from original")
	}
}

func TestParsePublicKeyRejectsInvalid(t *testing.T) {
	offCurve := make([]byte, 65)
	offCurve[0] = 0x04
	offCurve[32] = 1
	offCurve[64] = 1

	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey P384: %v", err)
	}
	p384DER, err := x509.MarshalPKIXPublicKey(&p384.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}

	cases := map[string]string{
		"empty":      "",
		"not base64": "%%%not-base64%%%",
		"garbage":    base64.StdEncoding.EncodeToString([]byte("hello")),
		"identity":   base64.StdEncoding.EncodeToString([]byte{0x00}),
		"off curve":  base64.StdEncoding.EncodeToString(offCurve),
		"p384 spki":  base64.StdEncoding.EncodeToString(p384DER),
	}
	for name, in := range cases {
		if _, err := ParsePublicKeyBase64(in); !errors.Is(err, ErrInvalidPeerKey) {
			t.Fatalf("%s: expected ErrInvalidPeerKey, got %v", name, err)
		}
	}
}

func TestComputeSharedSecretNilPeer(t *testing.T) {
	kp, _ := GenerateKeyPair()
	if _, err := kp.ComputeSharedSecret(nil); !errors.Is(err, ErrInvalidPeerKey) {
		t.Fatalf("expected ErrInvalidPeerKey, got %v", err)
	}
}

func TestDeriveSessionKey(t *testing.T) {
	alice, _ := GenerateKeyPair()
	server, _ := GenerateKeyPair()
	shared, _ := alice.ComputeSharedSecret(server.PublicKey())

	k1, err := DeriveSessionKey(shared)
	if err != nil {
		t.Fatalf("DeriveSessionKey: %v", err)
	}
	k2, _ := DeriveSessionKey(shared)
	if len(k1) != SessionKeySize {
		t.Fatalf("unexpected key length %d", len(k1))
	}
	if !bytes.Equal(k1, k2) {
		t.Fatalf("derivation is not deterministic")
	}
	if bytes.Equal(k1, shared) {
		t.Fatalf("session key equals raw shared secret")
	}
}

func TestAEADRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	for _, suite := range []Suite{SuiteAES256GCM, SuiteChaCha20Poly1305} {
		aead, err := NewAEAD(suite, key)
		if err != nil {
			t.Fatalf("NewAEAD %s: %v", suite, err)
		}

		plaintext := []byte("hello alice secure channel")
		ad := []byte("additional data")

		ciphertext, nonce, err := aead.Seal(plaintext, ad)
		if err != nil {
			t.Fatalf("Seal %s: %v", suite, err)
		}
		if len(ciphertext) != len(plaintext)+aead.Overhead() {
			t.Fatalf("%s: unexpected ciphertext length", suite)
		}
		if len(nonce) != NonceSize {
			t.Fatalf("%s: unexpected nonce length", suite)
		}

		decrypted, err := aead.Open(ciphertext, nonce, ad)
		if err != nil {
			t.Fatalf("Open %s: %v", suite, err)
		}
		if !bytes.Equal(decrypted, plaintext) {
			t.Fatalf("%s: decrypted != plaintext", suite)
		}

		// Tamper with ciphertext
		ciphertext[len(ciphertext)-1] ^= 0xff
		if _, err := aead.Open(ciphertext, nonce, ad); err != ErrDecryptionFailed {
			t.Fatalf("%s: expected decryption failure on tampered ciphertext", suite)
		}
	}
}

func TestAEADInvalidKey(t *testing.T) {
	if _, err := NewAEAD(SuiteAES256GCM, make([]byte, 16)); err != ErrInvalidKeySize {
		t.Fatalf("expected ErrInvalidKeySize, got %v", err)
	}
	if _, err := NewAEAD(Suite(9), make([]byte, 32)); err != ErrUnknownSuite {
		t.Fatalf("expected ErrUnknownSuite, got %v", err)
	}
}

func TestParseSuite(t *testing.T) {
	cases := map[string]Suite{
		"":                  SuiteAES256GCM,
		"AES-256-GCM":       SuiteAES256GCM,
		"chacha20-poly1305": SuiteChaCha20Poly1305,
	}
	for in, want := range cases {
		got, err := ParseSuite(in)
		if err != nil {
			t.Fatalf("ParseSuite(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseSuite(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParseSuite("rot13"); !errors.Is(err, ErrUnknownSuite) {
		t.Fatalf("expected ErrUnknownSuite, got %v", err)
	}
}

func BenchmarkAEADSeal(b *testing.B) {
	key := make([]byte, 32)
	aead, _ := NewAEAD(SuiteAES256GCM, key)
	plaintext := make([]byte, 64*1024) // 64 KB
	b.SetBytes(int64(len(plaintext)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = aead.Seal(plaintext, nil)
	}
}

func BenchmarkAEADOpen(b *testing.B) {
	key := make([]byte, 32)
	aead, _ := NewAEAD(SuiteAES256GCM, key)
	plaintext := make([]byte, 64*1024)
	ciphertext, nonce, _ := aead.Seal(plaintext, nil)
	b.SetBytes(int64(len(plaintext)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = aead.Open(ciphertext, nonce, nil)
	}
}

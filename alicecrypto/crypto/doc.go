// Package crypto provides the per-connection cryptographic primitives for AliceCrypto.
//
// Design goals:
//   - Interoperable with WebCrypto clients (ECDH P-256, HKDF-SHA256, AES-256-GCM)
//   - Ephemeral keys only; nothing here is ever persisted
//   - A fresh random 96-bit nonce for every encryption
//   - Optional ChaCha20-Poly1305 suite for native clients without AES-NI
package crypto

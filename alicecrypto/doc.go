// Package alicecrypto is a secure chat and homomorphic aggregation server.
//
// Clients negotiate an AES-256-GCM session key with ECDH P-256 and HKDF-SHA256,
// then exchange encrypted chat messages. Independently of any session, clients
// may submit Paillier ciphertexts which the server multiplies together to obtain
// the encryption of their sum without ever seeing the plaintexts.
//
// Envelopes travel over WebSocket text frames (browsers) or length-prefixed
// frames on a QUIC stream. Encrypted chat messages are persisted as received.
package alicecrypto

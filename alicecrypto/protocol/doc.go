// Package protocol defines the JSON envelopes exchanged with clients.
//
// Every envelope is a JSON object with a "type" field. Requests are
// HANDSHAKE_INIT, CHAT_MESSAGE and COMPUTE_SUM; anything else is rejected by
// Decode with ErrUnknownType.
package protocol

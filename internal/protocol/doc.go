// Package protocol defines the warren-gateway wire protocol.
//
// # Frames
//
// Every message on a client connection is one JSON object, a Frame,
// discriminated by its "type" field:
//
//   - hello:          client handshake with protocol range and identity
//   - hello-ok:       server acceptance with negotiated version
//   - hello-rejected: server refusal (incompatible protocol range)
//   - request:        client RPC invocation, correlated by id
//   - response:       server result or coded error for one request
//   - event:          server push, scoped by optional sessionKey
//
// # Handshake
//
// The client opens with hello advertising [minProtocol, maxProtocol]. The
// server intersects that with its own supported range and answers hello-ok
// with the highest mutually supported version, or hello-rejected when the
// ranges do not overlap.
//
// # Error codes
//
// Response errors carry exactly one code from the closed set NOT_LINKED,
// NOT_PAIRED, AGENT_TIMEOUT, INVALID_REQUEST, UNAVAILABLE, METHOD_NOT_FOUND,
// INTERNAL_ERROR. Handlers return *Error to pick a code; any other error is
// reported as INTERNAL_ERROR with a safe message.
//
// The codec is stateless: Encode and Decode are pure functions, and Decode
// distinguishes recoverable failures (the frame carried a request id that an
// INVALID_REQUEST response can be correlated to) from fatal ones.
package protocol

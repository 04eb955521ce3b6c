// Package gateway hosts the client-facing RPC engine: the WebSocket accept
// loop, the per-connection handshake state machine, request dispatch into
// the shared method registry, and event delivery from the broadcaster.
//
// Each connection runs one read-loop goroutine and one writer goroutine.
// Requests dispatch on their own goroutines and resolve through a response
// lane that is never dropped; events travel a bounded lane with drop-oldest
// semantics. Teardown cancels in-flight invocations and removes broadcaster
// subscriptions exactly once.
package gateway

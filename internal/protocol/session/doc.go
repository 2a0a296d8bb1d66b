// Package session owns the keyed join protocol and per-peer session state.
//
// Ownership boundary:
// - Connect request/response wire helpers
// - handshake state names
// - Session identity and liveness
// - fixed-capacity Registry (the one lock shared with the liveness prober)
// - retry/backoff primitives for initiators
package session

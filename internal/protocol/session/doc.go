// Package session owns agent<->hub session primitives shared by both peers.
//
// Ownership boundary:
// - reconnect backoff policy
// - reliability/security defaults
// - bounded outbound event queue
// - auth handshake helpers
// - ordered observer dispatch
package session

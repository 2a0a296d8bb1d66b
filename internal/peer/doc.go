// Package peer is the initiating side of a dgram node.
//
// A Peer dials one responder, runs the Connect handshake, and then
// exchanges datagrams with it. Replies are read by a dedicated goroutine
// that re-arms after every datagram.
package peer

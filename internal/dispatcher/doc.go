// Package dispatcher is the listening side of a dgram node.
//
// A Dispatcher owns one UDP socket and the session registry. A single
// goroutine reads datagrams, answers Connect handshakes, and hands data
// from admitted peers to the application callbacks inline. Sends may be
// issued from any goroutine.
package dispatcher

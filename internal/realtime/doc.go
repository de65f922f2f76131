// Package realtime implements the live messaging protocol over WebSocket.
//
// Each connection is served by a Session that moves through
// Connecting, Authenticating, Open, Closing and Closed. The token from the
// handshake is checked once; a failure closes with code 4001 before the session
// is ever registered for presence. A newer connection for the same user replaces
// the older one, which is closed with code 4002.
//
// While open, three goroutines cooperate under an errgroup:
//
//   - the receive loop handles frames strictly in arrival order and probes idle
//     clients instead of dropping them straight away
//   - the keepalive loop sends a ping on a fixed interval
//   - the write loop is the only goroutine that writes data frames
//
// Every inbound frame is decoded into a closed set of frame types. Bad frames,
// domain errors and even panics in a handler become error frames; none of them
// end the connection. Whatever ends the connection, teardown goes through one
// path that deregisters from presence, stops the loops and closes the transport
// exactly once.
package realtime

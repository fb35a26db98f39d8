// Package transport provides composable byte-stream transports.
//
// Every layer implements the same Transport contract (connect, read, write,
// poll, close, destroy), so layers stack: a decorator holds a non-owning
// reference to the transport below it and delegates raw I/O to it.
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│  WebSocket (pkg/websocket)     │  RFC 6455 framing
//	├────────────────────────────────┤
//	│  TLS (this package)            │  crypto/tls over the layer below
//	├────────────────────────────────┤
//	│  SOCKS4 (pkg/socks4)           │  CONNECT handshake, then pass-through
//	├────────────────────────────────┤
//	│  TCP (this package)            │  OS socket, poll-based timeouts
//	└────────────────────────────────┘
//
// Chains are built bottom-up and registered in a Registry under their
// scheme ("tcp", "ssl", "ws", "wss"). Callers then drive only the outermost
// handle.
//
// # Timeouts
//
// All operations take a time.Duration timeout. NoTimeout (-1) blocks until
// the operating system or the peer acts; there is no cancellation primitive,
// so a NoTimeout read on a silent peer blocks forever. A timeout of 0 makes
// a single non-blocking attempt.
//
// # Results
//
// Read returns (0, nil) when no data arrived within the timeout; that is a
// retryable condition. Any error means the connection is no longer usable for
// the operation. A peer's orderly shutdown is ErrConnectionClosed, never
// (0, nil).
//
// # Concurrency
//
// A single transport instance must not be driven from two goroutines at
// once. Independent chains share no state and may run in parallel.
package transport

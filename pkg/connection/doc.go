// Package connection retries transport connects on the caller's side.
//
// No transport retries internally: a failed Connect reports its error and the
// caller decides. This package provides the usual policies:
//
//   - Backoff: exponential delays with jitter
//   - Redial and Dialer: drive Transport.Connect until it succeeds, the
//     attempts run out, or the context ends
//   - Manager: connection state tracking with automatic reconnection after
//     the owner reports a lost connection
//
// # Reconnection Strategy
//
// With the default Backoff the delays between attempts are:
//
//  1. Initial delay: 1 second
//  2. Exponential increase: 2s, 4s, 8s, 16s, 32s
//  3. Maximum delay: 60 seconds
//  4. Reset to 1s after a successful connect
//
// # Jitter
//
// To keep clients that lost the same proxy from reconnecting in lockstep:
//
//	actual_delay = base_delay + random(0, base_delay * 0.25)
//
// Errors that cannot improve by retrying (invalid arguments, destroyed
// transports) end the retry loop at once; see Permanent.
package connection

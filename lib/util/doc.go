// Package util provides small concurrency helpers shared by the server components.
//
// The package contains:
//   - queue: an unbounded, lock-free multi-producer single-consumer queue. The server uses it as
//     the per-connection outbox, so that handing a response to a slow client never blocks the
//     dispatcher.
package util

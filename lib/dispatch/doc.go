// Package dispatch serializes all access to the store.
//
// Connections decode requests and Submit them, the Dispatcher takes them from a bounded queue
// one at a time and applies them to the trie. There is exactly one Dispatcher per server and it
// is the only goroutine that touches the trie and the write-ahead log, which makes every request
// atomic and totally ordered without any locking on the store itself.
//
// Processing a request:
//
//  1. SET: append the record to the Persistence, then update the trie, then notify the client.
//  2. GET: read the trie and notify the client.
//  3. Offer the Persistence to rotate (MaybeRotate), passing trie.Clone so the snapshot is
//     taken on the dispatcher goroutine.
//
// A full queue makes Submit block, which in turn stops the submitting connection from reading
// more requests.
package dispatch

// Package trie implements the in-memory store of the key-value server: a 256-ary trie keyed on
// raw byte sequences.
//
// Every node has one child slot per possible byte value and an optional value. A nil value means
// that nothing is stored at the path, a non-nil empty slice is a stored empty value. Writing nil
// is a tombstone: the value is cleared but the node stays in place, nodes are never pruned.
//
// Implementation Details:
//
//   - Arena Layout: All nodes live in a single slice and refer to their children by index. The
//     root is always at index 0, so index 0 doubles as "no child". This bounds allocation churn
//     to slice growth and makes Clone a single slice copy.
//
//   - Ordering: Traverse walks the trie depth first and visits children in ascending byte order,
//     which yields keys in lexicographic order. The persistence layer relies on this to write
//     snapshots.
//
// Thread Safety:
//
//	A Trie is not safe for concurrent use. The dispatcher owns the live instance and is the only
//	goroutine that touches it. Background work (snapshots) operates on a Clone.
//
// Usage Example:
//
//	t := trie.New()
//	t.Set([]byte("foo"), []byte("bar"))
//	v := t.Get([]byte("foo")) // []byte("bar")
//	t.Set([]byte("foo"), nil)  // tombstone
//	v = t.Get([]byte("foo"))   // nil
package trie

// Package persist implements durable storage for the trie: write-ahead logs, snapshots and the
// slot rotation that keeps the logs bounded.
//
// On-Disk Layout:
//
// A data directory holds five files:
//
//	index       one byte, 0 or 1, naming the active slot
//	wal-0       write-ahead log of slot 0
//	snapshot-0  snapshot of slot 0
//	wal-1       write-ahead log of slot 1
//	snapshot-1  snapshot of slot 1
//
// WALs and snapshots share the same record format (see AppendRecord). A snapshot is just a
// record for every stored key, written in key order.
//
// Rotation:
//
// Every mutation is appended to the active WAL before it is applied in memory. Once the active
// WAL grows beyond the rotation threshold (10 MiB by default), MaybeRotate switches to the other
// slot: its WAL and snapshot are emptied, the index is flipped and a background goroutine writes
// a snapshot of the current trie into the new slot. New writes go to the new WAL right away.
// At most one snapshot is written at any time, further rotations are skipped until it is done.
//
// Recovery:
//
// Recover replays the inactive slot first (snapshot, then WAL) and the active slot last
// (snapshot, then WAL). Since records overwrite each other, the newest record of every key
// wins, no matter how far an interrupted snapshot got. A partial record at the end of the active
// WAL (a crash during an append) is cut off.
//
// Thread Safety:
//
//	All methods except Errors, Snapshotting and Dir must be called from the same goroutine, in
//	this server that is the dispatcher. The background snapshot writer only touches its own
//	snapshot file and a cloned trie.
//
// Usage Example:
//
//	s, err := persist.Open("data", persist.DefaultOptions())
//	t := trie.New()
//	err = s.Recover(t)
//	err = s.Append([]byte("foo"), []byte("bar"))
//	t.Set([]byte("foo"), []byte("bar"))
//	_, err = s.MaybeRotate(t.Clone)
package persist

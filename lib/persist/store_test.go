package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValentinKolb/tkv/lib/trie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func openStore(t *testing.T, dir string, opts Options) (*Store, *trie.Trie) {
	t.Helper()
	s, err := Open(dir, opts)
	require.NoError(t, err)
	tr := trie.New()
	require.NoError(t, s.Recover(tr))
	return s, tr
}

// put mimics the dispatcher: persist first, then apply
func put(t *testing.T, s *Store, tr *trie.Trie, key string, value []byte) {
	t.Helper()
	require.NoError(t, s.Append([]byte(key), value))
	tr.Set([]byte(key), value)
}

func waitIdle(t *testing.T, s *Store) {
	t.Helper()
	require.Eventually(t, func() bool { return !s.Snapshotting() }, 5*time.Second, time.Millisecond)
}

func dump(t *testing.T, tr *trie.Trie) map[string]string {
	t.Helper()
	out := map[string]string{}
	require.NoError(t, tr.Traverse(func(key, value []byte) error {
		out[string(key)] = string(value)
		return nil
	}))
	return out
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestOpenCreatesFiles(t *testing.T) {
	dir := t.TempDir()
	s, tr := openStore(t, dir, DefaultOptions())
	defer s.Close()

	for _, name := range []string{"index", "wal-0", "snapshot-0", "wal-1", "snapshot-1"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}

	idx, err := os.ReadFile(filepath.Join(dir, "index"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, idx)
	assert.Equal(t, 0, s.ActiveSlot())
	assert.Zero(t, tr.Len())
}

func TestInvalidIndexDefaultsToZero(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index"), []byte{7}, 0o644))

	s, _ := openStore(t, dir, DefaultOptions())
	defer s.Close()

	assert.Equal(t, 0, s.ActiveSlot())
	idx, err := os.ReadFile(filepath.Join(dir, "index"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, idx)
}

func TestAppendAndRecover(t *testing.T) {
	dir := t.TempDir()
	s, tr := openStore(t, dir, DefaultOptions())

	put(t, s, tr, "foo", []byte("bar"))
	put(t, s, tr, "empty", []byte{})
	put(t, s, tr, "gone", []byte("x"))
	put(t, s, tr, "gone", nil)
	put(t, s, tr, "foo", []byte("baz"))
	require.NoError(t, s.Close())

	s, recovered := openStore(t, dir, DefaultOptions())
	defer s.Close()

	assert.Equal(t, []byte("baz"), recovered.Get([]byte("foo")))
	assert.NotNil(t, recovered.Get([]byte("empty")))
	assert.Empty(t, recovered.Get([]byte("empty")))
	assert.Nil(t, recovered.Get([]byte("gone")))
	assert.Equal(t, dump(t, tr), dump(t, recovered))
}

func TestRecoverIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, tr := openStore(t, dir, DefaultOptions())
	for i := 0; i < 50; i++ {
		put(t, s, tr, fmt.Sprintf("k%d", i%7), []byte(fmt.Sprint(i)))
	}
	require.NoError(t, s.Close())

	s, first := openStore(t, dir, DefaultOptions())
	second := trie.New()
	require.NoError(t, s.Recover(second))
	require.NoError(t, s.Close())

	assert.Equal(t, dump(t, first), dump(t, second))
	assert.Equal(t, dump(t, tr), dump(t, first))
}

func TestRecoverRepairsTruncatedWAL(t *testing.T) {
	dir := t.TempDir()
	s, tr := openStore(t, dir, DefaultOptions())
	put(t, s, tr, "a", []byte("1"))
	put(t, s, tr, "b", []byte("2"))
	require.NoError(t, s.Close())

	// simulate a crash in the middle of an append
	walPath := filepath.Join(dir, "wal-0")
	info, err := os.Stat(walPath)
	require.NoError(t, err)
	f, err := os.OpenFile(walPath, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x00, 0x05, 'p', 'a'})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, recovered := openStore(t, dir, DefaultOptions())
	assert.Equal(t, dump(t, tr), dump(t, recovered))
	assert.Equal(t, info.Size(), s.WALSize())

	// new appends land on a record boundary
	put(t, s, recovered, "c", []byte("3"))
	require.NoError(t, s.Close())

	s, again := openStore(t, dir, DefaultOptions())
	defer s.Close()
	assert.Equal(t, []byte("3"), again.Get([]byte("c")))
	assert.Equal(t, []byte("2"), again.Get([]byte("b")))
}

func TestNoRotationBelowThreshold(t *testing.T) {
	s, tr := openStore(t, t.TempDir(), Options{RotateThreshold: 1 << 20})
	defer s.Close()

	put(t, s, tr, "a", []byte("1"))
	rotated, err := s.MaybeRotate(tr.Clone)
	require.NoError(t, err)
	assert.False(t, rotated)
	assert.Equal(t, 0, s.ActiveSlot())
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	s, tr := openStore(t, dir, Options{RotateThreshold: 64})

	for i := 0; i < 10; i++ {
		put(t, s, tr, fmt.Sprintf("key-%02d", i), []byte("value"))
	}
	rotated, err := s.MaybeRotate(tr.Clone)
	require.NoError(t, err)
	require.True(t, rotated)
	assert.Equal(t, 1, s.ActiveSlot())
	assert.Zero(t, s.WALSize())

	// writes after the switch go to the new wal
	put(t, s, tr, "key-00", []byte("changed"))
	waitIdle(t, s)

	idx, err := os.ReadFile(filepath.Join(dir, "index"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, idx)

	snap, err := os.Stat(filepath.Join(dir, "snapshot-1"))
	require.NoError(t, err)
	assert.NotZero(t, snap.Size())

	// second rotation goes back to slot 0
	for i := 0; i < 10; i++ {
		put(t, s, tr, fmt.Sprintf("other-%02d", i), []byte("value"))
	}
	rotated, err = s.MaybeRotate(tr.Clone)
	require.NoError(t, err)
	require.True(t, rotated)
	assert.Equal(t, 0, s.ActiveSlot())
	put(t, s, tr, "other-00", nil)
	waitIdle(t, s)
	require.NoError(t, s.Close())

	s, recovered := openStore(t, dir, Options{RotateThreshold: 64})
	defer s.Close()
	assert.Equal(t, dump(t, tr), dump(t, recovered))
	assert.Equal(t, []byte("changed"), recovered.Get([]byte("key-00")))
	assert.Nil(t, recovered.Get([]byte("other-00")))
}

func TestRotationSkippedWhileSnapshotting(t *testing.T) {
	s, tr := openStore(t, t.TempDir(), Options{RotateThreshold: 1})
	defer s.Close()

	put(t, s, tr, "a", []byte("1"))

	s.state.Store(stateSnapshotting)
	rotated, err := s.MaybeRotate(tr.Clone)
	require.NoError(t, err)
	assert.False(t, rotated)
	assert.Equal(t, 0, s.ActiveSlot())

	s.state.Store(stateIdle)
	rotated, err = s.MaybeRotate(tr.Clone)
	require.NoError(t, err)
	assert.True(t, rotated)
	assert.Equal(t, 1, s.ActiveSlot())
	waitIdle(t, s)
}

func TestRecoverAfterInterruptedSnapshot(t *testing.T) {
	dir := t.TempDir()
	s, tr := openStore(t, dir, Options{RotateThreshold: 32})
	for i := 0; i < 5; i++ {
		put(t, s, tr, fmt.Sprintf("k%d", i), []byte("old"))
	}
	rotated, err := s.MaybeRotate(tr.Clone)
	require.NoError(t, err)
	require.True(t, rotated)
	waitIdle(t, s)
	put(t, s, tr, "k0", []byte("new"))
	require.NoError(t, s.Close())

	// cut the fresh snapshot in half, the old slot still covers everything
	snapPath := filepath.Join(dir, "snapshot-1")
	data, err := os.ReadFile(snapPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapPath, data[:len(data)/2], 0o644))

	s, recovered := openStore(t, dir, Options{RotateThreshold: 32})
	defer s.Close()
	assert.Equal(t, dump(t, tr), dump(t, recovered))
	assert.Equal(t, []byte("new"), recovered.Get([]byte("k0")))
}

func TestRecoverAfterRepeatedInterruptedSnapshots(t *testing.T) {
	dir := t.TempDir()
	opts := Options{RotateThreshold: 32}
	cut := func(name string) {
		t.Helper()
		require.NoError(t, os.Truncate(filepath.Join(dir, name), 10))
	}

	s, tr := openStore(t, dir, opts)
	for i := 0; i < 20; i++ {
		put(t, s, tr, fmt.Sprintf("k%d", i), []byte("v"))
	}
	rotated, err := s.MaybeRotate(tr.Clone)
	require.NoError(t, err)
	require.True(t, rotated)
	waitIdle(t, s)
	require.NoError(t, s.Close())
	cut("snapshot-1")

	s, recovered := openStore(t, dir, opts)
	require.Equal(t, 20, recovered.Len())
	for i := 20; i < 25; i++ {
		put(t, s, recovered, fmt.Sprintf("k%d", i), []byte("v"))
	}

	// this rotation clears slot 0, slot 1 alone must cover everything
	rotated, err = s.MaybeRotate(recovered.Clone)
	require.NoError(t, err)
	require.True(t, rotated)
	waitIdle(t, s)
	require.NoError(t, s.Close())
	cut("snapshot-0")

	s, again := openStore(t, dir, opts)
	defer s.Close()
	assert.Equal(t, 25, again.Len())
	assert.Equal(t, dump(t, recovered), dump(t, again))
	assert.Equal(t, []byte("v"), again.Get([]byte("k10")))
}

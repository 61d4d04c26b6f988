package persist

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ValentinKolb/tkv/lib/trie"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("persist")

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	// DefaultRotateThreshold is the WAL size (in bytes) above which the active slot is rotated
	DefaultRotateThreshold int64 = 10 * 1024 * 1024

	indexFileName = "index"
	walFileFmt    = "wal-%d"
	snapFileFmt   = "snapshot-%d"

	fileMode = 0o644
)

// rotation states
const (
	stateIdle int32 = iota
	stateSnapshotting
)

// --------------------------------------------------------------------------
// Metrics
// --------------------------------------------------------------------------

var (
	walAppends       = metrics.NewCounter("tkv_wal_appends_total")
	walAppendBytes   = metrics.NewCounter("tkv_wal_append_bytes_total")
	rotations        = metrics.NewCounter("tkv_rotations_total")
	snapshotFailures = metrics.NewCounter("tkv_snapshot_failures_total")
	snapshotDuration = metrics.NewHistogram("tkv_snapshot_duration_seconds")
	walSizeBytes     atomic.Int64
	_                = metrics.NewGauge("tkv_wal_size_bytes", func() float64 {
		return float64(walSizeBytes.Load())
	})
)

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// Options configures a Store
type Options struct {
	// RotateThreshold is the active WAL size in bytes that triggers a rotation (0 = default)
	RotateThreshold int64
	// SyncWrites makes every Append fsync the WAL before returning
	SyncWrites bool
}

// DefaultOptions returns the default store options
func DefaultOptions() Options {
	return Options{
		RotateThreshold: DefaultRotateThreshold,
		SyncWrites:      true,
	}
}

// slot is one {WAL, snapshot} pair
type slot struct {
	wal  *os.File // only touched by the owner of the Store (the dispatcher)
	snap *os.File
	// snapMu serializes the background snapshot writer with everything else touching snap
	snapMu sync.Mutex
}

// Store is the persistence layer: two slots, each with a WAL and a snapshot file, plus an index
// file naming the active slot.
//
// Thread-safety: Recover, Append, MaybeRotate and Close must be called from a single goroutine.
// The only concurrent activity is the snapshot writer started by MaybeRotate, which works on a
// cloned trie and its own snapshot file.
type Store struct {
	dir   string
	opts  Options
	index *os.File
	slots [2]*slot

	active  int
	walSize int64
	buf     []byte // reused encoding buffer for Append

	state    atomic.Int32
	inflight sync.WaitGroup
	errs     chan error
}

// --------------------------------------------------------------------------
// Initialization
// --------------------------------------------------------------------------

// Open creates dir if needed and opens (or creates) the five store files in it.
// The active slot is read from the index file. A missing, empty or invalid index falls back to
// slot 0, and that default is written back immediately.
func Open(dir string, opts Options) (*Store, error) {
	if opts.RotateThreshold <= 0 {
		opts.RotateThreshold = DefaultRotateThreshold
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}

	s := &Store{
		dir:  dir,
		opts: opts,
		errs: make(chan error, 1),
	}

	var err error
	s.index, err = os.OpenFile(filepath.Join(dir, indexFileName), os.O_RDWR|os.O_CREATE, fileMode)
	if err != nil {
		return nil, fmt.Errorf("failed to open index file: %w", err)
	}

	for i := range s.slots {
		sl := &slot{}
		sl.wal, err = os.OpenFile(filepath.Join(dir, fmt.Sprintf(walFileFmt, i)), os.O_RDWR|os.O_CREATE|os.O_APPEND, fileMode)
		if err != nil {
			s.closeFiles()
			return nil, fmt.Errorf("failed to open wal of slot %d: %w", i, err)
		}
		sl.snap, err = os.OpenFile(filepath.Join(dir, fmt.Sprintf(snapFileFmt, i)), os.O_RDWR|os.O_CREATE, fileMode)
		if err != nil {
			sl.wal.Close()
			s.closeFiles()
			return nil, fmt.Errorf("failed to open snapshot of slot %d: %w", i, err)
		}
		s.slots[i] = sl
	}

	if err := s.loadIndex(); err != nil {
		s.closeFiles()
		return nil, err
	}

	Logger.Infof("opened store in %s, active slot %d", dir, s.active)
	return s, nil
}

// loadIndex reads the active slot from the index file, falling back to (and persisting) slot 0
func (s *Store) loadIndex() error {
	var b [1]byte
	n, err := s.index.ReadAt(b[:], 0)
	if err == nil && n == 1 && b[0] <= 1 {
		s.active = int(b[0])
		return nil
	}

	if n == 0 && errors.Is(err, io.EOF) {
		Logger.Infof("no index found, starting with slot 0")
	} else {
		Logger.Warningf("index file unreadable or invalid (value=%d, err=%v), defaulting to slot 0", b[0], err)
	}
	s.active = 0
	return s.writeIndex(0)
}

// writeIndex persists the active slot number synchronously
func (s *Store) writeIndex(active int) error {
	if _, err := s.index.WriteAt([]byte{byte(active)}, 0); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	if err := s.index.Truncate(1); err != nil {
		return fmt.Errorf("failed to truncate index: %w", err)
	}
	if err := s.index.Sync(); err != nil {
		return fmt.Errorf("failed to sync index: %w", err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Recovery
// --------------------------------------------------------------------------

// Recover replays all persisted records into t: first the inactive slot (snapshot, then WAL),
// then the active slot (snapshot, then WAL). Later records overwrite earlier ones, so the most
// recent value of every key wins. Replaying the same files again yields the same trie.
//
// If the active WAL ends in a partial record, the file is cut back to its last complete record
// so that new appends start on a record boundary. Finally the active snapshot is rewritten from t.
func (s *Store) Recover(t *trie.Trie) error {
	start := time.Now()
	inactive := 1 - s.active

	steps := []struct {
		name string
		file *os.File
	}{
		{fmt.Sprintf(snapFileFmt, inactive), s.slots[inactive].snap},
		{fmt.Sprintf(walFileFmt, inactive), s.slots[inactive].wal},
		{fmt.Sprintf(snapFileFmt, s.active), s.slots[s.active].snap},
		{fmt.Sprintf(walFileFmt, s.active), s.slots[s.active].wal},
	}

	var (
		valid int64
		size  int64
	)
	for _, step := range steps {
		var (
			count int
			err   error
		)
		size, valid, count, err = replay(step.file, t)
		if err != nil {
			return fmt.Errorf("failed to replay %s: %w", step.name, err)
		}
		if valid < size {
			Logger.Warningf("%s: dropped %d bytes of a truncated trailing record", step.name, size-valid)
		}
		Logger.Debugf("replayed %d records from %s", count, step.name)
	}

	// the loop ends on the active wal
	wal := s.slots[s.active].wal
	if valid < size {
		if err := wal.Truncate(valid); err != nil {
			return fmt.Errorf("failed to repair active wal: %w", err)
		}
		if err := wal.Sync(); err != nil {
			return fmt.Errorf("failed to sync active wal: %w", err)
		}
	}
	s.walSize = valid
	walSizeBytes.Store(valid)

	// the active snapshot may be a partial write from before the crash. Rewriting it from the
	// recovered state makes the active slot self-contained, so the next rotation may clear the
	// inactive one.
	if err := s.rebuildSnapshot(s.active, t); err != nil {
		return err
	}

	Logger.Infof("recovered %d keys in %s", t.Len(), time.Since(start))
	return nil
}

// rebuildSnapshot synchronously replaces the snapshot of slot i with the content of t
func (s *Store) rebuildSnapshot(i int, t *trie.Trie) error {
	sl := s.slots[i]
	sl.snapMu.Lock()
	defer sl.snapMu.Unlock()

	if err := dumpTrie(sl.snap, t); err != nil {
		return fmt.Errorf("failed to rebuild snapshot of slot %d: %w", i, err)
	}
	return nil
}

// replay applies all complete records of f to t
func replay(f *os.File, t *trie.Trie) (size, valid int64, count int, err error) {
	info, err := f.Stat()
	if err != nil {
		return 0, 0, 0, err
	}
	size = info.Size()

	valid, err = ReadRecords(io.NewSectionReader(f, 0, size), func(key, value []byte) error {
		t.Set(key, value)
		count++
		return nil
	})
	return size, valid, count, err
}

// --------------------------------------------------------------------------
// Write path
// --------------------------------------------------------------------------

// Append writes one record to the active WAL. With SyncWrites the record is on stable storage
// when Append returns. Any error means durability can no longer be guaranteed.
func (s *Store) Append(key, value []byte) error {
	var err error
	s.buf, err = AppendRecord(s.buf[:0], key, value)
	if err != nil {
		return err
	}

	wal := s.slots[s.active].wal
	n, err := wal.Write(s.buf)
	s.walSize += int64(n)
	walSizeBytes.Store(s.walSize)
	if err != nil {
		return fmt.Errorf("failed to append to wal of slot %d: %w", s.active, err)
	}
	if s.opts.SyncWrites {
		if err := wal.Sync(); err != nil {
			return fmt.Errorf("failed to sync wal of slot %d: %w", s.active, err)
		}
	}

	walAppends.Inc()
	walAppendBytes.Add(n)
	return nil
}

// --------------------------------------------------------------------------
// Rotation
// --------------------------------------------------------------------------

// MaybeRotate switches the active slot when the active WAL is larger than the rotation
// threshold and no snapshot is being written. It returns true if a rotation was started.
//
// The switch itself is synchronous: the other slot's WAL and snapshot are emptied (their content
// is fully covered by the current slot), then the new index is persisted. After that, snapshot
// is called once to obtain a frozen copy of the store, which is written into the new active
// slot's snapshot file in the background.
//
// Errors of the synchronous part are returned, errors of the background writer are delivered
// via Errors.
func (s *Store) MaybeRotate(snapshot func() *trie.Trie) (bool, error) {
	if s.walSize <= s.opts.RotateThreshold {
		return false, nil
	}
	if !s.state.CompareAndSwap(stateIdle, stateSnapshotting) {
		return false, nil
	}

	next := 1 - s.active
	if err := s.clearSlot(next); err != nil {
		s.state.Store(stateIdle)
		return false, err
	}
	if err := s.writeIndex(next); err != nil {
		s.state.Store(stateIdle)
		return false, err
	}

	prev := s.active
	s.active = next
	s.walSize = 0
	walSizeBytes.Store(0)
	rotations.Inc()

	frozen := snapshot()
	Logger.Infof("rotated from slot %d to slot %d, writing snapshot of %d keys", prev, next, frozen.Len())

	s.inflight.Add(1)
	go s.writeSnapshot(next, frozen)

	return true, nil
}

// clearSlot truncates the WAL and snapshot of slot i and syncs both
func (s *Store) clearSlot(i int) error {
	sl := s.slots[i]

	if err := sl.wal.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate wal of slot %d: %w", i, err)
	}
	if err := sl.wal.Sync(); err != nil {
		return fmt.Errorf("failed to sync wal of slot %d: %w", i, err)
	}

	sl.snapMu.Lock()
	defer sl.snapMu.Unlock()
	if err := sl.snap.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate snapshot of slot %d: %w", i, err)
	}
	if err := sl.snap.Sync(); err != nil {
		return fmt.Errorf("failed to sync snapshot of slot %d: %w", i, err)
	}
	return nil
}

// writeSnapshot dumps t into the snapshot file of slot i and returns the store to idle
func (s *Store) writeSnapshot(i int, t *trie.Trie) {
	defer s.inflight.Done()
	defer s.state.Store(stateIdle)

	sl := s.slots[i]
	sl.snapMu.Lock()
	defer sl.snapMu.Unlock()

	start := time.Now()
	if err := dumpTrie(sl.snap, t); err != nil {
		snapshotFailures.Inc()
		s.fail(fmt.Errorf("failed to write snapshot of slot %d: %w", i, err))
		return
	}
	snapshotDuration.UpdateDuration(start)

	Logger.Infof("snapshot of slot %d written (%d keys) in %s", i, t.Len(), time.Since(start))
}

// dumpTrie replaces the content of f with all values of t
func dumpTrie(f *os.File, t *trie.Trie) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	w := bufio.NewWriterSize(f, 64*1024)
	var buf []byte
	err := t.Traverse(func(key, value []byte) error {
		var err error
		buf, err = AppendRecord(buf[:0], key, value)
		if err != nil {
			return err
		}
		_, err = w.Write(buf)
		return err
	})
	if err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// fail reports a background error without blocking
func (s *Store) fail(err error) {
	Logger.Errorf("%v", err)
	select {
	case s.errs <- err:
	default:
	}
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// Errors delivers failures of background snapshot writes. A failed snapshot leaves the store
// unable to guarantee recovery after the next rotation, callers should treat it as fatal.
func (s *Store) Errors() <-chan error {
	return s.errs
}

// ActiveSlot returns the slot new WAL records are written to
func (s *Store) ActiveSlot() int {
	return s.active
}

// WALSize returns the size of the active WAL in bytes
func (s *Store) WALSize() int64 {
	return s.walSize
}

// Snapshotting reports whether a background snapshot is in progress
func (s *Store) Snapshotting() bool {
	return s.state.Load() == stateSnapshotting
}

// Dir returns the data directory of the store
func (s *Store) Dir() string {
	return s.dir
}

// --------------------------------------------------------------------------
// Shutdown
// --------------------------------------------------------------------------

// Close waits for a running snapshot to finish, then syncs and closes all files
func (s *Store) Close() error {
	s.inflight.Wait()
	return s.closeFiles()
}

func (s *Store) closeFiles() error {
	var errs []error
	closeFile := func(f *os.File) {
		if f == nil {
			return
		}
		if err := f.Sync(); err != nil {
			errs = append(errs, err)
		}
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	closeFile(s.index)
	for _, sl := range s.slots {
		if sl == nil {
			continue
		}
		closeFile(sl.wal)
		closeFile(sl.snap)
	}
	return errors.Join(errs...)
}

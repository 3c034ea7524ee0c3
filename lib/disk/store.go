package disk

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("disk")

// Options configures a Store.
type Options struct {
	// MaxSegmentSize is the size at which a new segment is started. A single
	// record larger than this gets a segment of its own.
	MaxSegmentSize int64
}

// DefaultOptions returns the options used when nothing else is configured.
func DefaultOptions() Options {
	return Options{MaxSegmentSize: 64 << 20}
}

type slotKey struct {
	family   Family
	identity string
}

type slot struct {
	segment uint32
	offset  int64
	length  uint32
}

// Store is the disk store of one unit.
type Store struct {
	dir  string
	unit string
	opts Options
	meta Meta
	lock *os.File

	mu       sync.RWMutex
	segments [numFamilies][]*segment // ascending by number, the last one is active
	index    map[slotKey]slot
	live     int64
	recovery Recovery
	closed   bool
}

// Recovery describes what Open had to do to bring the unit into a consistent state.
type Recovery struct {
	SnapshotUsed    bool   `json:"snapshot_used"`
	Replayed        int    `json:"replayed"`
	TruncatedBytes  int64  `json:"truncated_bytes"`
	RemovedSegments int    `json:"removed_segments"`
	Reset           bool   `json:"reset"`
	Reason          string `json:"reason,omitempty"`
}

// Stats describes the current disk usage of a unit.
type Stats struct {
	Records      int     `json:"records"`
	LiveBytes    int64   `json:"live_bytes"`
	DiskBytes    int64   `json:"disk_bytes"`
	Segments     int     `json:"segments"`
	GarbageRatio float64 `json:"garbage_ratio"`
}

// --------------------------------------------------------------------------
// Open / Close
// --------------------------------------------------------------------------

// Open opens or creates the unit stored in dir.
//
// If the unit is damaged beyond repair its files are wiped and Open returns the
// fresh, empty store together with an error wrapping ErrBroken. Any other error
// means no store was opened.
func Open(dir, unit string, opts Options) (*Store, error) {
	if opts.MaxSegmentSize <= segmentHeaderSize {
		opts.MaxSegmentSize = DefaultOptions().MaxSegmentSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create unit dir: %w", err)
	}
	lock, err := lockDir(dir)
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:   dir,
		unit:  unit,
		opts:  opts,
		lock:  lock,
		index: make(map[slotKey]slot),
	}

	cause := s.load()
	if cause == nil {
		return s, nil
	}

	s.closeSegments()
	if !errors.Is(cause, errUnrecoverable) {
		_ = unlockDir(lock)
		return nil, cause
	}

	log.Warningf("unit %s can not be recovered and is reset: %v", unit, cause)
	if err := s.reset(); err != nil {
		s.closeSegments()
		_ = unlockDir(lock)
		return nil, fmt.Errorf("reset unit %s: %w", unit, err)
	}
	s.recovery = Recovery{Reset: true, Reason: cause.Error()}
	return s, fmt.Errorf("unit %s: %w: %v", unit, ErrBroken, cause)
}

// Close syncs all segments, writes an index snapshot and releases the unit lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.syncLocked(); err != nil {
		errs = append(errs, err)
	} else if err := s.writeSnapshot(); err != nil {
		errs = append(errs, err)
	}
	s.closeSegments()
	if err := unlockDir(s.lock); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Destroy deletes all files of the unit in dir. The unit must not be open.
func Destroy(dir string) error {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	lock, err := lockDir(dir)
	if err != nil {
		return err
	}
	defer func() { _ = unlockDir(lock) }()
	return os.RemoveAll(dir)
}

// initFresh writes new meta data and creates the first segment of every family.
func (s *Store) initFresh() error {
	s.meta = newMeta(s.unit)
	if err := writeMeta(s.dir, s.meta); err != nil {
		return err
	}
	return s.ensureActiveSegments()
}

func (s *Store) ensureActiveSegments() error {
	for f := Family(0); f < numFamilies; f++ {
		if len(s.segments[f]) > 0 {
			continue
		}
		seg, err := createSegment(s.dir, s.meta.Generation, f, 1)
		if err != nil {
			return err
		}
		s.segments[f] = []*segment{seg}
	}
	return nil
}

// reset removes every file of the unit except the lock and starts over.
func (s *Store) reset() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name() == lockFile {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, e.Name())); err != nil {
			return err
		}
	}
	s.segments = [numFamilies][]*segment{}
	s.index = make(map[slotKey]slot)
	s.live = 0
	return s.initFresh()
}

func (s *Store) closeSegments() {
	for f := range s.segments {
		for _, seg := range s.segments[f] {
			_ = seg.close()
		}
	}
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// Get reads the latest value stored for identity. A missing key is reported as
// found == false with a nil error. A record that fails validation returns an
// error wrapping ErrCorrupt.
//
// Thread-safety: Get may be called concurrently with all other methods.
func (s *Store) Get(f Family, identity string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, false, ErrClosed
	}
	sl, ok := s.index[slotKey{f, identity}]
	if !ok {
		return nil, false, nil
	}
	seg := s.segmentLocked(f, sl.segment)
	if seg == nil {
		return nil, false, fmt.Errorf("%w: %s segment %d missing", ErrCorrupt, f, sl.segment)
	}

	h, rec, err := seg.readRecord(sl.offset, sl.length)
	if err != nil {
		return nil, false, err
	}
	if h.op != opPut || h.family != f || recordIdentity(h, rec) != identity {
		return nil, false, fmt.Errorf("%w: index points to a foreign record", ErrCorrupt)
	}
	return recordValue(h, rec), true, nil
}

// Keys calls fn for every indexed key until fn returns false.
func (s *Store) Keys(fn func(f Family, identity string, size int) bool) {
	type item struct {
		key  slotKey
		size int
	}
	s.mu.RLock()
	items := make([]item, 0, len(s.index))
	for k, sl := range s.index {
		items = append(items, item{k, int(sl.length)})
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].key.family != items[j].key.family {
			return items[i].key.family < items[j].key.family
		}
		return items[i].key.identity < items[j].key.identity
	})
	for _, it := range items {
		if !fn(it.key.family, it.key.identity, it.size) {
			return
		}
	}
}

func (s *Store) segmentLocked(f Family, number uint32) *segment {
	segs := s.segments[f]
	i := sort.Search(len(segs), func(i int) bool { return segs[i].number >= number })
	if i < len(segs) && segs[i].number == number {
		return segs[i]
	}
	return nil
}

// Stats returns the current disk usage.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Records: len(s.index), LiveBytes: s.live}
	for f := range s.segments {
		for _, seg := range s.segments[f] {
			st.Segments++
			st.DiskBytes += seg.size - segmentHeaderSize
		}
	}
	if st.DiskBytes > 0 {
		st.GarbageRatio = 1 - float64(st.LiveBytes)/float64(st.DiskBytes)
	}
	return st
}

// Recovery returns what Open did to recover the unit.
func (s *Store) Recovery() Recovery {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recovery
}

// Meta returns the meta data of the unit.
func (s *Store) Meta() Meta {
	return s.meta
}

// --------------------------------------------------------------------------
// Writes
// --------------------------------------------------------------------------

// Put appends a put record and points the index at it.
func (s *Store) Put(f Family, identity string, value []byte) error {
	if err := checkKey(f, identity); err != nil {
		return err
	}
	if uint64(len(value)) > math.MaxUint32-recordHeaderSize-MaxIdentitySize {
		return fmt.Errorf("value of %d bytes is too large", len(value))
	}
	rec := encodeRecord(opPut, f, identity, value)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	seg, err := s.activeLocked(f, int64(len(rec)))
	if err != nil {
		return err
	}
	off, err := seg.append(rec)
	if err != nil {
		return fmt.Errorf("append to %s: %w", seg.path, err)
	}

	key := slotKey{f, identity}
	if old, ok := s.index[key]; ok {
		s.live -= int64(old.length)
	}
	s.index[key] = slot{segment: seg.number, offset: off, length: uint32(len(rec))}
	s.live += int64(len(rec))
	return nil
}

// Delete appends a delete record and removes the key from the index. Deleting
// a key that is not indexed writes nothing.
func (s *Store) Delete(f Family, identity string) error {
	if err := checkKey(f, identity); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	key := slotKey{f, identity}
	old, ok := s.index[key]
	if !ok {
		return nil
	}

	rec := encodeRecord(opDelete, f, identity, nil)
	seg, err := s.activeLocked(f, int64(len(rec)))
	if err != nil {
		return err
	}
	if _, err := seg.append(rec); err != nil {
		return fmt.Errorf("append to %s: %w", seg.path, err)
	}
	delete(s.index, key)
	s.live -= int64(old.length)
	return nil
}

// Drop forgets the index slot of a key without writing anything. It is used for
// records that can not be trusted anymore; the next compaction removes them
// from disk.
func (s *Store) Drop(f Family, identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := slotKey{f, identity}
	if old, ok := s.index[key]; ok {
		delete(s.index, key)
		s.live -= int64(old.length)
	}
}

// Sync flushes the active segments to stable storage.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.syncLocked()
}

func (s *Store) syncLocked() error {
	for f := range s.segments {
		if n := len(s.segments[f]); n > 0 {
			if err := s.segments[f][n-1].sync(); err != nil {
				return fmt.Errorf("sync %s: %w", s.segments[f][n-1].path, err)
			}
		}
	}
	return nil
}

// activeLocked returns the segment the next record of family f goes to and
// starts a new one if the record does not fit.
func (s *Store) activeLocked(f Family, size int64) (*segment, error) {
	segs := s.segments[f]
	active := segs[len(segs)-1]
	if active.size == segmentHeaderSize || active.size+size <= s.opts.MaxSegmentSize {
		return active, nil
	}

	if err := active.sync(); err != nil {
		return nil, fmt.Errorf("sync %s: %w", active.path, err)
	}
	next, err := createSegment(s.dir, s.meta.Generation, f, active.number+1)
	if err != nil {
		return nil, err
	}
	s.segments[f] = append(segs, next)
	return next, nil
}

func checkKey(f Family, identity string) error {
	if !f.valid() {
		return fmt.Errorf("invalid family %d", f)
	}
	if len(identity) == 0 || len(identity) > MaxIdentitySize {
		return fmt.Errorf("identity length %d out of range", len(identity))
	}
	return nil
}

// --------------------------------------------------------------------------
// Verify
// --------------------------------------------------------------------------

// VerifyReport is the result of Verify.
type VerifyReport struct {
	Checked int      `json:"checked"`
	Corrupt []string `json:"corrupt,omitempty"`
}

// Verify reads every indexed record and checks it. It does not modify the store.
func (s *Store) Verify() (VerifyReport, error) {
	var report VerifyReport
	var keys []slotKey
	s.Keys(func(f Family, identity string, _ int) bool {
		keys = append(keys, slotKey{f, identity})
		return true
	})
	for _, k := range keys {
		_, ok, err := s.Get(k.family, k.identity)
		if errors.Is(err, ErrClosed) {
			return report, err
		}
		if !ok && err == nil {
			continue // deleted meanwhile
		}
		report.Checked++
		if err != nil {
			report.Corrupt = append(report.Corrupt, fmt.Sprintf("%s/%s: %v", k.family, k.identity, err))
		}
	}
	return report, nil
}

var _ io.Closer = (*Store)(nil)

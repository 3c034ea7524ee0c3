package disk

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// crash closes the store the way a killed process would: data is synced but
// no snapshot is written.
func crash(t *testing.T, s *Store) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NoError(t, s.syncLocked())
	s.closed = true
	s.closeSegments()
	require.NoError(t, unlockDir(s.lock))
}

func openStore(t *testing.T, dir string, opts Options) *Store {
	t.Helper()
	s, err := Open(dir, "unit_1", opts)
	require.NoError(t, err)
	return s
}

func keysOf(s *Store) []string {
	var out []string
	s.Keys(func(f Family, identity string, _ int) bool {
		out = append(out, f.String()+"/"+identity)
		return true
	})
	return out
}

func requireValue(t *testing.T, s *Store, f Family, id, want string) {
	t.Helper()
	got, ok, err := s.Get(f, id)
	require.NoError(t, err)
	require.True(t, ok, "%s/%s should exist", f, id)
	require.Equal(t, want, string(got))
}

func requireMissing(t *testing.T, s *Store, f Family, id string) {
	t.Helper()
	_, ok, err := s.Get(f, id)
	require.NoError(t, err)
	require.False(t, ok, "%s/%s should not exist", f, id)
}

func TestPutGetDelete(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, DefaultOptions())

	require.NoError(t, s.Put(FamilySmall, "a", []byte("small a")))
	require.NoError(t, s.Put(FamilyLarge, "a", []byte("large a")))
	require.NoError(t, s.Put(FamilySmall, "b", []byte("b1")))
	require.NoError(t, s.Put(FamilySmall, "b", []byte("b2")))
	require.NoError(t, s.Delete(FamilySmall, "a"))
	require.NoError(t, s.Delete(FamilySmall, "never-stored"))

	requireMissing(t, s, FamilySmall, "a")
	requireValue(t, s, FamilyLarge, "a", "large a")
	requireValue(t, s, FamilySmall, "b", "b2")

	st := s.Stats()
	require.Equal(t, 2, st.Records)
	require.Greater(t, st.GarbageRatio, 0.0)
	require.NoError(t, s.Close())

	_, _, err := s.Get(FamilySmall, "b")
	require.ErrorIs(t, err, ErrClosed)

	s = openStore(t, dir, DefaultOptions())
	defer s.Close()
	require.True(t, s.Recovery().SnapshotUsed)
	require.Zero(t, s.Recovery().Replayed)
	if diff := cmp.Diff([]string{"small/b", "large/a"}, keysOf(s)); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
	requireValue(t, s, FamilySmall, "b", "b2")
	requireMissing(t, s, FamilySmall, "a")
}

func TestReplayWithoutSnapshot(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, DefaultOptions())
	require.NoError(t, s.Put(FamilySmall, "x", []byte("1")))
	require.NoError(t, s.Close())

	// tail written after the snapshot
	s = openStore(t, dir, DefaultOptions())
	require.NoError(t, s.Put(FamilySmall, "y", []byte("2")))
	require.NoError(t, s.Delete(FamilySmall, "x"))
	crash(t, s)

	s = openStore(t, dir, DefaultOptions())
	defer s.Close()
	rec := s.Recovery()
	require.True(t, rec.SnapshotUsed)
	require.Equal(t, 2, rec.Replayed)
	requireMissing(t, s, FamilySmall, "x")
	requireValue(t, s, FamilySmall, "y", "2")
}

func TestTornTailIsTruncated(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, DefaultOptions())
	for _, id := range []string{"k1", "k2", "k3"} {
		require.NoError(t, s.Put(FamilySmall, id, []byte("value of "+id)))
	}
	crash(t, s)

	path := filepath.Join(dir, segmentName(FamilySmall, 1))
	st, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, st.Size()-3))

	s = openStore(t, dir, DefaultOptions())
	defer s.Close()

	rec := s.Recovery()
	require.False(t, rec.SnapshotUsed)
	require.Equal(t, int64(recordHeaderSize+2+len("value of k3")-3), rec.TruncatedBytes)
	requireValue(t, s, FamilySmall, "k1", "value of k1")
	requireValue(t, s, FamilySmall, "k2", "value of k2")
	requireMissing(t, s, FamilySmall, "k3")

	// the unit keeps working after the repair
	require.NoError(t, s.Put(FamilySmall, "k3", []byte("again")))
	requireValue(t, s, FamilySmall, "k3", "again")
}

func TestZeroedLastSegmentIsRemoved(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, DefaultOptions())
	require.NoError(t, s.Put(FamilySmall, "k1", []byte("v1")))
	require.NoError(t, s.Put(FamilySmall, "k2", []byte("v2")))
	crash(t, s)

	// a rotation that got its length but not its header onto the disk
	path := filepath.Join(dir, segmentName(FamilySmall, 2))
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o644))

	s = openStore(t, dir, DefaultOptions())
	defer s.Close()

	rec := s.Recovery()
	require.False(t, rec.Reset)
	require.Equal(t, 1, rec.RemovedSegments)
	requireValue(t, s, FamilySmall, "k1", "v1")
	requireValue(t, s, FamilySmall, "k2", "v2")
	_, err := os.Stat(path)
	require.True(t, errors.Is(err, os.ErrNotExist))

	require.NoError(t, s.Put(FamilySmall, "k3", []byte("v3")))
	requireValue(t, s, FamilySmall, "k3", "v3")
}

func TestCorruptRecordRemovesLaterSegments(t *testing.T) {
	dir := t.TempDir()
	// every record gets its own segment
	opts := Options{MaxSegmentSize: 64}
	s := openStore(t, dir, opts)
	for _, id := range []string{"k1", "k2", "k3", "k4"} {
		require.NoError(t, s.Put(FamilySmall, id, []byte("0123456789")))
	}
	require.Equal(t, 5, s.Stats().Segments) // 4 small + 1 large
	crash(t, s)

	// flip a value byte of the record in segment 2
	f, err := os.OpenFile(filepath.Join(dir, segmentName(FamilySmall, 2)), os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{'X'}, segmentHeaderSize+recordHeaderSize+2)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s = openStore(t, dir, opts)
	defer s.Close()

	rec := s.Recovery()
	require.Equal(t, 2, rec.RemovedSegments)
	requireValue(t, s, FamilySmall, "k1", "0123456789")
	for _, id := range []string{"k2", "k3", "k4"} {
		requireMissing(t, s, FamilySmall, id)
	}
	_, err = os.Stat(filepath.Join(dir, segmentName(FamilySmall, 3)))
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestCorruptSnapshotFallsBackToReplay(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, DefaultOptions())
	require.NoError(t, s.Put(FamilyLarge, "blob", []byte("payload")))
	require.NoError(t, s.Close())

	path := filepath.Join(dir, snapshotFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(snapshotMagic)+3] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	s = openStore(t, dir, DefaultOptions())
	defer s.Close()
	require.False(t, s.Recovery().SnapshotUsed)
	requireValue(t, s, FamilyLarge, "blob", "payload")
}

func TestBrokenUnitIsReset(t *testing.T) {
	cases := map[string]func(t *testing.T, dir string){
		"garbage meta": func(t *testing.T, dir string) {
			require.NoError(t, os.WriteFile(filepath.Join(dir, metaFile), []byte("{not json"), 0o644))
		},
		"format mismatch": func(t *testing.T, dir string) {
			m, err := readMeta(dir, "unit_1")
			require.NoError(t, err)
			m.Format = FormatVersion + 1
			require.NoError(t, writeMeta(dir, m))
		},
		"foreign generation": func(t *testing.T, dir string) {
			m, err := readMeta(dir, "unit_1")
			require.NoError(t, err)
			m.Generation = uuid.New()
			require.NoError(t, writeMeta(dir, m))
		},
		"missing meta": func(t *testing.T, dir string) {
			require.NoError(t, os.Remove(filepath.Join(dir, metaFile)))
		},
	}

	for name, damage := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			s := openStore(t, dir, DefaultOptions())
			require.NoError(t, s.Put(FamilySmall, "k", []byte("v")))
			require.NoError(t, s.Close())

			damage(t, dir)

			s, err := Open(dir, "unit_1", DefaultOptions())
			require.ErrorIs(t, err, ErrBroken)
			require.NotNil(t, s)
			defer s.Close()

			require.True(t, s.Recovery().Reset)
			requireMissing(t, s, FamilySmall, "k")
			require.NoError(t, s.Put(FamilySmall, "k", []byte("fresh")))
			requireValue(t, s, FamilySmall, "k", "fresh")
		})
	}
}

func TestLocked(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, DefaultOptions())

	other, err := Open(dir, "unit_1", DefaultOptions())
	require.ErrorIs(t, err, ErrLocked)
	require.Nil(t, other)

	require.ErrorIs(t, Destroy(dir), ErrLocked)
	require.NoError(t, s.Close())

	s = openStore(t, dir, DefaultOptions())
	require.NoError(t, s.Close())
}

func TestGetCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, DefaultOptions())
	defer s.Close()
	require.NoError(t, s.Put(FamilySmall, "k", []byte("value")))
	require.NoError(t, s.Sync())

	f, err := os.OpenFile(filepath.Join(dir, segmentName(FamilySmall, 1)), os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{'#'}, segmentHeaderSize+recordHeaderSize+1)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, ok, err := s.Get(FamilySmall, "k")
	require.ErrorIs(t, err, ErrCorrupt)
	require.False(t, ok)

	report, err := s.Verify()
	require.NoError(t, err)
	require.Equal(t, 1, report.Checked)
	require.Len(t, report.Corrupt, 1)

	s.Drop(FamilySmall, "k")
	requireMissing(t, s, FamilySmall, "k")
}

func TestCompact(t *testing.T) {
	dir := t.TempDir()
	opts := Options{MaxSegmentSize: 256}
	s := openStore(t, dir, opts)

	for round := 0; round < 5; round++ {
		for _, id := range []string{"a", "b", "c", "d"} {
			require.NoError(t, s.Put(FamilySmall, id, []byte(id+"-value-"+string(rune('0'+round)))))
		}
	}
	require.NoError(t, s.Delete(FamilySmall, "d"))
	require.NoError(t, s.Put(FamilyLarge, "big", make([]byte, 1000)))

	before := s.Stats()
	require.Greater(t, before.GarbageRatio, 0.2)

	stats, err := s.Compact()
	require.NoError(t, err)
	require.Equal(t, 4, stats.Records)
	require.Zero(t, stats.Dropped)
	require.Less(t, stats.BytesAfter, stats.BytesBefore)

	after := s.Stats()
	require.Equal(t, 4, after.Records)
	require.InDelta(t, 0.0, after.GarbageRatio, 1e-9)
	requireValue(t, s, FamilySmall, "a", "a-value-4")
	requireMissing(t, s, FamilySmall, "d")

	// writes continue into the compacted segments
	require.NoError(t, s.Put(FamilySmall, "e", []byte("new")))
	require.NoError(t, s.Close())

	s = openStore(t, dir, opts)
	defer s.Close()
	if diff := cmp.Diff([]string{"small/a", "small/b", "small/c", "small/e", "large/big"}, keysOf(s)); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
	requireValue(t, s, FamilySmall, "c", "c-value-4")
	requireValue(t, s, FamilySmall, "e", "new")

	// segment 1 of each family was replaced
	_, err = os.Stat(filepath.Join(dir, segmentName(FamilySmall, 1)))
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestCompactionLeftoversAreRemoved(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, DefaultOptions())
	require.NoError(t, s.Put(FamilySmall, "k", []byte("v")))
	_, err := s.Compact()
	require.NoError(t, err)
	gen := s.Meta().Generation
	require.NoError(t, s.Close())

	// an old segment a crash left behind after the snapshot was written
	leftover, err := createSegment(dir, gen, FamilySmall, 1)
	require.NoError(t, err)
	_, err = leftover.append(encodeRecord(opPut, FamilySmall, "k", []byte("stale")))
	require.NoError(t, err)
	require.NoError(t, leftover.close())

	s = openStore(t, dir, DefaultOptions())
	defer s.Close()
	require.Equal(t, 1, s.Recovery().RemovedSegments)
	requireValue(t, s, FamilySmall, "k", "v")
}

func TestDestroy(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "unit_1")
	s := openStore(t, dir, DefaultOptions())
	require.NoError(t, s.Put(FamilySmall, "k", []byte("v")))
	require.NoError(t, s.Close())

	require.NoError(t, Destroy(dir))
	_, err := os.Stat(dir)
	require.True(t, errors.Is(err, os.ErrNotExist))
	require.NoError(t, Destroy(dir))
}

func TestSegmentNames(t *testing.T) {
	f, n, ok := parseSegmentName(segmentName(FamilyLarge, 42))
	require.True(t, ok)
	require.Equal(t, FamilyLarge, f)
	require.Equal(t, uint32(42), n)

	for _, name := range []string{"index.snap", "small-x.seg", "medium-000001.seg", "small000001.seg"} {
		_, _, ok := parseSegmentName(name)
		require.False(t, ok, name)
	}
}

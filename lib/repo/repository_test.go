package repo_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ValentinKolb/objrepo/lib/codec"
	"github.com/ValentinKolb/objrepo/lib/keys"
	"github.com/ValentinKolb/objrepo/lib/repo"
	repotesting "github.com/ValentinKolb/objrepo/lib/repo/testing"
)

func newRepository(cfg repo.Config) (repo.IRepository, error) {
	return repo.New(cfg)
}

func TestRepository(t *testing.T) {
	repotesting.RunRepositoryTests(t, "Repository", newRepository)
}

func BenchmarkRepository(b *testing.B) {
	repotesting.RunRepositoryBenchmarks(b, "Repository", newRepository)
}

// --------------------------------------------------------------------------
// Scenarios
// --------------------------------------------------------------------------

func startRepository(t *testing.T, configure func(cfg *repo.Config)) (repo.IRepository, *repotesting.Recorder, repo.Config) {
	t.Helper()

	cfg := repo.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.SyncInterval = 10 * time.Millisecond
	rec := repotesting.NewRecorder()
	cfg.Observer = rec
	if configure != nil {
		configure(&cfg)
	}

	r, err := repo.New(cfg)
	require.NoError(t, err)
	require.NoError(t, r.Startup(repo.LevelDurable))
	t.Cleanup(func() { require.NoError(t, r.Shutdown()) })
	return r, rec, cfg
}

// A removed object stays invisible long after its remove reached the disk.
func TestRemovedObjectStaysRemoved(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 30s scenario in short mode")
	}

	r, rec, _ := startRepository(t, nil)
	require.NoError(t, r.OpenUnit("unit_1"))

	small := keys.Small("unit_1", "small_1")
	large := keys.Large("unit_1", "large_1")
	require.NoError(t, r.Put(small, keys.StringValue("small_obj_1")))
	require.NoError(t, r.Put(large, keys.BlobValue("large_obj_1")))

	v, found, err := r.Get(small)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, keys.StringValue("small_obj_1"), v)

	require.NoError(t, r.Flush("unit_1"))
	require.NoError(t, r.Remove(small))
	require.NoError(t, r.Remove(large))

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		_, found, err := r.Get(small)
		require.NoError(t, err)
		require.False(t, found)

		_, found, err = r.Get(large)
		require.NoError(t, err)
		require.False(t, found)

		time.Sleep(10 * time.Millisecond)
	}
	require.Zero(t, rec.Reads())
	require.EqualValues(t, 2, rec.Removes())
}

func TestBrokenUnitIsReset(t *testing.T) {
	r, _, cfg := startRepository(t, nil)
	require.NoError(t, r.OpenUnit("unit_1"))

	key := keys.Small("unit_1", "k")
	require.NoError(t, r.Put(key, keys.StringValue("v1")))
	require.NoError(t, r.Shutdown())

	meta := filepath.Join(cfg.DataDir, "unit_1", "UNIT")
	require.NoError(t, os.WriteFile(meta, []byte("not json"), 0o644))

	require.NoError(t, r.Startup(repo.LevelDurable))
	err := r.OpenUnit("unit_1")
	require.ErrorIs(t, err, repo.ErrUnitBroken)

	info := r.Info()
	require.Len(t, info.Units, 1)
	require.Equal(t, "broken", info.Units[0].State)
	require.NotNil(t, info.Units[0].Recovery)
	require.True(t, info.Units[0].Recovery.Reset)

	// the reset unit is empty but usable
	_, found, err := r.Get(key)
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, r.Put(key, keys.StringValue("v2")))

	require.NoError(t, r.Shutdown())
	require.NoError(t, r.Startup(repo.LevelDurable))
	require.NoError(t, r.OpenUnit("unit_1"))

	v, found, err := r.Get(key)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, keys.StringValue("v2"), v)
}

func TestLockedUnit(t *testing.T) {
	r, _, cfg := startRepository(t, nil)
	require.NoError(t, r.OpenUnit("unit_1"))

	other, err := repo.New(cfg)
	require.NoError(t, err)
	require.NoError(t, other.Startup(repo.LevelDurable))
	defer other.Shutdown()

	require.ErrorIs(t, other.OpenUnit("unit_1"), repo.ErrUnitLocked)
	require.ErrorIs(t, other.RemoveUnit("unit_1"), repo.ErrUnitLocked)

	require.NoError(t, r.CloseUnit("unit_1"))
	require.NoError(t, other.OpenUnit("unit_1"))
}

func TestUnitsAreIndependent(t *testing.T) {
	r, _, _ := startRepository(t, nil)
	require.NoError(t, r.OpenUnit("unit_1"))
	require.NoError(t, r.OpenUnit("unit_2"))

	require.NoError(t, r.Put(keys.Small("unit_1", "k"), keys.StringValue("one")))
	require.NoError(t, r.Put(keys.Small("unit_2", "k"), keys.StringValue("two")))
	require.NoError(t, r.Remove(keys.Small("unit_1", "k")))

	_, found, err := r.Get(keys.Small("unit_1", "k"))
	require.NoError(t, err)
	require.False(t, found)

	v, found, err := r.Get(keys.Small("unit_2", "k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, keys.StringValue("two"), v)

	info := r.Info()
	require.Len(t, info.Units, 2)
	require.Equal(t, repo.UnitID("unit_1"), info.Units[0].ID)
	require.Equal(t, repo.UnitID("unit_2"), info.Units[1].ID)
}

func TestCustomFactory(t *testing.T) {
	r, rec, _ := startRepository(t, nil)
	require.NoError(t, r.OpenUnit("unit_1"))

	key := keys.Small("unit_1", "blob").WithFactory(keys.BlobFactory)
	require.NoError(t, r.Put(key, keys.BlobValue{1, 2, 3}))
	require.NoError(t, r.Shutdown())
	require.NoError(t, r.Startup(repo.LevelDurable))
	require.NoError(t, r.OpenUnit("unit_1"))

	v, found, err := r.Get(key)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, keys.BlobValue{1, 2, 3}, v)
	require.Equal(t, 1, rec.ReadsOf(key))
}

func TestErrorCount(t *testing.T) {
	r, rec, _ := startRepository(t, nil)
	require.NoError(t, r.OpenUnit("unit_1"))

	_, err := r.ErrorCount("unit_2")
	require.ErrorIs(t, err, repo.ErrUnitNotOpen)

	unreadable := repo.FactoryFunc(func(*codec.Reader) (repo.Persistent, error) {
		return nil, errors.New("unsupported format")
	})
	key := keys.Small("unit_1", "bad").WithFactory(unreadable)
	require.NoError(t, r.Put(key, keys.StringValue("v")))
	require.NoError(t, r.Shutdown())
	require.NoError(t, r.Startup(repo.LevelDurable))
	require.NoError(t, r.OpenUnit("unit_1"))

	n, err := r.ErrorCount("unit_1")
	require.NoError(t, err)
	require.Zero(t, n)

	_, found, err := r.Get(key)
	require.NoError(t, err)
	require.False(t, found)

	n, err = r.ErrorCount("unit_1")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.EqualValues(t, 1, rec.Drops())
	require.EqualValues(t, 1, r.Info().Units[0].Errors)

	// the record is gone, later reads are plain misses
	_, found, err = r.Get(key)
	require.NoError(t, err)
	require.False(t, found)
	n, _ = r.ErrorCount("unit_1")
	require.EqualValues(t, 1, n)
}

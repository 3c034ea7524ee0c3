package testing

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/objrepo/lib/keys"
	"github.com/ValentinKolb/objrepo/lib/repo"
)

// RepositoryFactory creates a new, stopped repository for the given configuration.
type RepositoryFactory func(cfg repo.Config) (repo.IRepository, error)

// TombstonePollDuration is how long the suite polls a removed key.
var TombstonePollDuration = 2 * time.Second

// RunRepositoryTests runs a comprehensive test suite for an IRepository implementation.
func RunRepositoryTests(t *testing.T, name string, factory RepositoryFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Put&Get", func(t *testing.T) {
			testPutGet(t, factory)
		})

		t.Run("TombstoneOpacity", func(t *testing.T) {
			testTombstoneOpacity(t, factory)
		})

		t.Run("SurvivesRestart", func(t *testing.T) {
			testSurvivesRestart(t, factory)
		})

		t.Run("RemoveSurvivesRestart", func(t *testing.T) {
			testRemoveSurvivesRestart(t, factory)
		})

		t.Run("TryGetNeverReads", func(t *testing.T) {
			testTryGetNeverReads(t, factory)
		})

		t.Run("KeyValidation", func(t *testing.T) {
			testKeyValidation(t, factory)
		})

		t.Run("Lifecycle", func(t *testing.T) {
			testLifecycle(t, factory)
		})

		t.Run("CloseAndRemoveUnit", func(t *testing.T) {
			testCloseAndRemoveUnit(t, factory)
		})

		t.Run("LargeObjects", func(t *testing.T) {
			testLargeObjects(t, factory)
		})

		t.Run("MemoryLevel", func(t *testing.T) {
			testMemoryLevel(t, factory)
		})

		t.Run("Evictable", func(t *testing.T) {
			testEvictable(t, factory)
		})

		t.Run("Hang", func(t *testing.T) {
			testHang(t, factory)
		})

		t.Run("Compact", func(t *testing.T) {
			testCompact(t, factory)
		})

		t.Run("ConcurrentAccess", func(t *testing.T) {
			testConcurrentAccess(t, factory)
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

const testUnit = repo.UnitID("unit_1")

type harness struct {
	t     testing.TB
	r     repo.IRepository
	rec   *Recorder
	cfg   repo.Config
	level repo.Level
}

// newHarness creates a repository in a temporary directory with a Recorder as observer.
func newHarness(t testing.TB, factory RepositoryFactory, configure func(cfg *repo.Config)) *harness {
	t.Helper()

	cfg := repo.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.SyncInterval = 10 * time.Millisecond
	cfg.RetryDelay = time.Millisecond
	rec := NewRecorder()
	cfg.Observer = rec
	if configure != nil {
		configure(&cfg)
	}

	r, err := factory(cfg)
	if err != nil {
		t.Fatalf("Failed to create repository: %v", err)
	}
	h := &harness{t: t, r: r, rec: rec, cfg: cfg, level: repo.LevelDurable}
	t.Cleanup(func() {
		if err := r.Shutdown(); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	})
	return h
}

// start starts the repository and opens the given units.
func (h *harness) start(level repo.Level, units ...repo.UnitID) {
	h.t.Helper()
	h.level = level
	if err := h.r.Startup(level); err != nil {
		h.t.Fatalf("Startup failed: %v", err)
	}
	for _, id := range units {
		if err := h.r.OpenUnit(id); err != nil {
			h.t.Fatalf("OpenUnit(%s) failed: %v", id, err)
		}
	}
}

// restart shuts the repository down and starts it again with the same level.
func (h *harness) restart(units ...repo.UnitID) {
	h.t.Helper()
	if err := h.r.Shutdown(); err != nil {
		h.t.Fatalf("Shutdown failed: %v", err)
	}
	h.start(h.level, units...)
}

func (h *harness) put(key repo.Key, value repo.Persistent) {
	h.t.Helper()
	if err := h.r.Put(key, value); err != nil {
		h.t.Fatalf("Put(%q) failed: %v", key.Identity(), err)
	}
}

func (h *harness) remove(key repo.Key) {
	h.t.Helper()
	if err := h.r.Remove(key); err != nil {
		h.t.Fatalf("Remove(%q) failed: %v", key.Identity(), err)
	}
}

func (h *harness) flush(id repo.UnitID) {
	h.t.Helper()
	if err := h.r.Flush(id); err != nil {
		h.t.Fatalf("Flush(%s) failed: %v", id, err)
	}
}

// expect checks that Get returns want (nil means absent).
func (h *harness) expect(key repo.Key, want repo.Persistent) {
	h.t.Helper()
	got, found, err := h.r.Get(key)
	h.compare("Get", key, got, found, err, want)
}

// expectCached checks that TryGet returns want (nil means absent).
func (h *harness) expectCached(key repo.Key, want repo.Persistent) {
	h.t.Helper()
	got, found, err := h.r.TryGet(key)
	h.compare("TryGet", key, got, found, err, want)
}

func (h *harness) compare(op string, key repo.Key, got repo.Persistent, found bool, err error, want repo.Persistent) {
	h.t.Helper()
	if err != nil {
		h.t.Fatalf("%s(%q) failed: %v", op, key.Identity(), err)
	}
	if want == nil {
		if found {
			h.t.Errorf("%s(%q): expected absent, got %v", op, key.Identity(), got)
		}
		return
	}
	if !found {
		h.t.Errorf("%s(%q): expected %v, got absent", op, key.Identity(), want)
		return
	}
	if !equalValues(got, want) {
		h.t.Errorf("%s(%q): expected %v, got %v", op, key.Identity(), want, got)
	}
}

func equalValues(a, b repo.Persistent) bool {
	ab, aok := a.(keys.BlobValue)
	bb, bok := b.(keys.BlobValue)
	if aok && bok {
		return bytes.Equal(ab, bb)
	}
	return a == b
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testPutGet(t *testing.T, factory RepositoryFactory) {
	h := newHarness(t, factory, nil)
	h.start(repo.LevelDurable, testUnit)

	small := keys.Small(testUnit, "small_1")
	large := keys.Large(testUnit, "large_1")

	h.put(small, keys.StringValue("small_obj_1"))
	h.put(large, keys.BlobValue("large_obj_1"))
	h.expect(small, keys.StringValue("small_obj_1"))
	h.expect(large, keys.BlobValue("large_obj_1"))

	h.put(small, keys.StringValue("small_obj_2"))
	h.expect(small, keys.StringValue("small_obj_2"))
	h.expectCached(small, keys.StringValue("small_obj_2"))

	// small and large keys with the same identity are different objects
	h.put(keys.Large(testUnit, "small_1"), keys.BlobValue("other"))
	h.expect(small, keys.StringValue("small_obj_2"))

	h.expect(keys.Small(testUnit, "never-stored"), nil)

	if reads := h.rec.Reads(); reads != 0 {
		t.Errorf("Expected no physical reads for resident values, got %d", reads)
	}
}

func testTombstoneOpacity(t *testing.T, factory RepositoryFactory) {
	h := newHarness(t, factory, nil)
	h.start(repo.LevelDurable, testUnit)

	small := keys.Small(testUnit, "small_1")
	large := keys.Large(testUnit, "large_1")
	h.put(small, keys.StringValue("small_obj_1"))
	h.put(large, keys.BlobValue("large_obj_1"))
	h.flush(testUnit)

	h.remove(small)
	h.remove(large)

	deadline := time.Now().Add(TombstonePollDuration)
	for time.Now().Before(deadline) {
		h.expect(small, nil)
		h.expect(large, nil)
		h.expectCached(small, nil)
		if t.Failed() {
			return
		}
		time.Sleep(time.Millisecond)
	}

	if reads := h.rec.Reads(); reads != 0 {
		t.Errorf("Expected no physical reads after remove, got %d", reads)
	}
}

func testSurvivesRestart(t *testing.T, factory RepositoryFactory) {
	h := newHarness(t, factory, nil)
	h.start(repo.LevelDurable, testUnit)

	small := keys.Small(testUnit, "small_1")
	large := keys.Large(testUnit, "large_1")
	h.put(small, keys.StringValue("small_obj_1"))
	h.put(large, keys.BlobValue("large_obj_1"))

	h.restart(testUnit)

	h.expect(small, keys.StringValue("small_obj_1"))
	h.expect(large, keys.BlobValue("large_obj_1"))
	h.expect(small, keys.StringValue("small_obj_1"))

	if n := h.rec.ReadsOf(small); n != 1 {
		t.Errorf("Expected exactly one physical read of %q, got %d", small.Identity(), n)
	}
	if n := h.rec.ReadsOf(large); n != 1 {
		t.Errorf("Expected exactly one physical read of %q, got %d", large.Identity(), n)
	}
}

func testRemoveSurvivesRestart(t *testing.T, factory RepositoryFactory) {
	h := newHarness(t, factory, nil)
	h.start(repo.LevelDurable, testUnit)

	small := keys.Small(testUnit, "small_1")
	h.put(small, keys.StringValue("small_obj_1"))
	h.restart(testUnit)

	h.expect(small, keys.StringValue("small_obj_1"))
	h.remove(small)
	for i := 0; i < 100; i++ {
		h.expect(small, nil)
	}
	if n := h.rec.ReadsOf(small); n != 1 {
		t.Errorf("Expected exactly one physical read, got %d", n)
	}

	h.restart(testUnit)
	h.expect(small, nil)
	if n := h.rec.ReadsOf(small); n != 1 {
		t.Errorf("Removed key must not be read after restart, got %d reads", n)
	}
}

func testTryGetNeverReads(t *testing.T, factory RepositoryFactory) {
	h := newHarness(t, factory, nil)
	h.start(repo.LevelDurable, testUnit)

	small := keys.Small(testUnit, "small_1")
	h.put(small, keys.StringValue("small_obj_1"))
	h.restart(testUnit)

	h.expectCached(small, nil)
	if n := h.rec.Reads(); n != 0 {
		t.Errorf("TryGet must not read from disk, got %d reads", n)
	}

	h.expect(small, keys.StringValue("small_obj_1"))
	if n := h.rec.ReadsOf(small); n != 1 {
		t.Errorf("Expected exactly one physical read, got %d", n)
	}
	h.expectCached(small, keys.StringValue("small_obj_1"))
}

func testKeyValidation(t *testing.T, factory RepositoryFactory) {
	key := keys.Small(testUnit, "small_1")

	t.Run("Enabled", func(t *testing.T) {
		h := newHarness(t, factory, func(cfg *repo.Config) { cfg.ValidateKeys = true })
		h.start(repo.LevelDurable, testUnit)

		h.put(key, keys.StringValue("small_obj_1"))
		// the same content again is not a collision
		h.put(key, keys.StringValue("small_obj_1"))

		err := h.r.Put(key, keys.StringValue("different"))
		if !errors.Is(err, repo.ErrKeyCollision) {
			t.Errorf("Expected ErrKeyCollision, got %v", err)
		}
		h.expect(key, keys.StringValue("small_obj_1"))

		// a removed key may be reused
		h.remove(key)
		h.put(key, keys.StringValue("different"))
		h.expect(key, keys.StringValue("different"))
	})

	t.Run("Disabled", func(t *testing.T) {
		h := newHarness(t, factory, nil)
		h.start(repo.LevelDurable, testUnit)

		h.put(key, keys.StringValue("small_obj_1"))
		h.put(key, keys.StringValue("different"))
		h.expect(key, keys.StringValue("different"))
	})
}

func testLifecycle(t *testing.T, factory RepositoryFactory) {
	h := newHarness(t, factory, nil)
	key := keys.Small(testUnit, "k")

	if err := h.r.Put(key, keys.StringValue("v")); !errors.Is(err, repo.ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning before Startup, got %v", err)
	}
	if _, _, err := h.r.Get(key); !errors.Is(err, repo.ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning before Startup, got %v", err)
	}
	if err := h.r.Startup(repo.Level(7)); !errors.Is(err, repo.ErrInvalidLevel) {
		t.Errorf("Expected ErrInvalidLevel, got %v", err)
	}

	h.start(repo.LevelDurable)
	if err := h.r.Startup(repo.LevelDurable); err != nil {
		t.Errorf("Startup with the same level should be a no-op, got %v", err)
	}
	if err := h.r.Startup(repo.LevelMemory); !errors.Is(err, repo.ErrLevelMismatch) {
		t.Errorf("Expected ErrLevelMismatch, got %v", err)
	}

	if _, _, err := h.r.Get(key); !errors.Is(err, repo.ErrUnitNotOpen) {
		t.Errorf("Expected ErrUnitNotOpen, got %v", err)
	}
	if _, _, err := h.r.TryGet(key); !errors.Is(err, repo.ErrUnitNotOpen) {
		t.Errorf("Expected ErrUnitNotOpen, got %v", err)
	}
	for _, id := range []repo.UnitID{"", "..", "a/b", "with space"} {
		if err := h.r.OpenUnit(id); !errors.Is(err, repo.ErrInvalidUnit) {
			t.Errorf("Expected ErrInvalidUnit for %q, got %v", id, err)
		}
	}

	for i := 0; i < 3; i++ {
		if err := h.r.OpenUnit(testUnit); err != nil {
			t.Fatalf("OpenUnit should be idempotent, got %v", err)
		}
	}
	if err := h.r.Put(nil, keys.StringValue("v")); !errors.Is(err, repo.ErrNilKey) {
		t.Errorf("Expected ErrNilKey, got %v", err)
	}
	if err := h.r.Put(key, nil); !errors.Is(err, repo.ErrNilValue) {
		t.Errorf("Expected ErrNilValue, got %v", err)
	}

	h.put(key, keys.StringValue("v"))
	if err := h.r.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := h.r.Shutdown(); err != nil {
		t.Errorf("Shutdown of a stopped repository should be a no-op, got %v", err)
	}
	if _, _, err := h.r.Get(key); !errors.Is(err, repo.ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning after Shutdown, got %v", err)
	}
	if info := h.r.Info(); info.Running || len(info.Units) != 0 {
		t.Errorf("Expected a stopped repository without units, got %+v", info)
	}
}

func testCloseAndRemoveUnit(t *testing.T, factory RepositoryFactory) {
	h := newHarness(t, factory, nil)
	h.start(repo.LevelDurable, testUnit, "unit_2")

	key := keys.Small(testUnit, "k")
	other := keys.Small("unit_2", "k")
	h.put(key, keys.StringValue("v1"))
	h.put(other, keys.StringValue("v2"))

	if err := h.r.CloseUnit(testUnit); err != nil {
		t.Fatalf("CloseUnit failed: %v", err)
	}
	if _, _, err := h.r.Get(key); !errors.Is(err, repo.ErrUnitNotOpen) {
		t.Errorf("Expected ErrUnitNotOpen after CloseUnit, got %v", err)
	}
	h.expect(other, keys.StringValue("v2"))

	if err := h.r.OpenUnit(testUnit); err != nil {
		t.Fatalf("OpenUnit failed: %v", err)
	}
	h.expect(key, keys.StringValue("v1"))

	if err := h.r.RemoveUnit(testUnit); err != nil {
		t.Fatalf("RemoveUnit failed: %v", err)
	}
	if err := h.r.OpenUnit(testUnit); err != nil {
		t.Fatalf("OpenUnit failed: %v", err)
	}
	h.expect(key, nil)
	h.expect(other, keys.StringValue("v2"))
}

func testLargeObjects(t *testing.T, factory RepositoryFactory) {
	h := newHarness(t, factory, func(cfg *repo.Config) { cfg.MaxSegmentSize = 1 << 20 })
	h.start(repo.LevelDurable, testUnit)

	rnd := rand.New(rand.NewSource(1))
	values := make(map[string]keys.BlobValue)
	for i := 0; i < 4; i++ {
		v := make(keys.BlobValue, (i+1)<<19)
		rnd.Read(v)
		id := fmt.Sprintf("large_%d", i)
		values[id] = v
		h.put(keys.Large(testUnit, id), v)
	}

	h.restart(testUnit)
	for id, v := range values {
		h.expect(keys.Large(testUnit, id), v)
	}
}

func testMemoryLevel(t *testing.T, factory RepositoryFactory) {
	h := newHarness(t, factory, nil)
	h.start(repo.LevelMemory, testUnit)

	key := keys.Small(testUnit, "small_1")
	h.put(key, keys.StringValue("small_obj_1"))
	h.expect(key, keys.StringValue("small_obj_1"))
	h.flush(testUnit)
	h.expect(key, keys.StringValue("small_obj_1"))
	h.remove(key)
	h.flush(testUnit)
	h.expect(key, nil)

	if h.rec.Writes() != 0 || h.rec.Reads() != 0 {
		t.Errorf("Memory level must not touch the disk, got %d writes and %d reads", h.rec.Writes(), h.rec.Reads())
	}
	entries, err := os.ReadDir(h.cfg.DataDir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Memory level must not create files, found %d", len(entries))
	}

	// nothing survives a restart
	h.restart(testUnit)
	h.put(keys.Small(testUnit, "other"), keys.StringValue("x"))
	h.expect(key, nil)
}

func testEvictable(t *testing.T, factory RepositoryFactory) {
	const size = 10
	h := newHarness(t, factory, func(cfg *repo.Config) {
		cfg.CachePolicy = repo.CacheEvictable
		cfg.CacheSize = size
	})
	h.start(repo.LevelDurable, testUnit)

	for i := 0; i < 100; i++ {
		h.put(keys.Small(testUnit, fmt.Sprintf("k%d", i)), keys.StringValue(fmt.Sprintf("v%d", i)))
	}
	h.flush(testUnit)

	for i := 0; i < 100; i++ {
		h.expect(keys.Small(testUnit, fmt.Sprintf("k%d", i)), keys.StringValue(fmt.Sprintf("v%d", i)))
	}
	if h.rec.Reads() == 0 {
		t.Errorf("Expected evicted values to be read from disk")
	}

	info := h.r.Info()
	if len(info.Units) != 1 {
		t.Fatalf("Expected one unit, got %d", len(info.Units))
	}
	if info.Units[0].Cached > size {
		t.Errorf("Expected at most %d cached values, got %d", size, info.Units[0].Cached)
	}

	// pending writes and tombstones are never evicted
	for i := 0; i < 50; i++ {
		h.remove(keys.Small(testUnit, fmt.Sprintf("k%d", i)))
	}
	for i := 0; i < 50; i++ {
		h.expect(keys.Small(testUnit, fmt.Sprintf("k%d", i)), nil)
	}
}

func testHang(t *testing.T, factory RepositoryFactory) {
	h := newHarness(t, factory, func(cfg *repo.Config) {
		cfg.CachePolicy = repo.CacheEvictable
		cfg.CacheSize = 1
	})
	h.start(repo.LevelDurable, testUnit)

	hung := keys.Small(testUnit, "hung_1")
	if err := h.r.Hang(hung, keys.StringValue("memory only")); err != nil {
		t.Fatalf("Hang failed: %v", err)
	}
	if err := h.r.Hang(hung, nil); !errors.Is(err, repo.ErrNilValue) {
		t.Errorf("Expected ErrNilValue for a nil value, got %v", err)
	}

	// written keys cycle through the single cache slot
	for i := 0; i < 10; i++ {
		h.put(keys.Small(testUnit, fmt.Sprintf("k%d", i)), keys.StringValue("v"))
	}
	h.flush(testUnit)
	h.expectCached(hung, keys.StringValue("memory only"))

	if n := h.rec.Writes(); n != 10 {
		t.Errorf("Expected only the 10 put values to be written, got %d writes", n)
	}
	if info := h.r.Info(); len(info.Units) != 1 || info.Units[0].Hung != 1 {
		t.Errorf("Expected one hung value in Info, got %+v", info.Units)
	}

	h.restart(testUnit)
	h.expect(hung, nil)

	// a put replaces the hung value with a regular one
	if err := h.r.Hang(hung, keys.StringValue("memory only")); err != nil {
		t.Fatalf("Hang failed: %v", err)
	}
	h.put(hung, keys.StringValue("stored"))
	h.restart(testUnit)
	h.expect(hung, keys.StringValue("stored"))
}

func testCompact(t *testing.T, factory RepositoryFactory) {
	h := newHarness(t, factory, nil)
	h.start(repo.LevelDurable, testUnit)

	for round := 0; round < 10; round++ {
		for i := 0; i < 20; i++ {
			h.put(keys.Small(testUnit, fmt.Sprintf("k%d", i)), keys.StringValue(fmt.Sprintf("v%d-%d", i, round)))
		}
		h.flush(testUnit)
	}
	for i := 10; i < 20; i++ {
		h.remove(keys.Small(testUnit, fmt.Sprintf("k%d", i)))
	}

	stats, err := h.r.Compact(testUnit)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if stats.Records != 10 {
		t.Errorf("Expected 10 live records after compaction, got %d", stats.Records)
	}
	if stats.BytesAfter >= stats.BytesBefore {
		t.Errorf("Compaction should shrink the unit: %d -> %d", stats.BytesBefore, stats.BytesAfter)
	}

	h.restart(testUnit)
	for i := 0; i < 20; i++ {
		var want repo.Persistent
		if i < 10 {
			want = keys.StringValue(fmt.Sprintf("v%d-9", i))
		}
		h.expect(keys.Small(testUnit, fmt.Sprintf("k%d", i)), want)
	}
}

func testConcurrentAccess(t *testing.T, factory RepositoryFactory) {
	h := newHarness(t, factory, nil)
	h.start(repo.LevelDurable, testUnit)

	const workers = 8
	const opsPerWorker = 500
	const sharedKeys = 16

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(int64(w)))
			own := keys.Small(testUnit, fmt.Sprintf("worker-%d", w))

			for i := 0; i < opsPerWorker; i++ {
				// own key: the last write of this worker must win
				want := keys.StringValue(fmt.Sprintf("%d-%d", w, i))
				if err := h.r.Put(own, want); err != nil {
					t.Errorf("Put failed: %v", err)
					return
				}
				got, found, err := h.r.Get(own)
				if err != nil || !found || got != want {
					t.Errorf("read-your-writes violated: expected %v, got %v (found: %v, err: %v)", want, got, found, err)
					return
				}

				// shared keys: any outcome is valid, but no errors
				shared := keys.Small(testUnit, fmt.Sprintf("shared-%d", rnd.Intn(sharedKeys)))
				switch rnd.Intn(3) {
				case 0:
					err = h.r.Put(shared, keys.StringValue(fmt.Sprintf("%d", i)))
				case 1:
					err = h.r.Remove(shared)
				default:
					_, _, err = h.r.Get(shared)
				}
				if err != nil {
					t.Errorf("shared operation failed: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	// the state after a restart matches the state before
	before := make(map[string]repo.Persistent)
	for i := 0; i < sharedKeys; i++ {
		k := keys.Small(testUnit, fmt.Sprintf("shared-%d", i))
		v, found, _ := h.r.Get(k)
		if found {
			before[k.Identity()] = v
		}
	}

	h.restart(testUnit)
	for w := 0; w < workers; w++ {
		h.expect(keys.Small(testUnit, fmt.Sprintf("worker-%d", w)), keys.StringValue(fmt.Sprintf("%d-%d", w, opsPerWorker-1)))
	}
	for i := 0; i < sharedKeys; i++ {
		k := keys.Small(testUnit, fmt.Sprintf("shared-%d", i))
		h.expect(k, before[k.Identity()])
	}
}

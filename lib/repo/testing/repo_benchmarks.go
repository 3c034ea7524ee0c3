package testing

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/objrepo/lib/keys"
	"github.com/ValentinKolb/objrepo/lib/repo"
)

// RunRepositoryBenchmarks runs all benchmarks for an IRepository implementation.
func RunRepositoryBenchmarks(b *testing.B, name string, factory RepositoryFactory) {
	b.Run(name, func(b *testing.B) {
		b.Run("Put", func(b *testing.B) {
			benchmarkPut(b, factory)
		})

		b.Run("PutExisting", func(b *testing.B) {
			benchmarkPutExisting(b, factory)
		})

		b.Run("PutLarge", func(b *testing.B) {
			benchmarkPutLarge(b, factory)
		})

		b.Run("Get", func(b *testing.B) {
			benchmarkGet(b, factory)
		})

		b.Run("GetCold", func(b *testing.B) {
			benchmarkGetCold(b, factory)
		})

		b.Run("TryGet", func(b *testing.B) {
			benchmarkTryGet(b, factory)
		})

		b.Run("Remove", func(b *testing.B) {
			benchmarkRemove(b, factory)
		})

		b.Run("MixedUsage", func(b *testing.B) {
			benchmarkMixedUsage(b, factory)
		})

		b.Run("Flush", func(b *testing.B) {
			benchmarkFlush(b, factory)
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func benchKey(i int) keys.SmallKey {
	return keys.SmallID(testUnit, uint64(i))
}

func benchValue(i int) keys.StringValue {
	return keys.StringValue(fmt.Sprintf("test-value-%d", i))
}

// fill stores n small objects and waits until they are on disk.
func fill(h *harness, n int) {
	for i := 0; i < n; i++ {
		h.put(benchKey(i), benchValue(i))
	}
	h.flush(testUnit)
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

// Benchmark for Put with new keys
func benchmarkPut(b *testing.B, factory RepositoryFactory) {
	h := newHarness(b, factory, nil)
	h.start(repo.LevelDurable, testUnit)

	var next atomic.Int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			i := int(next.Add(1))
			_ = h.r.Put(benchKey(i), benchValue(i))
		}
	})
}

// Benchmark for Put over keys that are already stored
func benchmarkPutExisting(b *testing.B, factory RepositoryFactory) {
	h := newHarness(b, factory, nil)
	h.start(repo.LevelDurable, testUnit)

	const numKeys = 1000
	fill(h, numKeys)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			_ = h.r.Put(benchKey(counter%numKeys), benchValue(counter))
			counter++
		}
	})
}

// Benchmark for Put with 1 MiB objects
func benchmarkPutLarge(b *testing.B, factory RepositoryFactory) {
	h := newHarness(b, factory, func(cfg *repo.Config) { cfg.QueueCapacity = 64 })
	h.start(repo.LevelDurable, testUnit)

	value := make(keys.BlobValue, 1<<20)
	rand.New(rand.NewSource(1)).Read(value)

	var next atomic.Int64
	b.SetBytes(int64(len(value)))
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			i := next.Add(1)
			_ = h.r.Put(keys.Large(testUnit, fmt.Sprintf("large-%d", i)), value)
		}
	})
	b.StopTimer()
	h.flush(testUnit)
}

// Benchmark for Get on resident objects
func benchmarkGet(b *testing.B, factory RepositoryFactory) {
	h := newHarness(b, factory, nil)
	h.start(repo.LevelDurable, testUnit)

	const numKeys = 1000
	fill(h, numKeys)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			_, _, _ = h.r.Get(benchKey(counter % numKeys))
			counter++
		}
	})
}

// Benchmark for Get that has to load every object from disk
func benchmarkGetCold(b *testing.B, factory RepositoryFactory) {
	h := newHarness(b, factory, nil)
	h.start(repo.LevelDurable, testUnit)

	fill(h, b.N)
	h.restart(testUnit)

	var next atomic.Int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _, _ = h.r.Get(benchKey(int(next.Add(1) - 1)))
		}
	})
}

// Benchmark for TryGet on resident objects
func benchmarkTryGet(b *testing.B, factory RepositoryFactory) {
	h := newHarness(b, factory, nil)
	h.start(repo.LevelDurable, testUnit)

	const numKeys = 1000
	fill(h, numKeys)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			_, _, _ = h.r.TryGet(benchKey(counter % numKeys))
			counter++
		}
	})
}

// Benchmark for Remove of stored objects
func benchmarkRemove(b *testing.B, factory RepositoryFactory) {
	h := newHarness(b, factory, nil)
	h.start(repo.LevelDurable, testUnit)

	fill(h, b.N)

	var next atomic.Int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = h.r.Remove(benchKey(int(next.Add(1) - 1)))
		}
	})
}

// Benchmark for a mix of 50% Get, 30% Put and 20% Remove
func benchmarkMixedUsage(b *testing.B, factory RepositoryFactory) {
	h := newHarness(b, factory, nil)
	h.start(repo.LevelDurable, testUnit)

	const numKeys = 1000
	fill(h, numKeys)

	var seed atomic.Int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		rnd := rand.New(rand.NewSource(seed.Add(1)))
		for pb.Next() {
			i := rnd.Intn(numKeys)
			switch op := rnd.Intn(10); {
			case op < 5:
				_, _, _ = h.r.Get(benchKey(i))
			case op < 8:
				_ = h.r.Put(benchKey(i), benchValue(i))
			default:
				_ = h.r.Remove(benchKey(i))
			}
		}
	})
}

// Benchmark for Flush after a small batch of writes
func benchmarkFlush(b *testing.B, factory RepositoryFactory) {
	h := newHarness(b, factory, nil)
	h.start(repo.LevelDurable, testUnit)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for j := 0; j < 10; j++ {
			_ = h.r.Put(benchKey(j), benchValue(i))
		}
		if err := h.r.Flush(testUnit); err != nil {
			b.Fatalf("Flush failed: %v", err)
		}
	}
}

// Package repo implements a persistent object repository: a key-value store
// that caches deserialized objects in memory and writes them behind to disk.
//
// Objects live in units. A unit is an independent persistence domain with its
// own key space, cache, write queue and directory. Within a unit an object is
// named by its Kind (small or large) and an opaque identity.
//
// The cache is the single authority for the state of a key:
//
//   - Present(value): Get and TryGet return the value without touching disk.
//   - Tombstone: the key was removed. Get and TryGet report it as not found
//     without touching disk until a later Put.
//   - Absent (no entry): TryGet reports not found, Get loads the object from disk.
//
// Put and Remove update the cache synchronously and queue a write ticket for
// the unit's writer goroutine, the only goroutine writing the unit's disk
// store. While a ticket is still queued, newer mutations of the same key
// replace its payload and keep its position, so a put followed by a remove
// always reaches the disk in that order.
//
// Usage:
//
//	r, _ := repo.New(repo.DefaultConfig())
//	_ = r.Startup(repo.LevelDurable)
//	defer r.Shutdown()
//
//	_ = r.OpenUnit("small_1")
//	_ = r.Put(key, value)
//	v, found, _ := r.Get(key)
//
// The lib/keys package provides ready-made keys and values, lib/repo/testing a
// conformance suite for IRepository implementations.
package repo

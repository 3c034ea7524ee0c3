// Package disk implements the per-unit disk store of the object repository.
//
// A unit lives in its own directory:
//
//	<dir>/UNIT                 JSON meta data (format, unit id, generation)
//	<dir>/LOCK                 exclusive flock while the unit is open
//	<dir>/small-000001.seg     append-only log segments for small keys
//	<dir>/large-000001.seg     append-only log segments for large keys
//	<dir>/index.snap           index snapshot, written on close and after compaction
//
// Every mutation is appended as a checksummed record to the active segment of
// its family. The in-memory index maps (family, identity) to the location of
// the latest put record. On Open the snapshot is loaded and the segment tails
// behind it are replayed. A structurally invalid record (torn write after a
// crash) truncates its segment and all later segments of the same family, so
// the recovered state is always a prefix of the applied mutations.
//
// Damage that can not be repaired that way (unreadable meta data, foreign or
// unknown segment headers) resets the unit: Open wipes its files and returns an
// empty, usable store together with an error wrapping ErrBroken.
//
// Thread-safety: a Store allows any number of concurrent readers (Get, Verify,
// Keys, Stats) but expects a single goroutine to mutate it (Put, Delete, Sync,
// Compact, Close).
package disk

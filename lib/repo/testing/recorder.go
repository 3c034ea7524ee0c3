package testing

import (
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/objrepo/lib/repo"
)

// Recorder is a repo.Observer that counts notifications.
//
// Thread-safety: all methods are safe for concurrent use.
type Recorder struct {
	reads   atomic.Int64
	writes  atomic.Int64
	removes atomic.Int64
	drops   atomic.Int64

	mu         sync.Mutex
	readsByKey map[string]int
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{readsByKey: make(map[string]int)}
}

func recorderKey(unit repo.UnitID, kind repo.Kind, identity string) string {
	return string(unit) + "/" + kind.String() + "/" + identity
}

func (r *Recorder) OnRead(unit repo.UnitID, kind repo.Kind, identity string, _ int) {
	r.reads.Add(1)
	r.mu.Lock()
	r.readsByKey[recorderKey(unit, kind, identity)]++
	r.mu.Unlock()
}

func (r *Recorder) OnWrite(repo.UnitID, repo.Kind, string, int) {
	r.writes.Add(1)
}

func (r *Recorder) OnRemove(repo.UnitID, repo.Kind, string) {
	r.removes.Add(1)
}

func (r *Recorder) OnDrop(repo.UnitID, repo.Kind, string, repo.DropReason) {
	r.drops.Add(1)
}

// Reads returns the number of physical reads.
func (r *Recorder) Reads() int64 { return r.reads.Load() }

// Writes returns the number of physical writes.
func (r *Recorder) Writes() int64 { return r.writes.Load() }

// Removes returns the number of physical deletes.
func (r *Recorder) Removes() int64 { return r.removes.Load() }

// Drops returns the number of dropped objects.
func (r *Recorder) Drops() int64 { return r.drops.Load() }

// ReadsOf returns the number of physical reads of one key.
func (r *Recorder) ReadsOf(key repo.Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readsByKey[recorderKey(key.Unit(), key.Kind(), key.Identity())]
}

var _ repo.Observer = (*Recorder)(nil)

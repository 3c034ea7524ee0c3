package repo

import (
	"time"

	retry "github.com/avast/retry-go/v5"

	"github.com/ValentinKolb/objrepo/lib/repo/internal"
)

// --------------------------------------------------------------------------
// Writer goroutine
// --------------------------------------------------------------------------

// writeLoop is the only goroutine that writes to the unit's disk store. It
// applies tickets in queue order and exits after the queue was closed and drained.
func (u *unit) writeLoop() {
	defer close(u.done)

	var tick <-chan time.Time
	if u.store != nil && u.cfg.SyncInterval > 0 {
		ticker := time.NewTicker(u.cfg.SyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	dirty := false

	for {
		select {
		case t, ok := <-u.queue.Recv():
			if !ok {
				if dirty {
					u.sync()
				}
				return
			}
			dirty = u.apply(t) || dirty
			if dirty && tick == nil {
				u.sync()
				dirty = false
			}
			if t.Op() == internal.OpBarrier {
				dirty = false
			}
		case <-tick:
			if dirty {
				u.sync()
				dirty = false
			}
		}
	}
}

// apply processes one ticket and reports whether it wrote to disk.
func (u *unit) apply(t *internal.Ticket) bool {
	op, value := t.Take()

	switch op {
	case internal.OpBarrier:
		if u.store != nil {
			t.Err = u.store.Sync()
		}
		t.Signal()
		return false

	case internal.OpCompact:
		if u.store != nil {
			t.Result, t.Err = u.store.Compact()
		}
		t.Signal()
		return false
	}

	defer u.slots.Release()
	ck := t.Key.(cacheKey)

	if u.store == nil {
		u.complete(t, op)
		return false
	}

	switch op {
	case internal.OpPut:
		data, err := serialize(value.(Persistent))
		if err != nil {
			log.Errorf("unit %s: can not serialize %s, dropping it: %v", u.id, ck, err)
			u.fail(t, ck, DropSerialize)
			return false
		}
		if err := u.write(func() error { return u.store.Put(ck.kind.family(), ck.identity, data) }); err != nil {
			log.Errorf("unit %s: writing %s failed, dropping it: %v", u.id, ck, err)
			u.fail(t, ck, DropIO)
			return true
		}
		u.writes.Add(1)
		u.sizes.AddSample(len(data))
		u.observer.OnWrite(u.id, ck.kind, ck.identity, len(data))

	case internal.OpRemove:
		if err := u.write(func() error { return u.store.Delete(ck.kind.family(), ck.identity) }); err != nil {
			log.Errorf("unit %s: removing %s failed, dropping it: %v", u.id, ck, err)
			u.fail(t, ck, DropIO)
			return true
		}
		u.removes.Add(1)
		u.observer.OnRemove(u.id, ck.kind, ck.identity)
	}

	u.complete(t, op)
	return true
}

// write runs fn with the configured retries.
func (u *unit) write(fn func() error) error {
	return retry.New(u.retry...).Do(fn)
}

func (u *unit) sync() {
	if err := u.write(u.store.Sync); err != nil {
		log.Errorf("unit %s: sync failed: %v", u.id, err)
		u.state.CompareAndSwap(int32(UnitOpen), int32(UnitDegraded))
	}
}

// complete clears the ticket of the key's entry once the disk holds its state.
// A tombstone whose remove is on disk is dropped, the key becomes absent.
func (u *unit) complete(t *internal.Ticket, op internal.Op) {
	ck := t.Key.(cacheKey)
	if op == internal.OpRemove {
		u.dropped.Add(1)
	}

	clean := false
	u.cache.Compute(ck, func(old internal.Entry, loaded bool) (internal.Entry, bool) {
		if !loaded {
			return old, true
		}
		if old.Ticket != t {
			// a newer ticket owns the entry
			return old, false
		}
		if old.State == internal.StateTombstone {
			return old, true
		}
		old.Ticket = nil
		clean = old.Clean()
		return old, false
	})

	if clean && u.recent != nil {
		u.recent.Add(ck, struct{}{})
	}
}

// fail drops a key whose write was lost. Future reads of the key are misses.
// The disk copy goes first so a load after the cache drop finds nothing.
func (u *unit) fail(t *internal.Ticket, ck cacheKey, reason DropReason) {
	u.failures.Add(1)
	u.state.CompareAndSwap(int32(UnitOpen), int32(UnitDegraded))
	u.store.Drop(ck.kind.family(), ck.identity)
	u.dropped.Add(1)

	u.cache.Compute(ck, func(old internal.Entry, loaded bool) (internal.Entry, bool) {
		if !loaded {
			return old, true
		}
		// a newer ticket supersedes the lost write and stays visible
		return old, old.Ticket == t
	})
	u.observer.OnDrop(u.id, ck.kind, ck.identity, reason)
}

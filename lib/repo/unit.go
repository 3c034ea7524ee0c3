package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ValentinKolb/objrepo/lib/codec"
	"github.com/ValentinKolb/objrepo/lib/disk"
	"github.com/ValentinKolb/objrepo/lib/repo/internal"
	"github.com/ValentinKolb/objrepo/lib/util"
)

// --------------------------------------------------------------------------
// Unit state
// --------------------------------------------------------------------------

// UnitState is the health of an opened unit as reported by Info.
type UnitState int32

const (
	// UnitOpen is the normal state of an opened unit.
	UnitOpen UnitState = iota
	// UnitBroken marks a unit whose files were reset on open.
	UnitBroken
	// UnitDegraded marks a unit that lost writes after exhausting all retries.
	UnitDegraded
	// UnitClosed marks a unit that was closed and must not be used anymore.
	UnitClosed
)

func (s UnitState) String() string {
	switch s {
	case UnitOpen:
		return "open"
	case UnitBroken:
		return "broken"
	case UnitDegraded:
		return "degraded"
	case UnitClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// store is the part of the disk store a unit needs. It is nil at LevelMemory.
type store interface {
	Get(f disk.Family, identity string) ([]byte, bool, error)
	Put(f disk.Family, identity string, value []byte) error
	Delete(f disk.Family, identity string) error
	Drop(f disk.Family, identity string)
	Sync() error
	Compact() (disk.CompactStats, error)
	Stats() disk.Stats
	Recovery() disk.Recovery
	Close() error
}

// --------------------------------------------------------------------------
// Unit
// --------------------------------------------------------------------------

// unit is one opened persistence domain: its cache, its write queue with the
// writer goroutine and its disk store.
type unit struct {
	id       UnitID
	cfg      *Config
	observer Observer
	store    store

	cache  *xsync.MapOf[cacheKey, internal.Entry]
	recent *lru.Cache[cacheKey, struct{}] // clean keys by recency, nil unless evictable on disk
	queue  *util.LockFreeMPSC[internal.Ticket]
	slots  *util.Slots
	retry  []retry.Option

	// dropped is incremented before the writer or the recency list removes an
	// entry. The loader discards values it read while the counter moved.
	dropped atomic.Uint64
	state   atomic.Int32

	// gate orders mutations against close: mutations hold it shared
	gate   sync.RWMutex
	closed bool
	done   chan struct{}

	sizes    *util.SizeHistogram
	reads    atomic.Uint64
	writes   atomic.Uint64
	removes  atomic.Uint64
	failures atomic.Uint64
	corrupt  atomic.Uint64 // stored values that could not be read back
}

func newUnit(id UnitID, cfg *Config, st store, initial UnitState) (*unit, error) {
	u := &unit{
		id:       id,
		cfg:      cfg,
		observer: cfg.Observer,
		store:    st,
		cache:    xsync.NewMapOf[cacheKey, internal.Entry](),
		queue:    util.NewLockFreeMPSC[internal.Ticket](),
		slots:    util.NewSlots(cfg.QueueCapacity),
		done:     make(chan struct{}),
		sizes:    util.NewSizeHistogram(),
	}
	u.state.Store(int32(initial))

	// without a disk store the cache is the only copy and is never evicted
	if cfg.CachePolicy == CacheEvictable && st != nil {
		recent, err := lru.NewWithEvict[cacheKey, struct{}](cfg.CacheSize, func(k cacheKey, _ struct{}) {
			u.evict(k)
		})
		if err != nil {
			return nil, err
		}
		u.recent = recent
	}

	u.retry = []retry.Option{
		retry.Attempts(cfg.WriteRetries + 1),
		retry.Delay(cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, disk.ErrClosed)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Warningf("unit %s: write attempt %d failed: %v", id, n+1, err)
		}),
	}

	go u.writeLoop()
	return u, nil
}

func (u *unit) State() UnitState {
	return UnitState(u.state.Load())
}

// --------------------------------------------------------------------------
// Mutations
// --------------------------------------------------------------------------

// mutate installs the new state of a key and queues (or supersedes) its ticket.
// check may veto the mutation based on the current entry.
func (u *unit) mutate(key Key, op internal.Op, value Persistent, check func(old internal.Entry) error) error {
	// the slot is reserved up front so Compute never blocks
	if err := u.slots.Acquire(context.Background()); err != nil {
		return err
	}

	u.gate.RLock()
	defer u.gate.RUnlock()
	if u.closed {
		u.slots.Release()
		return fmt.Errorf("%w: %s", ErrUnitNotOpen, u.id)
	}

	ck := cacheKeyOf(key)
	state := internal.StatePresent
	var payload any = value
	if op == internal.OpRemove {
		state = internal.StateTombstone
		payload = nil
	}

	var (
		pushed bool
		vetoed error
	)
	u.cache.Compute(ck, func(old internal.Entry, loaded bool) (internal.Entry, bool) {
		if loaded && check != nil {
			if vetoed = check(old); vetoed != nil {
				return old, false
			}
		}

		e := internal.Entry{State: state, Value: payload}
		if loaded && old.Ticket != nil && old.Ticket.Supersede(op, payload) {
			e.Ticket = old.Ticket
			return e, false
		}

		t := internal.NewTicket(op, ck, payload)
		if !u.queue.Push(t) {
			// unreachable while the gate is held shared, the queue closes under the exclusive gate
			vetoed = fmt.Errorf("%w: %s", ErrUnitNotOpen, u.id)
			return old, !loaded
		}
		pushed = true
		e.Ticket = t
		return e, false
	})

	if !pushed {
		u.slots.Release()
	}
	return vetoed
}

func (u *unit) put(key Key, value Persistent) error {
	var check func(old internal.Entry) error
	if u.cfg.ValidateKeys {
		check = func(old internal.Entry) error {
			if old.State != internal.StatePresent {
				return nil
			}
			return u.checkCollision(key, old.Value.(Persistent), value)
		}
	}
	return u.mutate(key, internal.OpPut, value, check)
}

func (u *unit) remove(key Key) error {
	return u.mutate(key, internal.OpRemove, nil, nil)
}

// hang installs value as a pinned entry. It is served like any other value but
// never written, so it is gone after a restart. A write already queued for the
// key still reaches the disk.
func (u *unit) hang(key Key, value Persistent) error {
	u.gate.RLock()
	defer u.gate.RUnlock()
	if u.closed {
		return fmt.Errorf("%w: %s", ErrUnitNotOpen, u.id)
	}

	u.cache.Compute(cacheKeyOf(key), func(old internal.Entry, loaded bool) (internal.Entry, bool) {
		e := internal.Entry{State: internal.StatePresent, Value: value, Pinned: true}
		if loaded {
			e.Ticket = old.Ticket
		}
		return e, false
	})
	return nil
}

// checkCollision compares the serialized forms of the resident and the new value.
func (u *unit) checkCollision(key Key, old, value Persistent) error {
	if old == value {
		return nil
	}
	a, errA := serialize(old)
	b, errB := serialize(value)
	if errA == nil && errB == nil && bytes.Equal(a, b) {
		return nil
	}
	log.Errorf("unit %s: key collision on %s/%q: a different value is already resident", u.id, key.Kind(), key.Identity())
	return fmt.Errorf("%w: unit %s key %s/%q", ErrKeyCollision, u.id, key.Kind(), key.Identity())
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// tryGet answers from the cache only.
func (u *unit) tryGet(key Key) (Persistent, bool) {
	ck := cacheKeyOf(key)
	e, ok := u.cache.Load(ck)
	if !ok || e.State != internal.StatePresent {
		return nil, false
	}
	u.touch(ck, e)
	return e.Value.(Persistent), true
}

// get answers from the cache and loads from disk if the key has no entry.
func (u *unit) get(key Key) (Persistent, bool) {
	ck := cacheKeyOf(key)
	for {
		if e, ok := u.cache.Load(ck); ok {
			if e.State != internal.StatePresent {
				return nil, false
			}
			u.touch(ck, e)
			return e.Value.(Persistent), true
		}
		if u.store == nil {
			return nil, false
		}

		drops := u.dropped.Load()
		value, found := u.load(key, ck)
		if !found {
			return nil, false
		}

		var (
			current internal.Entry
			exists  bool
			again   bool
		)
		u.cache.Compute(ck, func(old internal.Entry, loaded bool) (internal.Entry, bool) {
			if loaded {
				// a mutation raced the load and wins
				current, exists = old, true
				return old, false
			}
			if u.dropped.Load() != drops {
				again = true
				return old, true
			}
			current, exists = internal.Entry{State: internal.StatePresent, Value: value}, true
			return current, false
		})
		if again {
			continue
		}
		if !exists || current.State != internal.StatePresent {
			return nil, false
		}
		u.touch(ck, current)
		return current.Value.(Persistent), true
	}
}

// load reads and deserializes key from disk. Failures are logged and count as a miss.
func (u *unit) load(key Key, ck cacheKey) (Persistent, bool) {
	data, found, err := u.store.Get(ck.kind.family(), ck.identity)
	if errors.Is(err, disk.ErrClosed) {
		return nil, false
	}
	if err != nil {
		u.reads.Add(1)
		u.corrupt.Add(1)
		u.observer.OnRead(u.id, ck.kind, ck.identity, 0)
		log.Warningf("unit %s: dropping unreadable %s: %v", u.id, ck, err)
		u.store.Drop(ck.kind.family(), ck.identity)
		u.observer.OnDrop(u.id, ck.kind, ck.identity, DropCorrupt)
		return nil, false
	}
	if !found {
		return nil, false
	}

	u.reads.Add(1)
	u.observer.OnRead(u.id, ck.kind, ck.identity, len(data))

	factory := key.Factory()
	if factory == nil {
		log.Errorf("unit %s: key %s has no factory", u.id, ck)
		return nil, false
	}
	value, err := factory.Deserialize(codec.NewReader(data))
	if err == nil && value == nil {
		err = ErrNilValue
	}
	if err != nil {
		u.corrupt.Add(1)
		log.Warningf("unit %s: dropping %s, deserialization failed: %v", u.id, ck, err)
		u.store.Drop(ck.kind.family(), ck.identity)
		u.observer.OnDrop(u.id, ck.kind, ck.identity, DropDeserialize)
		return nil, false
	}
	return value, true
}

// --------------------------------------------------------------------------
// Eviction
// --------------------------------------------------------------------------

// touch records a use of a clean entry for the evictable policy.
func (u *unit) touch(ck cacheKey, e internal.Entry) {
	if u.recent == nil || !e.Clean() {
		return
	}
	if _, ok := u.recent.Get(ck); !ok {
		u.recent.Add(ck, struct{}{})
	}
}

// evict is the callback of the recency list. Only clean entries are dropped,
// the disk holds exactly their value. A load that read the key before a newer
// value was written must not fill the emptied slot, hence the counter.
func (u *unit) evict(ck cacheKey) {
	u.dropped.Add(1)
	u.cache.Compute(ck, func(old internal.Entry, loaded bool) (internal.Entry, bool) {
		if !loaded {
			return old, true
		}
		return old, old.Clean()
	})
}

// --------------------------------------------------------------------------
// Signals
// --------------------------------------------------------------------------

// signal queues a barrier or compaction ticket and waits for the writer.
func (u *unit) signal(op internal.Op) (*internal.Ticket, error) {
	t := internal.NewSignalTicket(op)

	u.gate.RLock()
	if u.closed || !u.queue.Push(t) {
		u.gate.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrUnitNotOpen, u.id)
	}
	u.gate.RUnlock()

	<-t.Done
	return t, t.Err
}

func (u *unit) flush() error {
	_, err := u.signal(internal.OpBarrier)
	return err
}

func (u *unit) compact() (disk.CompactStats, error) {
	t, err := u.signal(internal.OpCompact)
	if t == nil {
		return disk.CompactStats{}, err
	}
	stats, _ := t.Result.(disk.CompactStats)
	return stats, err
}

// --------------------------------------------------------------------------
// Close
// --------------------------------------------------------------------------

// close drains the queue, closes the disk store and discards the cache.
func (u *unit) close() error {
	u.gate.Lock()
	if u.closed {
		u.gate.Unlock()
		<-u.done
		return nil
	}
	u.closed = true
	u.queue.Close()
	u.gate.Unlock()

	start := time.Now()
	<-u.done

	var err error
	if u.store != nil {
		err = u.store.Close()
	}
	u.state.Store(int32(UnitClosed))
	if u.recent != nil {
		u.recent.Purge()
	}
	u.cache.Clear()
	log.Infof("unit %s closed, drained queue in %s", u.id, time.Since(start).Round(time.Millisecond))
	return err
}

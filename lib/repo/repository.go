package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/ValentinKolb/objrepo/lib/disk"
)

var log = logger.GetLogger("repo")

// --------------------------------------------------------------------------
// Repository Interface
// --------------------------------------------------------------------------

// IRepository is a persistent object repository. Objects are cached in memory
// and written behind to per-unit disk stores.
//
// Every method is safe for concurrent use. Lifecycle errors (ErrNotRunning,
// ErrUnitNotOpen) are the only errors reads return; local failures such as a
// corrupt record are logged and reported as "not found".
type IRepository interface {

	// --------------------------------------------------------------------------
	// Lifecycle
	// --------------------------------------------------------------------------

	// Startup starts the repository with the given persistence level. Calling it
	// again with the same level is a no-op, with another level it fails with
	// ErrLevelMismatch.
	Startup(level Level) error

	// Shutdown drains the write queues of all units, closes them and discards
	// all cached state. Calling it on a stopped repository is a no-op.
	Shutdown() error

	// OpenUnit opens or creates a unit. Opening an open unit is a no-op.
	// If the unit's files were damaged beyond repair the unit is opened empty
	// and the returned error wraps ErrUnitBroken.
	OpenUnit(id UnitID) error

	// CloseUnit drains and closes a single unit.
	CloseUnit(id UnitID) error

	// RemoveUnit closes a unit (if open) and deletes its files.
	RemoveUnit(id UnitID) error

	// --------------------------------------------------------------------------
	// Object Operations
	// --------------------------------------------------------------------------

	// Put makes value visible under key immediately and queues its write.
	// It never waits for disk I/O; with a bounded queue it waits for a free slot.
	Put(key Key, value Persistent) error

	// Get returns the value of key. Cached values and tombstones are answered
	// without disk access, keys not cached are loaded from disk.
	Get(key Key) (value Persistent, found bool, err error)

	// TryGet is like Get but never reads from disk.
	TryGet(key Key) (value Persistent, found bool, err error)

	// Remove makes key absent immediately and queues its delete.
	Remove(key Key) error

	// Hang makes value visible under key without ever writing it. The value
	// stays cached until the key is mutated or the unit is closed.
	Hang(key Key, value Persistent) error

	// --------------------------------------------------------------------------
	// Maintenance
	// --------------------------------------------------------------------------

	// Flush waits until all mutations of the unit queued before the call are on disk.
	Flush(id UnitID) error

	// Compact rewrites the unit's segments without overwritten and removed objects.
	Compact(id UnitID) (disk.CompactStats, error)

	// ErrorCount returns how many stored values of the unit were dropped
	// because they could not be read back.
	ErrorCount(id UnitID) (uint64, error)

	// Info returns statistics about the repository and all open units.
	Info() Info
}

// --------------------------------------------------------------------------
// Implementation
// --------------------------------------------------------------------------

type repository struct {
	cfg Config

	mu      sync.RWMutex // lifecycle, held shared by all operations
	running bool
	level   Level

	unitsMu sync.Mutex // serializes opening and closing of units
	units   *xsync.MapOf[UnitID, *unit]
}

// New creates a stopped repository.
func New(cfg Config) (IRepository, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &repository{
		cfg:   cfg,
		units: xsync.NewMapOf[UnitID, *unit](),
	}, nil
}

func (r *repository) Startup(level Level) error {
	if !level.valid() {
		return fmt.Errorf("%w: %d", ErrInvalidLevel, int(level))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		if r.level != level {
			return fmt.Errorf("%w: running %s, requested %s", ErrLevelMismatch, r.level, level)
		}
		return nil
	}
	if level == LevelDurable {
		if err := os.MkdirAll(r.cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}

	r.running = true
	r.level = level
	log.Infof("repository started (level: %s, cache: %s, data dir: %s)", level, r.cfg.CachePolicy, r.cfg.DataDir)
	return nil
}

func (r *repository) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}

	var g errgroup.Group
	r.units.Range(func(id UnitID, u *unit) bool {
		g.Go(func() error {
			if err := u.close(); err != nil {
				return fmt.Errorf("close unit %s: %w", id, err)
			}
			return nil
		})
		return true
	})
	err := g.Wait()

	r.units.Clear()
	r.running = false
	log.Infof("repository stopped")
	return err
}

func (r *repository) OpenUnit(id UnitID) error {
	if err := id.Validate(); err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.running {
		return ErrNotRunning
	}

	r.unitsMu.Lock()
	defer r.unitsMu.Unlock()

	if _, ok := r.units.Load(id); ok {
		return nil
	}

	var (
		st     store
		broken error
		state  = UnitOpen
	)
	if r.level == LevelDurable {
		ds, err := disk.Open(r.unitDir(id), string(id), disk.Options{MaxSegmentSize: r.cfg.MaxSegmentSize})
		switch {
		case err == nil:
			st = ds
		case errors.Is(err, disk.ErrBroken):
			st = ds
			state = UnitBroken
			broken = fmt.Errorf("%w: %v", ErrUnitBroken, err)
		case errors.Is(err, disk.ErrLocked):
			return fmt.Errorf("%w: %v", ErrUnitLocked, err)
		default:
			return fmt.Errorf("open unit %s: %w", id, err)
		}
	}

	u, err := newUnit(id, &r.cfg, st, state)
	if err != nil {
		if st != nil {
			_ = st.Close()
		}
		return err
	}
	r.units.Store(id, u)

	if broken != nil {
		log.Errorf("unit %s was broken and has been reset", id)
	} else {
		log.Infof("unit %s opened", id)
	}
	return broken
}

func (r *repository) CloseUnit(id UnitID) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.running {
		return ErrNotRunning
	}

	r.unitsMu.Lock()
	defer r.unitsMu.Unlock()

	u, ok := r.units.LoadAndDelete(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnitNotOpen, id)
	}
	return u.close()
}

func (r *repository) RemoveUnit(id UnitID) error {
	if err := id.Validate(); err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.running {
		return ErrNotRunning
	}

	r.unitsMu.Lock()
	defer r.unitsMu.Unlock()

	if u, ok := r.units.LoadAndDelete(id); ok {
		if err := u.close(); err != nil {
			log.Warningf("unit %s: close before removal failed: %v", id, err)
		}
	}
	if r.level != LevelDurable {
		return nil
	}
	if err := disk.Destroy(r.unitDir(id)); err != nil {
		if errors.Is(err, disk.ErrLocked) {
			return fmt.Errorf("%w: %v", ErrUnitLocked, err)
		}
		return fmt.Errorf("remove unit %s: %w", id, err)
	}
	log.Infof("unit %s removed", id)
	return nil
}

func (r *repository) unitDir(id UnitID) string {
	return filepath.Join(r.cfg.DataDir, string(id))
}

// unitOf returns the open unit of key. The caller holds r.mu shared.
func (r *repository) unitOf(key Key) (*unit, error) {
	if !r.running {
		return nil, ErrNotRunning
	}
	if key == nil || key.Identity() == "" {
		return nil, ErrNilKey
	}
	u, ok := r.units.Load(key.Unit())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnitNotOpen, key.Unit())
	}
	return u, nil
}

// --------------------------------------------------------------------------
// Object Operations
// --------------------------------------------------------------------------

func (r *repository) Put(key Key, value Persistent) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, err := r.unitOf(key)
	if err != nil {
		return err
	}
	if value == nil {
		return ErrNilValue
	}
	return u.put(key, value)
}

func (r *repository) Get(key Key) (Persistent, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, err := r.unitOf(key)
	if err != nil {
		return nil, false, err
	}
	value, ok := u.get(key)
	return value, ok, nil
}

func (r *repository) TryGet(key Key) (Persistent, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, err := r.unitOf(key)
	if err != nil {
		return nil, false, err
	}
	value, ok := u.tryGet(key)
	return value, ok, nil
}

func (r *repository) Remove(key Key) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, err := r.unitOf(key)
	if err != nil {
		return err
	}
	return u.remove(key)
}

func (r *repository) Hang(key Key, value Persistent) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, err := r.unitOf(key)
	if err != nil {
		return err
	}
	if value == nil {
		return ErrNilValue
	}
	return u.hang(key, value)
}

// --------------------------------------------------------------------------
// Maintenance
// --------------------------------------------------------------------------

func (r *repository) unitByID(id UnitID) (*unit, error) {
	if !r.running {
		return nil, ErrNotRunning
	}
	u, ok := r.units.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnitNotOpen, id)
	}
	return u, nil
}

func (r *repository) Flush(id UnitID) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, err := r.unitByID(id)
	if err != nil {
		return err
	}
	return u.flush()
}

func (r *repository) Compact(id UnitID) (disk.CompactStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, err := r.unitByID(id)
	if err != nil {
		return disk.CompactStats{}, err
	}
	return u.compact()
}

func (r *repository) ErrorCount(id UnitID) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, err := r.unitByID(id)
	if err != nil {
		return 0, err
	}
	return u.corrupt.Load(), nil
}

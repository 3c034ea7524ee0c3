package repo

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ValentinKolb/objrepo/lib/codec"
	"github.com/ValentinKolb/objrepo/lib/disk"
)

// --------------------------------------------------------------------------
// Test doubles
// --------------------------------------------------------------------------

var errInjected = errors.New("injected write failure")

// gate parks callers until it is opened. The first caller is announced on entered.
type gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gate) wait() {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
}

func (g *gate) open() {
	g.once.Do(func() { close(g.release) })
}

// memStore is an in-memory store. Puts can be made to fail or to block.
// Gets and drops can be parked on a gate.
type memStore struct {
	mu   sync.Mutex
	data map[cacheKey][]byte

	puts      atomic.Int64
	failPuts  atomic.Int64 // number of upcoming puts that fail
	entered   chan struct{}
	release   chan struct{}
	dropped   atomic.Int64
	closeOnce sync.Once

	readGate *gate // parks Get after it read the value
	dropGate *gate // parks Drop before it deletes the value
}

func newMemStore() *memStore {
	return &memStore{data: make(map[cacheKey][]byte)}
}

// blocking makes every Put announce itself on entered and wait for release.
func (s *memStore) blocking() *memStore {
	s.entered = make(chan struct{}, 16)
	s.release = make(chan struct{})
	return s
}

func (s *memStore) unblock() {
	if s.release != nil {
		s.closeOnce.Do(func() { close(s.release) })
	}
	for _, g := range []*gate{s.readGate, s.dropGate} {
		if g != nil {
			g.open()
		}
	}
}

func keyOf(f disk.Family, identity string) cacheKey {
	kind := KindSmall
	if f == disk.FamilyLarge {
		kind = KindLarge
	}
	return cacheKey{kind: kind, identity: identity}
}

func (s *memStore) Get(f disk.Family, identity string) ([]byte, bool, error) {
	s.mu.Lock()
	b, ok := s.data[keyOf(f, identity)]
	s.mu.Unlock()
	if s.readGate != nil {
		s.readGate.wait()
	}
	return b, ok, nil
}

func (s *memStore) Put(f disk.Family, identity string, value []byte) error {
	s.puts.Add(1)
	if s.entered != nil {
		s.entered <- struct{}{}
		<-s.release
	}
	if s.failPuts.Add(-1) >= 0 {
		return errInjected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[keyOf(f, identity)] = value
	return nil
}

func (s *memStore) Delete(f disk.Family, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, keyOf(f, identity))
	return nil
}

func (s *memStore) Drop(f disk.Family, identity string) {
	s.dropped.Add(1)
	if s.dropGate != nil {
		s.dropGate.wait()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, keyOf(f, identity))
}

func (s *memStore) Sync() error                         { return nil }
func (s *memStore) Compact() (disk.CompactStats, error) { return disk.CompactStats{}, nil }
func (s *memStore) Stats() disk.Stats                   { return disk.Stats{} }
func (s *memStore) Recovery() disk.Recovery             { return disk.Recovery{} }
func (s *memStore) Close() error                        { return nil }

func (s *memStore) store(t *testing.T, identity, value string) {
	t.Helper()
	b, err := serialize(text(value))
	require.NoError(t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[keyOf(disk.FamilySmall, identity)] = b
}

func (s *memStore) value(identity string) (string, bool) {
	b, ok, _ := s.Get(disk.FamilySmall, identity)
	if !ok {
		return "", false
	}
	v, err := codec.NewReader(b).ReadString()
	if err != nil {
		return "", false
	}
	return v, true
}

type text string

func (v text) Serialize(w *codec.Writer) error { return w.WriteString(string(v)) }

var textFactory = FactoryFunc(func(r *codec.Reader) (Persistent, error) {
	s, err := r.ReadString()
	return text(s), err
})

type testKey string

func (k testKey) Unit() UnitID     { return "unit_1" }
func (k testKey) Kind() Kind       { return KindSmall }
func (k testKey) Identity() string { return string(k) }
func (k testKey) Factory() Factory { return textFactory }

type dropCounter struct {
	NopObserver
	reads atomic.Int64
	drops atomic.Int64
	last  atomic.Value
}

func (o *dropCounter) OnRead(UnitID, Kind, string, int) { o.reads.Add(1) }

func (o *dropCounter) OnDrop(_ UnitID, _ Kind, _ string, reason DropReason) {
	o.drops.Add(1)
	o.last.Store(reason)
}

func newTestUnit(t *testing.T, st store, configure func(cfg *Config)) (*unit, *dropCounter) {
	t.Helper()
	obs := &dropCounter{}
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.RetryDelay = time.Millisecond
	cfg.SyncInterval = 0
	cfg.Observer = obs
	if configure != nil {
		configure(&cfg)
	}
	require.NoError(t, cfg.validate())

	u, err := newUnit("unit_1", &cfg, st, UnitOpen)
	require.NoError(t, err)
	t.Cleanup(func() {
		if ms, ok := st.(*memStore); ok {
			ms.unblock()
		}
		require.NoError(t, u.close())
	})
	return u, obs
}

// lookup is the result of a get that ran in its own goroutine.
type lookup struct {
	value Persistent
	found bool
}

func getAsync(u *unit, key testKey) <-chan lookup {
	ch := make(chan lookup, 1)
	go func() {
		v, found := u.get(key)
		ch <- lookup{v, found}
	}()
	return ch
}

func requireValue(t *testing.T, u *unit, key testKey, want string) {
	t.Helper()
	v, found := u.get(key)
	require.True(t, found, "expected %q to be present", key)
	require.Equal(t, text(want), v)
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestWriteFailureDegradesUnit(t *testing.T) {
	st := newMemStore()
	st.failPuts.Store(100)
	u, obs := newTestUnit(t, st, func(cfg *Config) { cfg.WriteRetries = 2 })

	require.NoError(t, u.put(testKey("k"), text("v")))
	require.NoError(t, u.flush())

	require.Equal(t, UnitDegraded, u.State())
	require.EqualValues(t, 3, st.puts.Load())
	require.EqualValues(t, 1, obs.drops.Load())
	require.Equal(t, DropIO, obs.last.Load())
	require.EqualValues(t, 1, u.failures.Load())

	// the lost write is not served from the cache
	_, found := u.get(testKey("k"))
	require.False(t, found)

	// later writes still work
	st.failPuts.Store(0)
	require.NoError(t, u.put(testKey("k"), text("v2")))
	require.NoError(t, u.flush())
	v, ok := st.value("k")
	require.True(t, ok)
	require.Equal(t, "v2", v)
}

func TestWriteRetrySucceeds(t *testing.T) {
	st := newMemStore()
	st.failPuts.Store(2)
	u, obs := newTestUnit(t, st, func(cfg *Config) { cfg.WriteRetries = 3 })

	require.NoError(t, u.put(testKey("k"), text("v")))
	require.NoError(t, u.flush())

	require.Equal(t, UnitOpen, u.State())
	require.EqualValues(t, 3, st.puts.Load())
	require.Zero(t, obs.drops.Load())
	v, ok := st.value("k")
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestSupersedePendingWrite(t *testing.T) {
	st := newMemStore().blocking()
	u, _ := newTestUnit(t, st, nil)

	require.NoError(t, u.put(testKey("k"), text("v1")))
	<-st.entered // the writer holds v1

	require.NoError(t, u.put(testKey("k"), text("v2")))
	require.NoError(t, u.remove(testKey("k")))
	require.NoError(t, u.put(testKey("k"), text("v3")))
	requireValue(t, u, "k", "v3")

	st.unblock()
	require.NoError(t, u.flush())

	// v2 and the remove were folded into the pending ticket
	require.EqualValues(t, 2, st.puts.Load())
	v, ok := st.value("k")
	require.True(t, ok)
	require.Equal(t, "v3", v)
	requireValue(t, u, "k", "v3")
}

func TestBoundedQueueBlocksProducers(t *testing.T) {
	st := newMemStore().blocking()
	u, _ := newTestUnit(t, st, func(cfg *Config) { cfg.QueueCapacity = 1 })

	require.NoError(t, u.put(testKey("a"), text("1")))
	<-st.entered

	done := make(chan error, 1)
	go func() { done <- u.put(testKey("b"), text("2")) }()

	select {
	case err := <-done:
		t.Fatalf("put should block while the queue is full, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	st.unblock()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("put did not resume after the writer drained the queue")
	}
	require.NoError(t, u.flush())
	requireValue(t, u, "b", "2")
}

func TestCollisionWithPendingValue(t *testing.T) {
	st := newMemStore().blocking()
	u, _ := newTestUnit(t, st, func(cfg *Config) { cfg.ValidateKeys = true })

	require.NoError(t, u.put(testKey("k"), text("v1")))
	require.ErrorIs(t, u.put(testKey("k"), text("v2")), ErrKeyCollision)
	require.NoError(t, u.put(testKey("k"), text("v1")))
	requireValue(t, u, "k", "v1")
}

func TestEvictionKeepsDirtyEntries(t *testing.T) {
	st := newMemStore().blocking()
	u, obs := newTestUnit(t, st, func(cfg *Config) {
		cfg.CachePolicy = CacheEvictable
		cfg.CacheSize = 1
	})

	require.NoError(t, u.put(testKey("a"), text("1")))
	<-st.entered
	require.NoError(t, u.put(testKey("b"), text("2")))

	// pending values survive any eviction
	u.evict(cacheKeyOf(testKey("a")))
	u.evict(cacheKeyOf(testKey("b")))
	requireValue(t, u, "a", "1")
	requireValue(t, u, "b", "2")

	st.unblock()
	require.NoError(t, u.flush())
	require.Zero(t, obs.reads.Load())

	// clean values are reloaded after eviction
	u.evict(cacheKeyOf(testKey("a")))
	u.evict(cacheKeyOf(testKey("b")))
	requireValue(t, u, "a", "1")
	requireValue(t, u, "b", "2")
	require.EqualValues(t, 2, obs.reads.Load())
}

func TestCorruptValueIsDropped(t *testing.T) {
	st := newMemStore()
	u, obs := newTestUnit(t, st, nil)

	// a value that does not decode as a string
	st.data[cacheKeyOf(testKey("k"))] = []byte{0xff}

	_, found := u.get(testKey("k"))
	require.False(t, found)
	require.EqualValues(t, 1, obs.drops.Load())
	require.Equal(t, DropDeserialize, obs.last.Load())
	require.EqualValues(t, 1, st.dropped.Load())
	require.EqualValues(t, 1, u.corrupt.Load())
	require.EqualValues(t, 1, u.info().Errors)

	_, found, _ = st.Get(disk.FamilySmall, "k")
	require.False(t, found)
}

func TestMutationsAfterClose(t *testing.T) {
	u, _ := newTestUnit(t, newMemStore(), nil)
	require.NoError(t, u.close())

	require.ErrorIs(t, u.put(testKey("k"), text("v")), ErrUnitNotOpen)
	require.ErrorIs(t, u.remove(testKey("k")), ErrUnitNotOpen)
	require.ErrorIs(t, u.flush(), ErrUnitNotOpen)
	require.Equal(t, UnitClosed, u.State())
}

// --------------------------------------------------------------------------
// Loads racing the writer
// --------------------------------------------------------------------------

func TestEvictionDuringLoadKeepsNewerValue(t *testing.T) {
	st := newMemStore()
	st.store(t, "a", "old")
	u, _ := newTestUnit(t, st, func(cfg *Config) {
		cfg.CachePolicy = CacheEvictable
		cfg.CacheSize = 1
	})
	st.readGate = newGate()

	loaded := getAsync(u, "a")
	<-st.readGate.entered // the load holds "old"

	require.NoError(t, u.put(testKey("a"), text("new")))
	require.NoError(t, u.flush())
	require.NoError(t, u.put(testKey("b"), text("other")))
	require.NoError(t, u.flush())

	// b took the only slot of the recency list and a was evicted
	_, cached := u.tryGet(testKey("a"))
	require.False(t, cached)

	st.readGate.open()
	res := <-loaded
	require.True(t, res.found)
	require.Equal(t, text("new"), res.value)
	requireValue(t, u, "a", "new")
}

func TestRemoveDuringLoadStaysRemoved(t *testing.T) {
	st := newMemStore()
	st.store(t, "a", "old")
	u, _ := newTestUnit(t, st, nil)
	st.readGate = newGate()

	loaded := getAsync(u, "a")
	<-st.readGate.entered

	require.NoError(t, u.remove(testKey("a")))
	require.NoError(t, u.flush())

	st.readGate.open()
	require.False(t, (<-loaded).found)
	_, found := u.get(testKey("a"))
	require.False(t, found)
	_, onDisk := st.value("a")
	require.False(t, onDisk)
}

func TestFailedWriteDuringLoadStaysDropped(t *testing.T) {
	st := newMemStore()
	st.store(t, "a", "old")
	st.failPuts.Store(100)
	u, obs := newTestUnit(t, st, func(cfg *Config) { cfg.WriteRetries = 0 })
	st.readGate = newGate()

	loaded := getAsync(u, "a")
	<-st.readGate.entered

	require.NoError(t, u.put(testKey("a"), text("new")))
	require.NoError(t, u.flush())
	require.Equal(t, DropIO, obs.last.Load())

	st.readGate.open()
	require.False(t, (<-loaded).found)
	_, found := u.get(testKey("a"))
	require.False(t, found)
}

func TestFailedWriteNeverServesOlderValue(t *testing.T) {
	st := newMemStore()
	st.store(t, "a", "old")
	st.failPuts.Store(100)
	st.dropGate = newGate()
	u, _ := newTestUnit(t, st, func(cfg *Config) { cfg.WriteRetries = 0 })

	require.NoError(t, u.put(testKey("a"), text("new")))
	<-st.dropGate.entered // the writer gave up and is dropping the disk copy

	// the lost value may still be visible, the value it replaced never is
	v, found := u.get(testKey("a"))
	if found {
		require.Equal(t, text("new"), v)
	}

	st.dropGate.open()
	require.NoError(t, u.flush())
	_, found = u.get(testKey("a"))
	require.False(t, found)
}

// --------------------------------------------------------------------------
// Hung values
// --------------------------------------------------------------------------

func TestHungValueIsNeverWritten(t *testing.T) {
	st := newMemStore()
	u, obs := newTestUnit(t, st, func(cfg *Config) {
		cfg.CachePolicy = CacheEvictable
		cfg.CacheSize = 1
	})

	require.NoError(t, u.hang(testKey("a"), text("hung")))
	require.NoError(t, u.flush())
	require.Zero(t, st.puts.Load())

	u.evict(cacheKeyOf(testKey("a")))
	requireValue(t, u, "a", "hung")
	require.Zero(t, obs.reads.Load())
	require.Equal(t, 1, u.info().Hung)

	// a put turns it into a regular, evictable value
	require.NoError(t, u.put(testKey("a"), text("stored")))
	require.NoError(t, u.flush())
	v, ok := st.value("a")
	require.True(t, ok)
	require.Equal(t, "stored", v)
	require.Zero(t, u.info().Hung)

	u.evict(cacheKeyOf(testKey("a")))
	_, cached := u.tryGet(testKey("a"))
	require.False(t, cached)
	requireValue(t, u, "a", "stored")
	require.EqualValues(t, 1, obs.reads.Load())
}

func TestHangAfterClose(t *testing.T) {
	u, _ := newTestUnit(t, newMemStore(), nil)
	require.NoError(t, u.close())
	require.ErrorIs(t, u.hang(testKey("k"), text("v")), ErrUnitNotOpen)
}

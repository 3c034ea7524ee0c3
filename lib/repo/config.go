package repo

import (
	"fmt"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Persistence levels
// --------------------------------------------------------------------------

// Level selects the persistence policy passed to Startup.
type Level int

const (
	// LevelDurable writes every mutation behind to the unit's disk store.
	LevelDurable Level = 0
	// LevelMemory keeps everything in memory and never touches the disk.
	LevelMemory Level = 1
)

func (l Level) String() string {
	switch l {
	case LevelDurable:
		return "durable"
	case LevelMemory:
		return "memory"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

func (l Level) valid() bool {
	return l == LevelDurable || l == LevelMemory
}

// --------------------------------------------------------------------------
// Cache policy
// --------------------------------------------------------------------------

// CachePolicy decides whether clean cache entries may be evicted.
type CachePolicy int

const (
	// CacheRetained keeps every loaded or written value resident until the unit is closed.
	CacheRetained CachePolicy = iota
	// CacheEvictable keeps at most Config.CacheSize clean values per unit and
	// evicts the least recently used. Tombstones and values with a pending
	// write are never evicted.
	CacheEvictable
)

func (p CachePolicy) String() string {
	switch p {
	case CacheRetained:
		return "retained"
	case CacheEvictable:
		return "evictable"
	default:
		return "unknown"
	}
}

// ParseCachePolicy converts "retained" or "evictable" into a CachePolicy.
func ParseCachePolicy(s string) (CachePolicy, error) {
	switch strings.ToLower(s) {
	case "retained", "":
		return CacheRetained, nil
	case "evictable":
		return CacheEvictable, nil
	default:
		return CacheRetained, fmt.Errorf("invalid cache policy: %s. must be one of retained, evictable", s)
	}
}

// --------------------------------------------------------------------------
// Config
// --------------------------------------------------------------------------

// Config configures a repository.
type Config struct {
	// DataDir holds one sub directory per unit.
	DataDir string
	// ValidateKeys enables the key collision check in Put.
	ValidateKeys bool
	// CachePolicy selects between retained and evictable caching.
	CachePolicy CachePolicy
	// CacheSize is the number of clean values kept per unit with CacheEvictable.
	CacheSize int
	// QueueCapacity bounds the pending write tickets per unit. Put and Remove
	// block while the queue is full. 0 means unbounded.
	QueueCapacity int
	// WriteRetries is the number of retries of a failed disk write.
	WriteRetries uint
	// RetryDelay is the initial delay between retries; it doubles per attempt.
	RetryDelay time.Duration
	// SyncInterval is the period at which the writer syncs written segments.
	// 0 syncs after every ticket.
	SyncInterval time.Duration
	// MaxSegmentSize is the size at which a new segment file is started.
	MaxSegmentSize int64
	// Observer is notified about physical disk operations. nil means NopObserver.
	Observer Observer
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:        "./data",
		ValidateKeys:   false,
		CachePolicy:    CacheRetained,
		CacheSize:      100_000,
		QueueCapacity:  0,
		WriteRetries:   3,
		RetryDelay:     10 * time.Millisecond,
		SyncInterval:   time.Second,
		MaxSegmentSize: 64 << 20,
		Observer:       NopObserver{},
	}
}

// validate fills zero values that would make the repository unusable.
func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data dir must not be empty")
	}
	if c.CachePolicy == CacheEvictable && c.CacheSize <= 0 {
		return fmt.Errorf("cache size must be positive for the evictable policy, got %d", c.CacheSize)
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("queue capacity must not be negative, got %d", c.QueueCapacity)
	}
	if c.Observer == nil {
		c.Observer = NopObserver{}
	}
	return nil
}

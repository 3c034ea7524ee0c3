package internal

import (
	"fmt"
	"sync"
)

// --------------------------------------------------------------------------
// Entry State
// --------------------------------------------------------------------------

type State uint8

const (
	StatePresent State = iota
	StateTombstone
)

func (s State) String() string {
	switch s {
	case StatePresent:
		return "Present"
	case StateTombstone:
		return "Tombstone"
	default:
		return "Unknown"
	}
}

// --------------------------------------------------------------------------
// Entry Type (cache slot of one key)
// --------------------------------------------------------------------------

// Entry is the cached state of one key. A key without an entry is Absent.
// Entries are values; they are only replaced as a whole inside a map Compute.
type Entry struct {
	State  State
	Value  any     // the Persistent value, nil for tombstones
	Ticket *Ticket // pending write, nil when the entry matches the disk
	Pinned bool    // memory-only value that is never written or evicted
}

// Clean reports whether the entry is a Present value that is already on disk.
func (e Entry) Clean() bool {
	return e.State == StatePresent && e.Ticket == nil && !e.Pinned
}

func (e Entry) String() string {
	return fmt.Sprintf("Entry{State: %s, Pending: %v, Pinned: %v}", e.State, e.Ticket != nil, e.Pinned)
}

// --------------------------------------------------------------------------
// Tickets (queued work for the unit writer)
// --------------------------------------------------------------------------

type Op uint8

const (
	OpPut Op = iota
	OpRemove
	OpBarrier
	OpCompact
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "Put"
	case OpRemove:
		return "Remove"
	case OpBarrier:
		return "Barrier"
	case OpCompact:
		return "Compact"
	default:
		return "Unknown"
	}
}

// Ticket is one queued unit of work for the writer goroutine.
//
// Put and remove tickets belong to a key. As long as the writer has not taken a
// ticket, a newer mutation of the same key replaces its payload in place and
// so keeps the queue position. Barrier and compaction tickets carry a Done
// channel that is closed after they were processed.
type Ticket struct {
	Key  any // the cache key
	Done chan struct{}

	// outcome of a signal ticket, valid after Done is closed
	Result any
	Err    error

	mu    sync.Mutex
	op    Op
	value any
	taken bool
}

// NewTicket creates a put or remove ticket for key.
func NewTicket(op Op, key any, value any) *Ticket {
	return &Ticket{Key: key, op: op, value: value}
}

// NewSignalTicket creates a barrier or compaction ticket.
func NewSignalTicket(op Op) *Ticket {
	return &Ticket{op: op, Done: make(chan struct{})}
}

// Supersede replaces the payload if the writer has not taken the ticket yet.
// It returns false if the ticket is already taken; the caller must queue a new one.
//
// Thread-safety: This method is thread-safe.
func (t *Ticket) Supersede(op Op, value any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.taken {
		return false
	}
	t.op = op
	t.value = value
	return true
}

// Take marks the ticket as taken by the writer and returns its final payload.
//
// Thread-safety: This method is thread-safe.
func (t *Ticket) Take() (Op, any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.taken = true
	return t.op, t.value
}

// Op returns the current operation of the ticket.
func (t *Ticket) Op() Op {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.op
}

// Signal closes Done. It must only be called once, by the writer.
func (t *Ticket) Signal() {
	if t.Done != nil {
		close(t.Done)
	}
}

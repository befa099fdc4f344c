package transaction

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Handle identifies a single in-flight or terminal entry in a Store. It is
// returned by Begin and passed back to Complete/Fail.
type Handle struct {
	id string
}

var idCounter uint64

// nextID returns a monotonically increasing, sortable identifier. It is
// deliberately simple: nothing in the dependency pack offers a ULID/UUID
// generator worth pulling in for a single counter, so this stays on the
// standard library (see DESIGN.md).
func nextID() string {
	n := atomic.AddUint64(&idCounter, 1)
	// Zero-pad to the width of the largest uint64 in base 36 (13 digits) so
	// that IDs sort as strings in the order they were issued.
	s := strconv.FormatUint(n, 36)
	return strings.Repeat("0", 13-len(s)) + s
}

type entry struct {
	txn      *Transaction
	inFlight bool
}

// Store is a bounded, newest-first history of Transactions. It is safe for
// concurrent use by many forwarding goroutines and admin readers.
type Store struct {
	mu       sync.Mutex
	capacity int
	order    []*entry // oldest first; trimmed from the front on eviction
	byID     map[string]*entry

	onChange func(total, evicted int)
}

// NewStore returns a Store that retains at most capacity terminal entries.
// An in-flight entry is never evicted regardless of capacity.
func NewStore(capacity int) *Store {
	if capacity < 1 {
		capacity = 1
	}
	return &Store{
		capacity: capacity,
		byID:     make(map[string]*entry),
	}
}

// OnChange installs a callback invoked after every mutation with the
// store's total entry count (including any still in flight) and the
// number of entries that mutation removed: Complete, Fail and Resize
// report how many oldest terminal entries were evicted to stay within
// capacity (often 0), and Clear reports every terminal entry it dropped.
// fn is called with the store's lock held, so it
// must not call back into the Store — that is why it is handed the total
// directly rather than being left to call Len() itself. Used to keep
// Metrics in sync without the store importing the metrics package.
func (s *Store) OnChange(fn func(total, evicted int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Begin allocates a new in-flight Transaction for req and returns a Handle
// to it. Begin never blocks and never fails.
func (s *Store) Begin(req RequestRecord) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	req.ID = nextID()
	e := &entry{
		txn:      &Transaction{Request: req},
		inFlight: true,
	}
	s.byID[req.ID] = e
	s.order = append(s.order, e)
	s.evictLocked()

	return Handle{id: req.ID}
}

// Complete records resp against h's transaction and marks it terminal. It
// is a no-op if h has already been completed/failed, or was evicted.
func (s *Store) Complete(h Handle, resp ResponseRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[h.id]
	if !ok || !e.inFlight {
		return
	}
	resp.ID = h.id
	e.txn.Response = &resp
	e.inFlight = false
	s.evictLocked()
}

// Fail records kind as the terminal error for h's transaction. It is a
// no-op if h has already been completed/failed, or was evicted.
func (s *Store) Fail(h Handle, kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[h.id]
	if !ok || !e.inFlight {
		return
	}
	e.txn.Error = kind
	e.inFlight = false
	s.evictLocked()
}

// evictLocked drops oldest terminal entries until the terminal count is
// within capacity. In-flight entries are never removed, so the store may
// temporarily hold more than capacity entries while requests are pending.
// Must be called with s.mu held.
func (s *Store) evictLocked() {
	terminal := 0
	for _, e := range s.order {
		if !e.inFlight {
			terminal++
		}
	}

	removed := 0
	for terminal > s.capacity {
		idx := -1
		for i, e := range s.order {
			if !e.inFlight {
				idx = i
				break
			}
		}
		if idx == -1 {
			break
		}
		delete(s.byID, s.order[idx].txn.Request.ID)
		s.order = append(s.order[:idx], s.order[idx+1:]...)
		terminal--
		removed++
	}

	if s.onChange != nil {
		s.onChange(len(s.order), removed)
	}
}

// Snapshot returns a point-in-time copy of the history, newest first. The
// returned Transactions are copies; mutating them does not affect the
// Store.
func (s *Store) Snapshot() []Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Transaction, len(s.order))
	for i, e := range s.order {
		// reverse order: newest (end of s.order) first
		src := s.order[len(s.order)-1-i]
		_ = e
		out[i] = *src.txn
	}
	return out
}

// Len returns the current number of entries, including in-flight ones.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Clear drops every terminal entry and reports how many were removed.
// In-flight entries are left untouched; their eventual Complete/Fail call
// still succeeds.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.order[:0]
	removed := 0
	for _, e := range s.order {
		if e.inFlight {
			kept = append(kept, e)
		} else {
			delete(s.byID, e.txn.Request.ID)
			removed++
		}
	}
	s.order = kept

	if s.onChange != nil {
		s.onChange(len(s.order), removed)
	}
	return removed
}

// Resize changes the retained capacity, immediately evicting oldest
// terminal entries if the new capacity is smaller than the current
// terminal count.
func (s *Store) Resize(capacity int) {
	s.mu.Lock()
	if capacity < 1 {
		capacity = 1
	}
	s.capacity = capacity
	s.evictLocked()
	s.mu.Unlock()
}

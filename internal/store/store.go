// Package store implements the data-node storage engine (spec section
// 4.2): a map plus an LRU ordering over entries, a running byte-budget
// account, and bounded eviction.
//
// The map+doubly-linked-list shape is grounded on two examples in the
// retrieval pack: farhanirani-go-low-level-design/lrucache (map keyed by
// node pointer, O(1) unlink/relink) and Krishna8167-tempuscache/eviction.go
// (container/list plus a parallel map, LRU eviction from the back of the
// list under the cache's own lock). LoopCache needs byte-cost accounting
// neither of those examples has, which is why this is hand-rolled instead
// of reaching for a generic LRU package (see DESIGN.md).
package store

import (
	"container/list"
	"sync"
)

// entryOverheadBytes is added to len(key)+len(value) when accounting an
// entry's cost, approximating map/list bookkeeping overhead so UsedBytes
// tracks real memory pressure rather than just payload size.
const entryOverheadBytes = 48

// maxEvictionsPerPut bounds how many LRU victims a single Put will evict
// before giving up and returning OutOfRoom, per spec section 4.2: "an
// implementation may impose a ceiling on evictions per Put and fall back
// to OutOfRoom" — this keeps one oversized Put from starving every other
// entry in a single pathological call.
const maxEvictionsPerPut = 10000

type entry struct {
	key   string
	value []byte
	cost  uint64
}

func cost(key string, value []byte) uint64 {
	return uint64(len(key)) + uint64(len(value)) + entryOverheadBytes
}

// PutOutcome is the result of a Put call (spec section 4.2 contract).
type PutOutcome int

const (
	PutOk PutOutcome = iota
	PutOutOfRoom
)

// Store is one data node's in-memory cache: a byte-budgeted map with LRU
// eviction. All map/list/accounting mutation happens under mu; I/O never
// holds this lock (spec section 5: "read the request into memory, then
// take the lock; take the lock, mutate, drop it, then write the
// response").
type Store struct {
	mu sync.Mutex

	maxBytes   uint64
	usedBytes  uint64
	numObjects int

	index map[string]*list.Element // key -> element wrapping *entry
	order *list.List               // front = most recently used, back = least
}

// New returns an empty store with the given byte budget.
func New(maxBytes uint64) *Store {
	return &Store{
		maxBytes: maxBytes,
		index:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Stats is the (MaxBytes, UsedBytes, NumObjects) triple from spec section
// 4.2; ring version and node status live one layer up, in internal/node,
// since the store has no notion of the ring.
type Stats struct {
	MaxBytes   uint64
	UsedBytes  uint64
	NumObjects int
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{MaxBytes: s.maxBytes, UsedBytes: s.usedBytes, NumObjects: s.numObjects}
}

// SetMaxBytes applies a ChangeNode-driven budget change. If the new budget
// is smaller than the current usage, eviction runs immediately to bring
// UsedBytes back under MaxBytes rather than waiting for the next Put.
func (s *Store) SetMaxBytes(maxBytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxBytes = maxBytes
	for s.usedBytes > s.maxBytes {
		if !s.evictOldestLocked() {
			break
		}
	}
}

// Put inserts or replaces key with value, evicting least-recently-used
// entries if needed to stay within MaxBytes. Returns PutOutOfRoom without
// mutating state if the entry alone cannot fit even an empty store. It also
// returns PutOutOfRoom if the eviction ceiling is hit first; in that case
// the key's previous value and the entries evicted so far stay removed.
func (s *Store) Put(key string, value []byte) PutOutcome {
	newCost := cost(key, value)

	s.mu.Lock()
	defer s.mu.Unlock()

	if newCost > s.maxBytes {
		return PutOutOfRoom
	}

	// Replacing an existing key is modeled as remove-then-insert: this
	// keeps the eviction loop below from ever having to reason about
	// whether its own victim candidate is the key being written.
	if elem, ok := s.index[key]; ok {
		s.removeLocked(elem)
	}

	evictions := 0
	for s.usedBytes+newCost > s.maxBytes {
		if evictions >= maxEvictionsPerPut || !s.evictOldestLocked() {
			return PutOutOfRoom
		}
		evictions++
	}

	e := &entry{key: key, value: value, cost: newCost}
	elem := s.order.PushFront(e)
	s.index[key] = elem
	s.usedBytes += newCost
	s.numObjects++
	return PutOk
}

// Get returns (value, true) on a hit, refreshing the entry's LRU position,
// or (nil, false) on a miss.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.index[key]
	if !ok {
		return nil, false
	}
	s.order.MoveToFront(elem)
	return elem.Value.(*entry).value, true
}

// Delete removes key if present. Idempotent: deleting an absent key
// returns false but is not an error.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.index[key]
	if !ok {
		return false
	}
	s.removeLocked(elem)
	return true
}

// Clear discards every entry and zeros UsedBytes/NumObjects.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = make(map[string]*list.Element)
	s.order.Init()
	s.usedBytes = 0
	s.numObjects = 0
}

// Keys returns a snapshot of every key currently stored, for the migration
// engine to scan when the ring changes (spec section 4.4). The snapshot is
// taken under the lock but the returned slice is safe to range over
// without it.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.index))
	for k := range s.index {
		keys = append(keys, k)
	}
	return keys
}

func (s *Store) evictOldestLocked() bool {
	back := s.order.Back()
	if back == nil {
		return false
	}
	s.removeLocked(back)
	return true
}

func (s *Store) removeLocked(elem *list.Element) {
	e := elem.Value.(*entry)
	s.order.Remove(elem)
	delete(s.index, e.key)
	s.usedBytes -= e.cost
	s.numObjects--
}

// Package ring implements the consistent-hash ring described in spec
// section 4.1: a sorted sequence of (position, node) entries on a 32-bit
// cyclic number line, published as immutable snapshots so readers never
// observe a partially-mutated ring.
//
// The snapshot-plus-atomic-swap design is grounded on galaxyblack-lfchring's
// HashRing: a single atomic.Value holds the current *Config, every mutation
// derives a brand new one and swaps it in, and reads never take a lock.
package ring

import (
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Status is the master's view of a node's health (spec section 4.3).
type Status uint8

const (
	StatusUp Status = iota
	StatusQuestionable
	StatusDown
)

func (s Status) String() string {
	switch s {
	case StatusUp:
		return "Up"
	case StatusQuestionable:
		return "Questionable"
	case StatusDown:
		return "Down"
	default:
		return "Unknown"
	}
}

// granularityBytes is G from spec section 4.1: the capacity, in bytes, that
// one virtual node position is meant to represent. MaxBytes/G virtual nodes
// gives capacity-weighted ownership without needing a separate weight field.
const granularityBytes uint64 = 1 << 30 // 1 GiB

// NodeDescriptor is the stable identity and metadata of one data node
// (spec section 3, "Node descriptor").
type NodeDescriptor struct {
	Host     string
	Port     uint32
	MaxBytes uint64
	Status   Status
}

// Identity returns the (host, port) key this descriptor is stored under.
func (n NodeDescriptor) Identity() string {
	return n.Host + ":" + strconv.FormatUint(uint64(n.Port), 10)
}

// VirtualNodeCount returns V = max(1, round(MaxBytes/G)).
func (n NodeDescriptor) VirtualNodeCount() int {
	if n.MaxBytes == 0 {
		return 1
	}
	v := int((n.MaxBytes + granularityBytes/2) / granularityBytes)
	if v < 1 {
		v = 1
	}
	return v
}

// Entry is one ring position (spec section 3, "Ring entry").
type Entry struct {
	Position uint32
	Host     string
	Port     uint32
	VNodeID  int
}

func (e Entry) identity() string {
	return e.Host + ":" + strconv.FormatUint(uint64(e.Port), 10)
}

// positionsFor generates the deterministic virtual-node positions for a
// node descriptor: the i-th position is hash(host + ":" + port + ":" + i).
func positionsFor(n NodeDescriptor) []Entry {
	count := n.VirtualNodeCount()
	entries := make([]Entry, count)
	for i := 0; i < count; i++ {
		name := n.Host + ":" + strconv.FormatUint(uint64(n.Port), 10) + ":" + strconv.Itoa(i)
		entries[i] = Entry{
			Position: HashKey(name),
			Host:     n.Host,
			Port:     n.Port,
			VNodeID:  i,
		}
	}
	return entries
}

// Config is an immutable snapshot of the ring: a version, the full set of
// node descriptors, and the sorted ring entries (spec section 3, "Ring
// configuration"). Once built a Config is never mutated; AddNode/RemoveNode/
// ChangeNode always build a new one.
type Config struct {
	Version uint32
	Nodes   []NodeDescriptor // sorted by Identity()
	Entries []Entry          // sorted by (Position, Host, Port, VNodeID)
}

func emptyConfig() *Config {
	return &Config{Version: 0, Nodes: nil, Entries: nil}
}

// sortEntries sorts ring entries by position, breaking ties lexically by
// (host, port, i) per spec section 4.1.
func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		if a.Host != b.Host {
			return a.Host < b.Host
		}
		if a.Port != b.Port {
			return a.Port < b.Port
		}
		return a.VNodeID < b.VNodeID
	})
}

func sortNodes(nodes []NodeDescriptor) {
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Identity() < nodes[j].Identity()
	})
}

// SortConfigEntries sorts cfg's entries in place by (position, host, port,
// vnode id). Exported for internal/wire, which reconstructs a *Config from
// a decoded wire payload and needs the same canonical order the ring
// itself maintains internally.
func SortConfigEntries(cfg *Config) {
	sortEntries(cfg.Entries)
	sortNodes(cfg.Nodes)
}

// NodeFor returns the descriptor for a (host, port) identity, if present.
func (c *Config) NodeFor(host string, port uint32) (NodeDescriptor, bool) {
	id := NodeDescriptor{Host: host, Port: port}.Identity()
	for _, n := range c.Nodes {
		if n.Identity() == id {
			return n, true
		}
	}
	return NodeDescriptor{}, false
}

// Owner returns the node owning key under this ring snapshot: the node of
// the first entry whose position is >= hash(key), wrapping to the lowest
// entry if none (spec section 4.1, "Lookup").
func (c *Config) Owner(key string) (NodeDescriptor, bool) {
	if len(c.Entries) == 0 {
		return NodeDescriptor{}, false
	}
	h := HashKey(key)
	idx := sort.Search(len(c.Entries), func(i int) bool {
		return c.Entries[i].Position >= h
	})
	if idx == len(c.Entries) {
		idx = 0
	}
	e := c.Entries[idx]
	return c.NodeFor(e.Host, e.Port)
}

// Clone returns a deep copy of the snapshot, suitable as the basis for a
// mutation (spec section 4.1, "Mutation": "The ring is replaced atomically
// (new immutable snapshot)").
func (c *Config) Clone() *Config {
	nodes := make([]NodeDescriptor, len(c.Nodes))
	copy(nodes, c.Nodes)
	entries := make([]Entry, len(c.Entries))
	copy(entries, c.Entries)
	return &Config{Version: c.Version, Nodes: nodes, Entries: entries}
}

// Ring is the master-side authoritative ring: a single atomic snapshot
// guarded, on the write side, by one mutex so AddNode/RemoveNode/ChangeNode
// serialize (spec section 4.1, "serialized under a single writer lock").
// Readers call Load and never block on the writer.
type Ring struct {
	snapshot atomic.Value // holds *Config
	writerMu sync.Mutex
}

// New returns a Ring starting at version 0 with no nodes.
func New() *Ring {
	r := &Ring{}
	r.snapshot.Store(emptyConfig())
	return r
}

// Load returns the current immutable snapshot. Safe for concurrent use.
func (r *Ring) Load() *Config {
	return r.snapshot.Load().(*Config)
}

// AddNode inserts a new node descriptor, regenerates its virtual-node
// positions, bumps the version, and publishes the new snapshot. Returns an
// error if the identity is already present.
func (r *Ring) AddNode(n NodeDescriptor) (*Config, error) {
	r.writerMu.Lock()
	defer r.writerMu.Unlock()

	cur := r.Load()
	if _, ok := cur.NodeFor(n.Host, n.Port); ok {
		return nil, errors.Errorf("ring: node %s already present", n.Identity())
	}

	next := cur.Clone()
	next.Nodes = append(next.Nodes, n)
	next.Entries = append(next.Entries, positionsFor(n)...)
	sortNodes(next.Nodes)
	sortEntries(next.Entries)
	next.Version = cur.Version + 1

	r.snapshot.Store(next)
	return next, nil
}

// RemoveNode deletes a node and all of its ring entries, bumps the version,
// and publishes the new snapshot. Spec section 4.3 notes removal normally
// waits for migration drain; that sequencing is the master's
// responsibility (internal/master), not the ring's — by the time
// RemoveNode is called here the caller has already decided to proceed.
func (r *Ring) RemoveNode(host string, port uint32) (*Config, error) {
	r.writerMu.Lock()
	defer r.writerMu.Unlock()

	cur := r.Load()
	if _, ok := cur.NodeFor(host, port); !ok {
		return nil, errors.Errorf("ring: node %s:%d not present", host, port)
	}

	id := NodeDescriptor{Host: host, Port: port}.Identity()
	next := cur.Clone()

	nodes := next.Nodes[:0]
	for _, n := range next.Nodes {
		if n.Identity() != id {
			nodes = append(nodes, n)
		}
	}
	next.Nodes = nodes

	entries := next.Entries[:0]
	for _, e := range next.Entries {
		if e.identity() != id {
			entries = append(entries, e)
		}
	}
	next.Entries = entries
	next.Version = cur.Version + 1

	r.snapshot.Store(next)
	return next, nil
}

// ChangeNode updates a node's MaxBytes, regenerates its virtual-node
// positions (the count may change), bumps the version, and publishes the
// new snapshot.
func (r *Ring) ChangeNode(host string, port uint32, newMaxBytes uint64) (*Config, error) {
	r.writerMu.Lock()
	defer r.writerMu.Unlock()

	cur := r.Load()
	existing, ok := cur.NodeFor(host, port)
	if !ok {
		return nil, errors.Errorf("ring: node %s:%d not present", host, port)
	}

	id := existing.Identity()
	updated := existing
	updated.MaxBytes = newMaxBytes

	next := cur.Clone()
	for i := range next.Nodes {
		if next.Nodes[i].Identity() == id {
			next.Nodes[i] = updated
		}
	}

	entries := next.Entries[:0]
	for _, e := range next.Entries {
		if e.identity() != id {
			entries = append(entries, e)
		}
	}
	entries = append(entries, positionsFor(updated)...)
	sortEntries(entries)
	next.Entries = entries
	next.Version = cur.Version + 1

	r.snapshot.Store(next)
	return next, nil
}

// SetStatus updates a node's advisory status in place without bumping the
// ring version: status is not part of the ownership contract (spec section
// 3 lists it on the node descriptor, but section 4.3's state machine is
// advisory bookkeeping, not a ring mutation that routing depends on).
func (r *Ring) SetStatus(host string, port uint32, status Status) bool {
	r.writerMu.Lock()
	defer r.writerMu.Unlock()

	cur := r.Load()
	id := NodeDescriptor{Host: host, Port: port}.Identity()
	found := false
	next := cur.Clone()
	for i := range next.Nodes {
		if next.Nodes[i].Identity() == id {
			next.Nodes[i].Status = status
			found = true
		}
	}
	if !found {
		return false
	}
	r.snapshot.Store(next)
	return true
}

package migration

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"

	"github.com/LoopLLC/LoopCache-sub001/internal/ring"
	"github.com/LoopLLC/LoopCache-sub001/internal/transport"
	"github.com/LoopLLC/LoopCache-sub001/internal/wire"
)

// handoff is one enqueued (key, value, new owner) tuple (spec section
// 4.4).
type handoff struct {
	key      string
	value    []byte
	newOwner string // host:port
}

// Store is the subset of internal/store.Store the migration engine needs:
// reading the keys that might need to move, and deleting a key once it
// has been successfully handed off.
type Store interface {
	Get(key string) ([]byte, bool)
	Delete(key string) bool
	Keys() []string
}

// Engine drives migration for one data node: Rescan(newConfig) enqueues
// every locally-held key whose owner under newConfig differs from this
// node, and a pool of sender workers drains the queue, issuing
// migration-mode Puts against each key's new owner.
type Engine struct {
	selfID string
	store  Store
	pool   *transport.Pool
	logger log.Logger
	queue  *Queue[handoff]

	// refreshConfig is called by a sender worker when a Put comes back
	// NotOwner, so it can re-resolve the true current owner before
	// re-enqueueing (spec section 4.4: "On NotOwner, the sender
	// refreshes config from master and re-enqueues").
	refreshConfig func(ctx context.Context) (*ring.Config, error)

	// migratedTotal counts successful handoffs. It is read far more often
	// (stats/logging) than written (once per completed migration), the
	// same access pattern the teacher's queue package uses go.uber.org/atomic
	// counters for.
	migratedTotal atomic.Uint64
}

// MigratedTotal returns the number of keys this engine has successfully
// handed off to a new owner since construction.
func (e *Engine) MigratedTotal() uint64 { return e.migratedTotal.Load() }

// EngineConfig parameterizes engine construction; QueueSize/WorkerCount feed
// directly into the underlying migration.Queue.
type EngineConfig struct {
	SelfID      string
	QueueSize   int
	WorkerCount int
}

func NewEngine(cfg EngineConfig, store Store, pool *transport.Pool, logger log.Logger, refreshConfig func(ctx context.Context) (*ring.Config, error)) *Engine {
	e := &Engine{
		selfID:        cfg.SelfID,
		store:         store,
		pool:          pool,
		logger:        logger,
		refreshConfig: refreshConfig,
	}
	e.queue = New(Config{
		Name:        "outbound-handoff",
		NodeID:      cfg.SelfID,
		Size:        cfg.QueueSize,
		WorkerCount: cfg.WorkerCount,
	}, logger, e.send)
	return e
}

func (e *Engine) Start() { e.queue.StartWorkers() }

func (e *Engine) Stop(ctx context.Context) error { return e.queue.Shutdown(ctx) }

// Rescan compares every locally-held key's owner against newConfig and
// enqueues a handoff for each key this node no longer owns. Keys are
// read, and any resulting Delete happens, under the store's own lock
// (internal/store.Store), so a concurrent client read/write for the same
// key is always serialized with migration for that key (spec section
// 4.4, "Ordering"). Across keys no ordering is promised, matching the
// spec directly.
func (e *Engine) Rescan(ctx context.Context, newConfig *ring.Config) {
	for _, key := range e.store.Keys() {
		owner, ok := newConfig.Owner(key)
		if !ok || owner.Identity() == e.selfID {
			continue
		}
		value, hit := e.store.Get(key)
		if !hit {
			continue // raced with a concurrent delete/eviction; nothing to migrate
		}
		if err := e.queue.Push(ctx, handoff{key: key, value: value, newOwner: owner.Identity()}); err != nil {
			level.Warn(e.logger).Log("msg", "failed to enqueue migration handoff", "key", key, "new_owner", owner.Identity(), "err", err)
		}
	}
}

// send is the queue's ProcessFunc: it opens (or reuses) a connection to
// the handoff's target, issues a migration-mode Put, and on Ok deletes the
// local copy. On NotOwner it refreshes the ring and re-enqueues against
// the corrected owner; any other failure is logged and the key is left in
// place for the next Rescan to pick up (the cache is advisory — losing a
// migration in flight is acceptable, per spec section 1).
func (e *Engine) send(ctx context.Context, h handoff) {
	conn, err := e.pool.Get(h.newOwner, transport.DefaultTimeout)
	if err != nil {
		level.Warn(e.logger).Log("msg", "migration: dial failed", "target", h.newOwner, "key", h.key, "err", err)
		return
	}

	payload := wire.NewEncoder().String(h.key).Bytes(h.value).Uint8(wire.PutFlagMigration).Payload()
	respType, respPayload, err := transport.Call(conn, transport.DefaultTimeout, wire.TypePutObject, payload)
	if err != nil {
		e.pool.Discard(h.newOwner, conn)
		level.Warn(e.logger).Log("msg", "migration: put failed", "target", h.newOwner, "key", h.key, "err", err)
		return
	}
	e.pool.Put(h.newOwner, conn)

	switch respType {
	case wire.TypeOk:
		e.store.Delete(h.key)
		e.migratedTotal.Inc()
	case wire.TypeNotOwner:
		e.reenqueueAgainstFreshOwner(ctx, h, respPayload)
	case wire.TypeOutOfRoom:
		level.Warn(e.logger).Log("msg", "migration: target out of room, dropping key", "target", h.newOwner, "key", h.key)
	default:
		level.Warn(e.logger).Log("msg", "migration: unexpected response", "target", h.newOwner, "key", h.key, "type", respType.String())
	}
}

func (e *Engine) reenqueueAgainstFreshOwner(ctx context.Context, h handoff, notOwnerPayload []byte) {
	cfg, err := wire.DecodeConfig(notOwnerPayload)
	if err != nil {
		if e.refreshConfig == nil {
			return
		}
		cfg, err = e.refreshConfig(ctx)
		if err != nil {
			level.Warn(e.logger).Log("msg", "migration: failed to refresh config after NotOwner", "key", h.key, "err", err)
			return
		}
	}

	owner, ok := cfg.Owner(h.key)
	if !ok || owner.Identity() == e.selfID {
		return // now our own key again, or ring momentarily empty; leave it local
	}
	h.newOwner = owner.Identity()
	if err := e.queue.Push(ctx, h); err != nil {
		level.Warn(e.logger).Log("msg", "migration: failed to re-enqueue after NotOwner", "key", h.key, "err", err)
	}
}

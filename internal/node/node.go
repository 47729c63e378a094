// Package node implements the data-node server (spec sections 4.2-4.4):
// it owns a store.Store shard, a cached ring snapshot, and the migration
// engine that hands off keys it no longer owns after a reconfiguration.
package node

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/LoopLLC/LoopCache-sub001/internal/migration"
	"github.com/LoopLLC/LoopCache-sub001/internal/ring"
	"github.com/LoopLLC/LoopCache-sub001/internal/store"
	"github.com/LoopLLC/LoopCache-sub001/internal/transport"
)

// Metrics are the Prometheus series a Node updates. New builds one set per
// Node, each carrying the node's identity as a constant "node" label, so
// several Node instances can register into the same registry without
// their series colliding.
type Metrics struct {
	UsedBytes      prometheus.Gauge
	NumObjects     prometheus.Gauge
	EvictionsTotal prometheus.Counter
	RequestsTotal  *prometheus.CounterVec // labels: op, result
	RingVersion    prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer, nodeID string) *Metrics {
	m := &Metrics{
		UsedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loopcache", Subsystem: "node", Name: "used_bytes",
			Help: "Bytes currently stored on this node.", ConstLabels: prometheus.Labels{"node": nodeID},
		}),
		NumObjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loopcache", Subsystem: "node", Name: "num_objects",
			Help: "Number of cache entries currently stored on this node.", ConstLabels: prometheus.Labels{"node": nodeID},
		}),
		EvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loopcache", Subsystem: "node", Name: "evictions_total",
			Help: "Total number of LRU evictions performed by this node.", ConstLabels: prometheus.Labels{"node": nodeID},
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loopcache", Subsystem: "node", Name: "requests_total",
			Help: "Requests served by this node, by operation and result.", ConstLabels: prometheus.Labels{"node": nodeID},
		}, []string{"op", "result"}),
		RingVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loopcache", Subsystem: "node", Name: "ring_version",
			Help: "Ring version this node currently has cached.", ConstLabels: prometheus.Labels{"node": nodeID},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.UsedBytes, m.NumObjects, m.EvictionsTotal, m.RequestsTotal, m.RingVersion)
	}
	return m
}

// ShutdownGracePeriod bounds how long Stop waits for the migration engine
// to drain in-flight handoffs before the process exits.
const ShutdownGracePeriod = 5 * time.Second

// Config configures a Node at construction time.
type Config struct {
	Host               string
	Port               uint32
	MaxBytes           uint64
	MasterAddress      string
	MigrationQueueSize int
	MigrationWorkers   int
	MaxConcurrentConns int
}

// Node is one data node: storage engine, cached ring, migration engine,
// and the bookkeeping needed to serve the wire protocol (internal/node's
// server.go) and heartbeat to the master (internal/node's heartbeat.go).
type Node struct {
	cfg     Config
	self    string // host:port identity
	store   *store.Store
	pool    *transport.Pool
	logger  log.Logger
	metrics *Metrics

	cachedConfig    atomic.Value // *ring.Config
	migrationEngine *migration.Engine
}

func New(cfg Config, logger log.Logger, reg prometheus.Registerer) *Node {
	self := ring.NodeDescriptor{Host: cfg.Host, Port: cfg.Port}.Identity()
	s := store.New(cfg.MaxBytes)
	pool := transport.NewPool()
	metrics := NewMetrics(reg, self)
	metrics.UsedBytes.Set(0)

	n := &Node{
		cfg:     cfg,
		self:    self,
		store:   s,
		pool:    pool,
		logger:  log.With(logger, "component", "node", "node", self),
		metrics: metrics,
	}
	n.cachedConfig.Store(&ring.Config{})

	n.migrationEngine = migration.NewEngine(migration.EngineConfig{
		SelfID:      self,
		QueueSize:   cfg.MigrationQueueSize,
		WorkerCount: cfg.MigrationWorkers,
	}, s, pool, n.logger, n.fetchConfigFromMaster)

	return n
}

// CachedConfig returns the node's current view of the ring.
func (n *Node) CachedConfig() *ring.Config {
	return n.cachedConfig.Load().(*ring.Config)
}

// ApplyConfig adopts newConfig if its version is strictly greater than
// the cached one (spec section 5: "nodes and clients accept only versions
// strictly greater than their cached version"), then kicks off a
// migration rescan for any keys this node no longer owns.
func (n *Node) ApplyConfig(ctx context.Context, newConfig *ring.Config) bool {
	current := n.CachedConfig()
	if newConfig.Version <= current.Version {
		return false
	}
	n.cachedConfig.Store(newConfig)
	n.metrics.RingVersion.Set(float64(newConfig.Version))
	if self, ok := newConfig.NodeFor(n.cfg.Host, n.cfg.Port); ok {
		level.Info(n.logger).Log("msg", "adopted new ring config", "version", newConfig.Version, "capacity", humanize.IBytes(self.MaxBytes))
	} else {
		level.Info(n.logger).Log("msg", "adopted new ring config", "version", newConfig.Version)
	}
	n.migrationEngine.Rescan(ctx, newConfig)
	return true
}

// fetchConfigFromMaster is used by the migration engine when a handoff
// comes back NotOwner with an undecodable payload (defensive fallback;
// normally the embedded config in the NotOwner response is used
// directly). It dials the master and issues GetConfig.
func (n *Node) fetchConfigFromMaster(ctx context.Context) (*ring.Config, error) {
	return transport.FetchConfig(ctx, n.pool, n.cfg.MasterAddress)
}

func (n *Node) Start() { n.migrationEngine.Start() }

func (n *Node) Stop(ctx context.Context) error {
	n.pool.CloseAll()
	return n.migrationEngine.Stop(ctx)
}

// refreshStatsGauges is called after every mutating store operation so
// Prometheus reflects the latest UsedBytes/NumObjects without a separate
// polling loop.
func (n *Node) refreshStatsGauges() {
	stats := n.store.Stats()
	n.metrics.UsedBytes.Set(float64(stats.UsedBytes))
	n.metrics.NumObjects.Set(float64(stats.NumObjects))
}

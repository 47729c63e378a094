// Package master implements the authoritative ring holder (spec section
// 4.3): the node table and its Up/Questionable/Down state machine, the
// administrative ring mutators, and best-effort ChangeConfig fan-out to
// every known data node.
package master

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/LoopLLC/LoopCache-sub001/internal/ring"
	"github.com/LoopLLC/LoopCache-sub001/internal/transport"
	"github.com/LoopLLC/LoopCache-sub001/internal/wire"
)

// QuestionableAfter and DownAfter resolve the Open Question on probe
// policy: 3 missed 5s heartbeats (node.HeartbeatInterval) puts a node into
// Questionable, and a further period of the same length with no successful
// probe or heartbeat declares it Down. Both are silence thresholds
// measured from lastSeen, not accumulating miss-counters, since the master
// only ever observes "time since last Register", never individual missed
// ticks.
const (
	QuestionableAfter = 15 * time.Second
	DownAfter         = 30 * time.Second
)

// nodeState is the master's bookkeeping for one data node, beyond what
// ring.NodeDescriptor itself carries.
type nodeState struct {
	instanceID uuid.UUID
	lastSeen   time.Time
	pushedHash uint64 // fingerprint of the last config successfully pushed
	pushedVer  uint32
}

// Metrics are the Prometheus series the master exposes.
type Metrics struct {
	NodesTotal      prometheus.Gauge
	RingVersion     prometheus.Gauge
	PushesTotal     *prometheus.CounterVec // result: ok, skipped, failed
	ProbeStateTotal *prometheus.CounterVec // state: up, questionable, down
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		NodesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loopcache", Subsystem: "master", Name: "nodes_total",
			Help: "Number of nodes currently in the ring.",
		}),
		RingVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loopcache", Subsystem: "master", Name: "ring_version",
			Help: "Current ring configuration version.",
		}),
		PushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loopcache", Subsystem: "master", Name: "config_pushes_total",
			Help: "ChangeConfig pushes to data nodes, by result.",
		}, []string{"result"}),
		ProbeStateTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loopcache", Subsystem: "master", Name: "node_state_transitions_total",
			Help: "Node state-machine transitions, by resulting state.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(m.NodesTotal, m.RingVersion, m.PushesTotal, m.ProbeStateTotal)
	}
	return m
}

// Config parameterizes a Master at construction.
type Config struct {
	PushConcurrency int // bounded fan-out width for ChangeConfig pushes
}

// Master owns the authoritative ring and the advisory node-health table.
type Master struct {
	ring    *ring.Ring
	pool    *transport.Pool
	logger  log.Logger
	metrics *Metrics
	pushSem *semaphore.Weighted

	mu    sync.Mutex
	nodes map[string]*nodeState // identity -> state
}

func New(cfg Config, logger log.Logger, reg prometheus.Registerer) *Master {
	concurrency := int64(cfg.PushConcurrency)
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Master{
		ring:    ring.New(),
		pool:    transport.NewPool(),
		logger:  log.With(logger, "component", "master"),
		metrics: NewMetrics(reg),
		pushSem: semaphore.NewWeighted(concurrency),
		nodes:   make(map[string]*nodeState),
	}
}

// CurrentConfig returns the authoritative ring snapshot.
func (m *Master) CurrentConfig() *ring.Config { return m.ring.Load() }

// Register handles a Register request (first contact or heartbeat): it
// adds the node to the ring if unknown (Unregistered -> Up), marks it Up
// if it was Questionable or Down, and refreshes lastSeen either way. It
// returns the current ring so the caller can reply with ConfigResponse.
func (m *Master) Register(host string, port uint32, maxBytes uint64) *ring.Config {
	id := ring.NodeDescriptor{Host: host, Port: port}.Identity()

	m.mu.Lock()
	state, known := m.nodes[id]
	if !known {
		state = &nodeState{instanceID: uuid.New()}
		m.nodes[id] = state
	}
	state.lastSeen = time.Now()
	m.mu.Unlock()

	cfg := m.CurrentConfig()
	if _, ok := cfg.NodeFor(host, port); !ok {
		newCfg, err := m.ring.AddNode(ring.NodeDescriptor{Host: host, Port: port, MaxBytes: maxBytes, Status: ring.StatusUp})
		if err != nil {
			level.Warn(m.logger).Log("msg", "register: add node failed", "node", id, "err", err)
			return cfg
		}
		cfg = newCfg
		level.Info(m.logger).Log("msg", "node registered", "node", id, "version", cfg.Version)
		m.refreshRingMetrics(cfg)
		go m.pushToAll(context.Background(), cfg)
	} else {
		m.setStatus(host, port, ring.StatusUp)
	}
	return cfg
}

// AddNode is the administrative entry point (distinct from Register in
// that it is operator-initiated and fails if the node already exists).
func (m *Master) AddNode(ctx context.Context, host string, port uint32, maxBytes uint64) (*ring.Config, error) {
	cfg, err := m.ring.AddNode(ring.NodeDescriptor{Host: host, Port: port, MaxBytes: maxBytes, Status: ring.StatusUp})
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	id := ring.NodeDescriptor{Host: host, Port: port}.Identity()
	if _, ok := m.nodes[id]; !ok {
		m.nodes[id] = &nodeState{instanceID: uuid.New(), lastSeen: time.Now()}
	}
	m.mu.Unlock()

	m.refreshRingMetrics(cfg)
	m.pushToAll(ctx, cfg)
	return cfg, nil
}

// RemoveNode deletes a node from the ring and pushes the result. Spec
// section 4.3 notes removal normally waits for migration drain; scheduling
// that wait is an operator/admin-surface concern out of this package's
// scope (see DESIGN.md, "Known gaps"), so RemoveNode here always proceeds immediately
// ("or forcibly with key loss").
func (m *Master) RemoveNode(ctx context.Context, host string, port uint32) (*ring.Config, error) {
	cfg, err := m.ring.RemoveNode(host, port)
	if err != nil {
		return nil, err
	}
	id := ring.NodeDescriptor{Host: host, Port: port}.Identity()
	m.mu.Lock()
	delete(m.nodes, id)
	m.mu.Unlock()

	m.refreshRingMetrics(cfg)
	m.pushToAll(ctx, cfg)
	return cfg, nil
}

func (m *Master) ChangeNode(ctx context.Context, host string, port uint32, newMaxBytes uint64) (*ring.Config, error) {
	cfg, err := m.ring.ChangeNode(host, port, newMaxBytes)
	if err != nil {
		return nil, err
	}
	m.refreshRingMetrics(cfg)
	m.pushToAll(ctx, cfg)
	return cfg, nil
}

// NodeDown is the advisory client-reported hint (spec section 4.3): it
// only ever schedules a downgrade to Questionable, never removes the node
// or changes ring ownership directly.
func (m *Master) NodeDown(host string, port uint32) {
	m.setStatus(host, port, ring.StatusQuestionable)
	level.Warn(m.logger).Log("msg", "advisory NodeDown received", "node", fmt.Sprintf("%s:%d", host, port))
}

func (m *Master) setStatus(host string, port uint32, status ring.Status) {
	if m.ring.SetStatus(host, port, status) {
		m.metrics.ProbeStateTotal.WithLabelValues(statusLabel(status)).Inc()
	}
}

func statusLabel(s ring.Status) string {
	switch s {
	case ring.StatusUp:
		return "up"
	case ring.StatusQuestionable:
		return "questionable"
	default:
		return "down"
	}
}

// RunProbe periodically demotes nodes whose lastSeen has gone stale: Up to
// Questionable past QuestionableAfter, and any node not already Down (Up
// included) to Down past DownAfter. It runs until ctx is cancelled.
func (m *Master) RunProbe(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeOnce()
		}
	}
}

// HeartbeatCheckInterval is how often RunProbe scans the node table; it
// need not match the node's own heartbeat cadence, only be fine-grained
// enough relative to QuestionableAfter/DownAfter to catch transitions
// promptly.
const HeartbeatCheckInterval = 2 * time.Second

func (m *Master) probeOnce() {
	now := time.Now()

	m.mu.Lock()
	type stale struct {
		host string
		port uint32
		to   ring.Status
	}
	var demotions []stale
	for id, st := range m.nodes {
		silence := now.Sub(st.lastSeen)
		cfg := m.CurrentConfig()
		desc, ok := cfg.NodeFor(hostFromIdentity(id), portFromIdentity(id))
		if !ok {
			continue
		}
		switch {
		case silence >= DownAfter && desc.Status != ring.StatusDown:
			demotions = append(demotions, stale{desc.Host, desc.Port, ring.StatusDown})
		case silence >= QuestionableAfter && desc.Status == ring.StatusUp:
			demotions = append(demotions, stale{desc.Host, desc.Port, ring.StatusQuestionable})
		}
	}
	m.mu.Unlock()

	for _, d := range demotions {
		m.setStatus(d.host, d.port, d.to)
		level.Warn(m.logger).Log("msg", "node probe demotion", "host", d.host, "port", d.port, "status", d.to.String())
	}
}

func (m *Master) refreshRingMetrics(cfg *ring.Config) {
	m.metrics.NodesTotal.Set(float64(len(cfg.Nodes)))
	m.metrics.RingVersion.Set(float64(cfg.Version))
}

// pushToAll best-effort pushes cfg to every node in it, bounded to
// pushSem's weight concurrently (spec section 4.3: "Push of ChangeConfig
// is best-effort with retry; nodes also poll on any ownership error, so
// eventual convergence does not depend on push success" — here "retry" is
// left to the node's own NotOwner-driven refetch rather than the master
// retrying the push itself). Pushes are deduped per node by an xxhash
// fingerprint of the encoded payload so a node already holding the exact
// bytes being pushed is skipped.
func (m *Master) pushToAll(ctx context.Context, cfg *ring.Config) {
	payload := wire.EncodeConfig(cfg)
	fingerprint := xxhash.Sum64(payload)

	var wg sync.WaitGroup
	for _, n := range cfg.Nodes {
		n := n
		id := n.Identity()

		m.mu.Lock()
		state, ok := m.nodes[id]
		m.mu.Unlock()
		if ok && state.pushedVer >= cfg.Version && state.pushedHash == fingerprint {
			m.metrics.PushesTotal.WithLabelValues("skipped").Inc()
			continue
		}

		if err := m.pushSem.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer m.pushSem.Release(1)
			m.pushOne(ctx, n, payload, cfg.Version, fingerprint)
		}()
	}
	wg.Wait()
}

func (m *Master) pushOne(ctx context.Context, n ring.NodeDescriptor, payload []byte, version uint32, fingerprint uint64) {
	addr := n.Identity()
	conn, err := m.pool.Get(addr, transport.DefaultTimeout)
	if err != nil {
		m.metrics.PushesTotal.WithLabelValues("failed").Inc()
		level.Warn(m.logger).Log("msg", "push: dial failed", "node", addr, "err", err)
		return
	}

	respType, _, err := transport.Call(conn, transport.DefaultTimeout, wire.TypeChangeConfig, payload)
	if err != nil {
		m.pool.Discard(addr, conn)
		m.metrics.PushesTotal.WithLabelValues("failed").Inc()
		level.Warn(m.logger).Log("msg", "push: call failed", "node", addr, "err", err)
		return
	}
	m.pool.Put(addr, conn)

	if respType != wire.TypeOk {
		m.metrics.PushesTotal.WithLabelValues("failed").Inc()
		level.Warn(m.logger).Log("msg", "push: unexpected response", "node", addr, "type", respType.String())
		return
	}

	m.mu.Lock()
	if state, ok := m.nodes[addr]; ok {
		state.pushedVer = version
		state.pushedHash = fingerprint
	}
	m.mu.Unlock()
	m.metrics.PushesTotal.WithLabelValues("ok").Inc()
}

func hostFromIdentity(id string) string {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == ':' {
			return id[:i]
		}
	}
	return id
}

func portFromIdentity(id string) uint32 {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == ':' {
			port, err := strconv.ParseUint(id[i+1:], 10, 32)
			if err != nil {
				return 0
			}
			return uint32(port)
		}
	}
	return 0
}

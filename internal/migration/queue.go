// Package migration implements the outbound key-handoff pipeline
// described in spec section 4.4: when a node's cached ring changes, it
// scans its keys, computes each key's new owner, and hands ownership off
// to a bounded queue drained by a small pool of sender workers.
//
// The generic bounded-queue-plus-worker-pool shape (Config, New,
// ProcessFunc, Push/StartWorkers/Shutdown, prometheus counters reset
// between tests) is grounded on grafana-tempo's
// modules/distributor/queue_test.go, which is the only surviving file from
// that package in the retrieval pack but fully specifies its behavior.
package migration

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	pushesTotalMetrics = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loopcache",
		Subsystem: "migration_queue",
		Name:      "pushes_total",
		Help:      "Total number of items pushed onto a migration queue.",
	}, []string{"name", "node"})

	pushesFailuresTotalMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loopcache",
		Subsystem: "migration_queue",
		Name:      "push_failures_total",
		Help:      "Total number of failed pushes onto a migration queue (full queue, cancelled context, or shut down).",
	}, []string{"name", "node"})

	lengthMetric = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "loopcache",
		Subsystem: "migration_queue",
		Name:      "length",
		Help:      "Current number of items waiting in a migration queue.",
	}, []string{"name", "node"})
)

func init() {
	prometheus.MustRegister(pushesTotalMetrics, pushesFailuresTotalMetric, lengthMetric)
}

// ProcessFunc handles one dequeued item. It must not block indefinitely:
// a stuck processFunc stalls its worker slot and, eventually, the whole
// queue.
type ProcessFunc[T any] func(context.Context, T)

// Config parameterizes a Queue. Name identifies the queue's purpose (for
// metrics and logs) and NodeID identifies the data node instance running
// it, so a node's migration-queue metrics are distinguishable from any
// other node's in a shared Prometheus registry.
type Config struct {
	Name        string
	NodeID      string
	Size        int
	WorkerCount int
}

// Queue is a bounded, generic work queue with a fixed pool of worker
// goroutines invoking processFunc on each item.
type Queue[T any] struct {
	name        string
	nodeID      string
	size        int
	workerCount int

	logger      log.Logger
	processFunc ProcessFunc[T]

	reqChan chan T

	mu       sync.Mutex
	started  bool
	shutdown bool
	wg       sync.WaitGroup
	stopCh   chan struct{}

	pushesTotalMetrics        prometheus.Counter
	pushesFailuresTotalMetrics prometheus.Counter
	lengthMetric              prometheus.Gauge
}

// New builds a Queue. Workers are not started until StartWorkers is
// called, so a caller can push items (up to Size) before workers exist —
// exercised directly by the teacher's
// TestQueue_Push_ReturnsNoErrorWhenPushingLessItemsThanSizeWithStoppedWorkers.
func New[T any](cfg Config, logger log.Logger, processFunc ProcessFunc[T]) *Queue[T] {
	return &Queue[T]{
		name:        cfg.Name,
		nodeID:      cfg.NodeID,
		size:        cfg.Size,
		workerCount: cfg.WorkerCount,
		logger:      logger,
		processFunc: processFunc,
		reqChan:     make(chan T, cfg.Size),
		stopCh:      make(chan struct{}),

		pushesTotalMetrics:         pushesTotalMetrics.WithLabelValues(cfg.Name, cfg.NodeID),
		pushesFailuresTotalMetrics: pushesFailuresTotalMetric.WithLabelValues(cfg.Name, cfg.NodeID),
		lengthMetric:               lengthMetric.WithLabelValues(cfg.Name, cfg.NodeID),
	}
}

// Push enqueues item, failing if the queue is full, the context is done,
// or the queue has been shut down.
func (q *Queue[T]) Push(ctx context.Context, item T) error {
	q.mu.Lock()
	shutdown := q.shutdown
	q.mu.Unlock()
	if shutdown {
		q.pushesFailuresTotalMetrics.Inc()
		return fmt.Errorf("migration: queue %s is shut down", q.name)
	}

	select {
	case <-ctx.Done():
		q.pushesTotalMetrics.Inc()
		q.pushesFailuresTotalMetrics.Inc()
		return ctx.Err()
	default:
	}

	select {
	case q.reqChan <- item:
		q.pushesTotalMetrics.Inc()
		q.lengthMetric.Set(float64(len(q.reqChan)))
		return nil
	default:
		q.pushesTotalMetrics.Inc()
		q.pushesFailuresTotalMetrics.Inc()
		q.logDropped(item)
		return fmt.Errorf("migration: queue %s is full (size %d)", q.name, q.size)
	}
}

// StartWorkers launches workerCount goroutines draining reqChan. Calling
// StartWorkers after Shutdown restarts draining against whatever remains
// buffered in reqChan (used by tests to assert drain-then-restart
// semantics); it is a no-op if workers are already running.
func (q *Queue[T]) StartWorkers() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	q.shutdown = false
	q.stopCh = make(chan struct{})

	for i := 0; i < q.workerCount; i++ {
		q.wg.Add(1)
		go q.worker(q.stopCh)
	}
}

func (q *Queue[T]) worker(stop <-chan struct{}) {
	defer q.wg.Done()
	for {
		select {
		case item := <-q.reqChan:
			q.lengthMetric.Set(float64(len(q.reqChan)))
			q.processFunc(context.Background(), item)
		case <-stop:
			// Drain whatever is already buffered before exiting, so a
			// Shutdown doesn't strand pushed-but-unprocessed items.
			for {
				select {
				case item := <-q.reqChan:
					q.lengthMetric.Set(float64(len(q.reqChan)))
					q.processFunc(context.Background(), item)
				default:
					return
				}
			}
		}
	}
}

// Shutdown stops accepting new pushes, signals workers to drain the
// buffered queue and exit, and waits for them (bounded by ctx).
func (q *Queue[T]) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return nil
	}
	q.shutdown = true
	started := q.started
	q.started = false
	stop := q.stopCh
	q.mu.Unlock()

	if !started {
		return nil
	}
	close(stop)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ShouldUpdate reports whether size or workerCount differs from the
// queue's current configuration, i.e. whether a caller reacting to a
// config change needs to rebuild the queue at all.
func (q *Queue[T]) ShouldUpdate(size, workerCount int) bool {
	return size != q.size || workerCount != q.workerCount
}

func (q *Queue[T]) logDropped(item any) {
	level.Warn(q.logger).Log("msg", "migration queue full, dropping item", "queue", q.name, "node", q.nodeID, "item", fmt.Sprintf("%v", item))
}

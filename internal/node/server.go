package node

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/LoopLLC/LoopCache-sub001/internal/store"
	"github.com/LoopLLC/LoopCache-sub001/internal/wire"
)

// Serve runs the accept loop: each connection is handled by a worker
// pulled from an errgroup.Group bounded by cfg.MaxConcurrentConns, the
// "pool of parallel workers dispatched off an accept loop" spec section 5
// calls for. Serve blocks until ctx is cancelled or the listener errors,
// then waits for in-flight connections to finish before returning.
func (n *Node) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	if n.cfg.MaxConcurrentConns > 0 {
		g.SetLimit(n.cfg.MaxConcurrentConns)
	}

	go func() {
		<-gctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if gctx.Err() != nil {
				break // shutting down: Accept's error is just the listener closing
			}
			return err
		}
		g.Go(func() error {
			n.handleConn(gctx, conn)
			return nil
		})
	}

	_ = g.Wait()
	return nil
}

// handleConn serves request/response pairs on one connection until the
// client disconnects or a protocol error forces a close (spec section 7:
// malformed frames close the connection with no server state change).
func (n *Node) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	for {
		frame, err := wire.ReadFrame(conn, wire.MaxPayloadBytes)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				level.Debug(n.logger).Log("msg", "connection read error, closing", "err", err)
			}
			return
		}

		respType, respPayload := n.dispatch(ctx, frame)
		if err := wire.WriteFrame(conn, respType, respPayload); err != nil {
			level.Debug(n.logger).Log("msg", "connection write error, closing", "err", err)
			return
		}
	}
}

// dispatch handles exactly one request frame and returns the response to
// write. It never panics: an unknown type or malformed payload yields a
// Error response rather than closing the connection, since the frame
// itself decoded fine (the outer length-prefixed envelope was valid) —
// only truncated/oversize *frames* are treated as connection-ending
// protocol errors (spec section 6.2/7).
func (n *Node) dispatch(ctx context.Context, frame wire.Frame) (wire.MessageType, []byte) {
	switch frame.Type {
	case wire.TypePutObject:
		return n.handlePut(frame.Payload)
	case wire.TypeGetObject:
		return n.handleGet(frame.Payload)
	case wire.TypeDeleteObject:
		return n.handleDelete(frame.Payload)
	case wire.TypeClear:
		n.store.Clear()
		n.refreshStatsGauges()
		return wire.TypeOk, nil
	case wire.TypeGetStats:
		return n.handleStats()
	case wire.TypeChangeConfig:
		return n.handleChangeConfig(ctx, frame.Payload)
	case wire.TypeGetConfig:
		// A data node isn't authoritative for the ring, but answering
		// GetConfig with its own cached copy lets a client that only
		// knows one node's address bootstrap without hardcoding the
		// master's.
		return wire.TypeConfigResponse, wire.EncodeConfig(n.CachedConfig())
	default:
		return wire.TypeError, []byte("unknown message type")
	}
}

func (n *Node) checkOwnership(key string) (wire.MessageType, []byte, bool) {
	cfg := n.CachedConfig()
	owner, ok := cfg.Owner(key)
	if !ok || owner.Identity() != n.self {
		return wire.TypeNotOwner, wire.EncodeConfig(cfg), false
	}
	return 0, nil, true
}

func (n *Node) handlePut(payload []byte) (wire.MessageType, []byte) {
	d := wire.NewDecoder(payload)
	key, err := d.String()
	if err != nil {
		return wire.TypeError, []byte(err.Error())
	}
	value, err := d.Bytes()
	if err != nil {
		return wire.TypeError, []byte(err.Error())
	}
	flags, err := d.Uint8()
	if err != nil {
		return wire.TypeError, []byte(err.Error())
	}
	migrationMode := flags&wire.PutFlagMigration != 0

	if respType, respPayload, owned := n.checkOwnership(key); !owned {
		n.metrics.RequestsTotal.WithLabelValues("put", "not_owner").Inc()
		return respType, respPayload
	}

	outcome := n.store.Put(key, value)
	n.refreshStatsGauges()

	result := "ok"
	switch outcome {
	case store.PutOk:
		if migrationMode {
			n.metrics.RequestsTotal.WithLabelValues("put_migration", "ok").Inc()
		} else {
			n.metrics.RequestsTotal.WithLabelValues("put", "ok").Inc()
		}
		return wire.TypeOk, nil
	case store.PutOutOfRoom:
		result = "out_of_room"
		n.metrics.RequestsTotal.WithLabelValues("put", result).Inc()
		n.metrics.EvictionsTotal.Inc()
		return wire.TypeOutOfRoom, nil
	default:
		return wire.TypeError, []byte("unknown put outcome")
	}
}

func (n *Node) handleGet(payload []byte) (wire.MessageType, []byte) {
	d := wire.NewDecoder(payload)
	key, err := d.String()
	if err != nil {
		return wire.TypeError, []byte(err.Error())
	}

	if respType, respPayload, owned := n.checkOwnership(key); !owned {
		n.metrics.RequestsTotal.WithLabelValues("get", "not_owner").Inc()
		return respType, respPayload
	}

	value, hit := n.store.Get(key)
	if !hit {
		n.metrics.RequestsTotal.WithLabelValues("get", "miss").Inc()
		return wire.TypeMiss, nil
	}
	n.metrics.RequestsTotal.WithLabelValues("get", "hit").Inc()
	return wire.TypeObjectValue, wire.NewEncoder().Bytes(value).Payload()
}

func (n *Node) handleDelete(payload []byte) (wire.MessageType, []byte) {
	d := wire.NewDecoder(payload)
	key, err := d.String()
	if err != nil {
		return wire.TypeError, []byte(err.Error())
	}

	if respType, respPayload, owned := n.checkOwnership(key); !owned {
		n.metrics.RequestsTotal.WithLabelValues("delete", "not_owner").Inc()
		return respType, respPayload
	}

	n.store.Delete(key) // idempotent regardless of hit/miss
	n.refreshStatsGauges()
	n.metrics.RequestsTotal.WithLabelValues("delete", "ok").Inc()
	return wire.TypeOk, nil
}

func (n *Node) handleStats() (wire.MessageType, []byte) {
	stats := n.store.Stats()
	cfg := n.CachedConfig()
	self, _ := cfg.NodeFor(n.cfg.Host, n.cfg.Port)

	e := wire.NewEncoder().
		Uint64(stats.MaxBytes).
		Uint64(stats.UsedBytes).
		Uint64(uint64(stats.NumObjects)).
		Uint32(cfg.Version).
		Uint8(uint8(self.Status))
	return wire.TypeStatsResponse, e.Payload()
}

func (n *Node) handleChangeConfig(ctx context.Context, payload []byte) (wire.MessageType, []byte) {
	newConfig, err := wire.DecodeConfig(payload)
	if err != nil {
		return wire.TypeError, []byte(err.Error())
	}
	if self, ok := newConfig.NodeFor(n.cfg.Host, n.cfg.Port); ok {
		n.store.SetMaxBytes(self.MaxBytes)
	}
	n.ApplyConfig(ctx, newConfig)
	return wire.TypeOk, nil
}

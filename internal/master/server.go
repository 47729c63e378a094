package master

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/LoopLLC/LoopCache-sub001/internal/transport"
	"github.com/LoopLLC/LoopCache-sub001/internal/wire"
)

// Serve runs the master's accept loop, structured identically to the data
// node's (internal/node/server.go): one errgroup-bounded worker per
// connection, torn down when ctx is cancelled.
func (m *Master) Serve(ctx context.Context, ln net.Listener, maxConcurrentConns int) error {
	g, gctx := errgroup.WithContext(ctx)
	if maxConcurrentConns > 0 {
		g.SetLimit(maxConcurrentConns)
	}

	go func() {
		<-gctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if gctx.Err() != nil {
				break
			}
			return err
		}
		g.Go(func() error {
			m.handleConn(gctx, conn)
			return nil
		})
	}

	_ = g.Wait()
	return nil
}

func (m *Master) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	for {
		frame, err := wire.ReadFrame(conn, wire.MaxPayloadBytes)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				level.Debug(m.logger).Log("msg", "connection read error, closing", "err", err)
			}
			return
		}

		if frame.Type == wire.TypeStatsText {
			_, _ = io.WriteString(conn, m.statsText())
			return
		}

		respType, respPayload := m.dispatch(ctx, frame)
		if err := wire.WriteFrame(conn, respType, respPayload); err != nil {
			level.Debug(m.logger).Log("msg", "connection write error, closing", "err", err)
			return
		}
	}
}

func (m *Master) dispatch(ctx context.Context, frame wire.Frame) (wire.MessageType, []byte) {
	switch frame.Type {
	case wire.TypeGetConfig:
		return wire.TypeConfigResponse, wire.EncodeConfig(m.CurrentConfig())

	case wire.TypeRegister:
		d := wire.NewDecoder(frame.Payload)
		host, err := d.String()
		if err != nil {
			return wire.TypeError, []byte(err.Error())
		}
		port, err := d.Uint32()
		if err != nil {
			return wire.TypeError, []byte(err.Error())
		}
		maxBytes, err := d.Uint64()
		if err != nil {
			return wire.TypeError, []byte(err.Error())
		}
		cfg := m.Register(host, port, maxBytes)
		return wire.TypeConfigResponse, wire.EncodeConfig(cfg)

	case wire.TypeAddNode:
		d := wire.NewDecoder(frame.Payload)
		host, err := d.String()
		if err != nil {
			return wire.TypeError, []byte(err.Error())
		}
		port, err := d.Uint32()
		if err != nil {
			return wire.TypeError, []byte(err.Error())
		}
		maxBytes, err := d.Uint64()
		if err != nil {
			return wire.TypeError, []byte(err.Error())
		}
		cfg, err := m.AddNode(ctx, host, port, maxBytes)
		if err != nil {
			return wire.TypeError, []byte(err.Error())
		}
		return wire.TypeConfigResponse, wire.EncodeConfig(cfg)

	case wire.TypeRemoveNode:
		d := wire.NewDecoder(frame.Payload)
		host, err := d.String()
		if err != nil {
			return wire.TypeError, []byte(err.Error())
		}
		port, err := d.Uint32()
		if err != nil {
			return wire.TypeError, []byte(err.Error())
		}
		cfg, err := m.RemoveNode(ctx, host, port)
		if err != nil {
			return wire.TypeError, []byte(err.Error())
		}
		return wire.TypeConfigResponse, wire.EncodeConfig(cfg)

	case wire.TypeChangeNode:
		d := wire.NewDecoder(frame.Payload)
		host, err := d.String()
		if err != nil {
			return wire.TypeError, []byte(err.Error())
		}
		port, err := d.Uint32()
		if err != nil {
			return wire.TypeError, []byte(err.Error())
		}
		newMaxBytes, err := d.Uint64()
		if err != nil {
			return wire.TypeError, []byte(err.Error())
		}
		cfg, err := m.ChangeNode(ctx, host, port, newMaxBytes)
		if err != nil {
			return wire.TypeError, []byte(err.Error())
		}
		return wire.TypeConfigResponse, wire.EncodeConfig(cfg)

	case wire.TypeNodeDown:
		d := wire.NewDecoder(frame.Payload)
		host, err := d.String()
		if err != nil {
			return wire.TypeError, []byte(err.Error())
		}
		port, err := d.Uint32()
		if err != nil {
			return wire.TypeError, []byte(err.Error())
		}
		m.NodeDown(host, port)
		return wire.TypeOk, nil

	case wire.TypeGetStats:
		return m.handleGetStats(frame.Payload)

	default:
		return wire.TypeError, []byte("unknown message type")
	}
}

// handleGetStats forwards to a specific node if the payload names one
// (host, port), or otherwise answers with master-level aggregate stats in
// the StatsResponse layout: node count in the MaxBytes slot, 0 in the
// UsedBytes slot, ring entry count in the NumObjects slot, the ring version,
// and status 0 (the per-node Stats triple has no meaning at the master
// itself).
func (m *Master) handleGetStats(payload []byte) (wire.MessageType, []byte) {
	if len(payload) == 0 {
		cfg := m.CurrentConfig()
		e := wire.NewEncoder().
			Uint64(uint64(len(cfg.Nodes))).
			Uint64(0).
			Uint64(uint64(len(cfg.Entries))).
			Uint32(cfg.Version).
			Uint8(0)
		return wire.TypeStatsResponse, e.Payload()
	}

	d := wire.NewDecoder(payload)
	host, err := d.String()
	if err != nil {
		return wire.TypeError, []byte(err.Error())
	}
	port, err := d.Uint32()
	if err != nil {
		return wire.TypeError, []byte(err.Error())
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := m.pool.Get(addr, transport.DefaultTimeout)
	if err != nil {
		return wire.TypeError, []byte(err.Error())
	}
	respType, respPayload, err := transport.Call(conn, transport.DefaultTimeout, wire.TypeGetStats, nil)
	if err != nil {
		m.pool.Discard(addr, conn)
		return wire.TypeError, []byte(err.Error())
	}
	m.pool.Put(addr, conn)
	return respType, respPayload
}

// statsText renders the supplemented plain-text admin dump (SPEC_FULL.md):
// every node, its status, capacity, and virtual node count, plus the ring
// version — a human-readable surface distinct from the binary GetStats
// path above.
func (m *Master) statsText() string {
	cfg := m.CurrentConfig()

	identities := make([]string, 0, len(cfg.Nodes))
	byIdentity := make(map[string]int)
	for i, n := range cfg.Nodes {
		identities = append(identities, n.Identity())
		byIdentity[n.Identity()] = i
	}
	sort.Strings(identities)

	var b strings.Builder
	fmt.Fprintf(&b, "ring_version: %d\n", cfg.Version)
	fmt.Fprintf(&b, "node_count: %d\n", len(cfg.Nodes))
	for _, id := range identities {
		n := cfg.Nodes[byIdentity[id]]
		vnodes := 0
		for _, e := range cfg.Entries {
			if e.Host == n.Host && e.Port == n.Port {
				vnodes++
			}
		}
		fmt.Fprintf(&b, "%s status=%s max_bytes=%s vnodes=%d\n", id, n.Status.String(), humanize.IBytes(n.MaxBytes), vnodes)
	}
	return b.String()
}

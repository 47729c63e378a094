package node

import (
	"context"
	"time"

	"github.com/go-kit/log/level"

	"github.com/LoopLLC/LoopCache-sub001/internal/transport"
	"github.com/LoopLLC/LoopCache-sub001/internal/wire"
)

// HeartbeatInterval is the fixed cadence at which a data node sends
// Register to the master. Paired with the master's 15s (3-miss)
// Questionable and 30s Down thresholds (internal/master), 5s is the Open Question's
// suggested default: fast enough that a genuine crash is caught within
// three missed beats, slow enough not to dominate the master's traffic at
// a few dozen nodes.
const HeartbeatInterval = 5 * time.Second

// RunHeartbeat sends Register to the master every HeartbeatInterval until
// ctx is cancelled. A failed send is logged and retried on the next tick
// rather than treated as fatal — the master's own Down timer, not the
// node, is what declares an outage (spec section 4.3).
func (n *Node) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	n.sendHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.sendHeartbeat(ctx)
		}
	}
}

func (n *Node) sendHeartbeat(ctx context.Context) {
	if n.cfg.MasterAddress == "" {
		return
	}

	conn, err := n.pool.Get(n.cfg.MasterAddress, transport.DefaultTimeout)
	if err != nil {
		level.Warn(n.logger).Log("msg", "heartbeat: dial master failed", "err", err)
		return
	}

	payload := wire.NewEncoder().
		String(n.cfg.Host).
		Uint32(n.cfg.Port).
		Uint64(n.cfg.MaxBytes).
		Payload()

	respType, respPayload, err := transport.Call(conn, transport.DefaultTimeout, wire.TypeRegister, payload)
	if err != nil {
		n.pool.Discard(n.cfg.MasterAddress, conn)
		level.Warn(n.logger).Log("msg", "heartbeat: register failed", "err", err)
		return
	}
	n.pool.Put(n.cfg.MasterAddress, conn)

	if respType != wire.TypeConfigResponse {
		level.Warn(n.logger).Log("msg", "heartbeat: unexpected response", "type", respType.String())
		return
	}
	cfg, err := wire.DecodeConfig(respPayload)
	if err != nil {
		level.Warn(n.logger).Log("msg", "heartbeat: failed to decode pushed config", "err", err)
		return
	}
	n.ApplyConfig(ctx, cfg)
}

// Package transport provides the small pieces shared by every component
// that speaks the wire protocol over a plain TCP connection: dialing with
// a deadline, one request/response round trip, and a keyed connection
// pool.
//
// The protocol is request/response per connection (spec section 6.1), and
// opening a fresh connection per call would make routing, migration, and
// heartbeats needlessly slow — SPEC_FULL.md calls this out explicitly as a
// supplemented component. The pool keeps at most one idle connection per
// node identity, grown on demand and discarded on any I/O error, which is
// the simplest shape that satisfies "every network operation has a
// deadline" (spec section 5) without per-call dial overhead.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/LoopLLC/LoopCache-sub001/internal/ring"
	"github.com/LoopLLC/LoopCache-sub001/internal/wire"
)

// DefaultTimeout bounds both dial and round-trip I/O when a caller does
// not supply its own deadline.
const DefaultTimeout = 5 * time.Second

// Call performs one request/response exchange on conn: write the request
// frame, read the response frame, both bounded by timeout. The caller owns
// conn and decides whether to keep it (success) or discard it (any
// error) — Call itself never closes the connection.
func Call(conn net.Conn, timeout time.Duration, reqType wire.MessageType, payload []byte) (wire.MessageType, []byte, error) {
	deadline := time.Now().Add(timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return 0, nil, fmt.Errorf("transport: set deadline: %w", err)
	}
	if err := wire.WriteFrame(conn, reqType, payload); err != nil {
		return 0, nil, fmt.Errorf("transport: write request: %w", err)
	}
	frame, err := wire.ReadFrame(conn, wire.MaxPayloadBytes)
	if err != nil {
		return 0, nil, fmt.Errorf("transport: read response: %w", err)
	}
	return frame.Type, frame.Payload, nil
}

// FetchConfig issues GetConfig against addr using a connection borrowed
// from pool, decoding the ConfigResponse payload. Used by data nodes and
// clients whenever they need to refresh from the master rather than rely
// on a push or an embedded NotOwner config.
func FetchConfig(ctx context.Context, pool *Pool, addr string) (*ring.Config, error) {
	conn, err := pool.Get(addr, DefaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	respType, payload, err := Call(conn, DefaultTimeout, wire.TypeGetConfig, nil)
	if err != nil {
		pool.Discard(addr, conn)
		return nil, err
	}
	pool.Put(addr, conn)

	if respType != wire.TypeConfigResponse {
		return nil, fmt.Errorf("transport: unexpected response type %s to GetConfig", respType)
	}
	return wire.DecodeConfig(payload)
}

// Pool lends out at most one idle connection per address: Get reuses an
// idle connection if one exists, otherwise dials. Put returns a
// still-healthy connection for reuse; Discard closes and forgets a broken
// one. There is no cross-address locking — only per-address idle-slot
// bookkeeping guarded by a single mutex, mirroring the "no cross-node
// locks" policy in spec section 5.
type Pool struct {
	mu   sync.Mutex
	idle map[string]net.Conn
	Dial func(addr string, timeout time.Duration) (net.Conn, error)
}

func NewPool() *Pool {
	return &Pool{
		idle: make(map[string]net.Conn),
		Dial: dialTCP,
	}
}

func dialTCP(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

// Get returns an idle connection to addr if one is pooled, otherwise
// dials a new one.
func (p *Pool) Get(addr string, timeout time.Duration) (net.Conn, error) {
	p.mu.Lock()
	conn, ok := p.idle[addr]
	if ok {
		delete(p.idle, addr)
	}
	p.mu.Unlock()

	if ok {
		return conn, nil
	}
	return p.Dial(addr, timeout)
}

// Put returns conn to the pool for addr, closing and discarding whatever
// was previously idle there (at most one idle connection per address is
// kept).
func (p *Pool) Put(addr string, conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.idle[addr]; ok && old != conn {
		_ = old.Close()
	}
	p.idle[addr] = conn
}

// Discard closes conn and ensures it is not (or no longer) pooled for
// addr.
func (p *Pool) Discard(addr string, conn net.Conn) {
	_ = conn.Close()
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.idle[addr]; ok && cur == conn {
		delete(p.idle, addr)
	}
}

// CloseAll closes every idle connection, for process shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, conn := range p.idle {
		_ = conn.Close()
		delete(p.idle, addr)
	}
}

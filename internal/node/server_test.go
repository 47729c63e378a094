package node

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/LoopLLC/LoopCache-sub001/internal/ring"
	"github.com/LoopLLC/LoopCache-sub001/internal/transport"
	"github.com/LoopLLC/LoopCache-sub001/internal/wire"
)

// newTestNode binds a real listener first so the Node can be constructed
// with its actual port: checkOwnership compares the ring's node identity
// against n.self, which is derived from Config.Host/Port at construction
// time, so the two must agree for "this node owns everything" tests to
// make sense.
func newTestNode(t *testing.T, maxBytes uint64) (*Node, net.Listener, *ring.Config) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.ParseUint(portStr, 10, 32)
	require.NoError(t, err)

	n := New(Config{
		Host:               host,
		Port:               uint32(port),
		MaxBytes:           maxBytes,
		MigrationQueueSize: 16,
		MigrationWorkers:   1,
		MaxConcurrentConns: 16,
	}, log.NewNopLogger(), nil)

	cfg := &ring.Config{
		Version: 1,
		Nodes:   []ring.NodeDescriptor{{Host: host, Port: uint32(port), MaxBytes: maxBytes}},
		Entries: []ring.Entry{{Position: 0, Host: host, Port: uint32(port), VNodeID: 0}},
	}
	return n, ln, cfg
}

func startServing(t *testing.T, n *Node, ln net.Listener) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = n.Serve(ctx, ln) }()
}

func TestServer_PutGetDelete_OwnedKey(t *testing.T) {
	n, ln, cfg := newTestNode(t, 1<<20)
	n.ApplyConfig(context.Background(), cfg)
	startServing(t, n, ln)

	pool := transport.NewPool()
	addr := ln.Addr().String()

	putPayload := wire.NewEncoder().String("k1").Bytes([]byte("v1")).Uint8(0).Payload()
	conn, err := pool.Get(addr, transport.DefaultTimeout)
	require.NoError(t, err)
	respType, _, err := transport.Call(conn, transport.DefaultTimeout, wire.TypePutObject, putPayload)
	require.NoError(t, err)
	require.Equal(t, wire.TypeOk, respType)
	pool.Put(addr, conn)

	getPayload := wire.NewEncoder().String("k1").Payload()
	conn, err = pool.Get(addr, transport.DefaultTimeout)
	require.NoError(t, err)
	respType, respPayload, err := transport.Call(conn, transport.DefaultTimeout, wire.TypeGetObject, getPayload)
	require.NoError(t, err)
	require.Equal(t, wire.TypeObjectValue, respType)
	d := wire.NewDecoder(respPayload)
	value, err := d.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), value)
	pool.Put(addr, conn)

	conn, err = pool.Get(addr, transport.DefaultTimeout)
	require.NoError(t, err)
	respType, _, err = transport.Call(conn, transport.DefaultTimeout, wire.TypeDeleteObject, getPayload)
	require.NoError(t, err)
	require.Equal(t, wire.TypeOk, respType)
	pool.Put(addr, conn)

	conn, err = pool.Get(addr, transport.DefaultTimeout)
	require.NoError(t, err)
	respType, _, err = transport.Call(conn, transport.DefaultTimeout, wire.TypeGetObject, getPayload)
	require.NoError(t, err)
	require.Equal(t, wire.TypeMiss, respType)
}

func TestServer_Get_NotOwnerRedirectsWithConfig(t *testing.T) {
	n, ln, _ := newTestNode(t, 1<<20)
	// Ring that routes every key to a different node entirely, so n never
	// owns anything.
	cfg := &ring.Config{
		Version: 1,
		Nodes:   []ring.NodeDescriptor{{Host: "10.0.0.9", Port: 9999, MaxBytes: 1 << 30}},
		Entries: []ring.Entry{{Position: 0, Host: "10.0.0.9", Port: 9999, VNodeID: 0}},
	}
	n.ApplyConfig(context.Background(), cfg)
	startServing(t, n, ln)

	pool := transport.NewPool()
	addr := ln.Addr().String()
	conn, err := pool.Get(addr, transport.DefaultTimeout)
	require.NoError(t, err)

	getPayload := wire.NewEncoder().String("anykey").Payload()
	respType, respPayload, err := transport.Call(conn, transport.DefaultTimeout, wire.TypeGetObject, getPayload)
	require.NoError(t, err)
	require.Equal(t, wire.TypeNotOwner, respType)

	decoded, err := wire.DecodeConfig(respPayload)
	require.NoError(t, err)
	require.Equal(t, cfg.Version, decoded.Version)
}

func TestServer_ChangeConfig_AdoptsNewerVersion(t *testing.T) {
	n, ln, cfg := newTestNode(t, 1<<20)
	startServing(t, n, ln)

	pool := transport.NewPool()
	addr := ln.Addr().String()

	cfg.Version = 5
	payload := wire.EncodeConfig(cfg)

	conn, err := pool.Get(addr, transport.DefaultTimeout)
	require.NoError(t, err)
	respType, _, err := transport.Call(conn, transport.DefaultTimeout, wire.TypeChangeConfig, payload)
	require.NoError(t, err)
	require.Equal(t, wire.TypeOk, respType)

	require.Equal(t, uint32(5), n.CachedConfig().Version)
}

func TestServer_UnknownMessageType_ReturnsErrorWithoutClosingConnection(t *testing.T) {
	n, ln, cfg := newTestNode(t, 1<<20)
	n.ApplyConfig(context.Background(), cfg)
	startServing(t, n, ln)

	pool := transport.NewPool()
	addr := ln.Addr().String()
	conn, err := pool.Get(addr, transport.DefaultTimeout)
	require.NoError(t, err)

	respType, _, err := transport.Call(conn, transport.DefaultTimeout, wire.MessageType(250), nil)
	require.NoError(t, err)
	require.Equal(t, wire.TypeError, respType)

	// The connection must still be usable afterwards.
	respType, _, err = transport.Call(conn, transport.DefaultTimeout, wire.TypeGetConfig, nil)
	require.NoError(t, err)
	require.Equal(t, wire.TypeConfigResponse, respType)
}

func TestServer_Put_OutOfRoomOnOversizedEntry(t *testing.T) {
	n, ln, cfg := newTestNode(t, 64) // tiny budget
	n.ApplyConfig(context.Background(), cfg)
	startServing(t, n, ln)

	pool := transport.NewPool()
	addr := ln.Addr().String()
	conn, err := pool.Get(addr, transport.DefaultTimeout)
	require.NoError(t, err)

	payload := wire.NewEncoder().String("k1").Bytes(make([]byte, 1024)).Uint8(0).Payload()
	respType, _, err := transport.Call(conn, transport.DefaultTimeout, wire.TypePutObject, payload)
	require.NoError(t, err)
	require.Equal(t, wire.TypeOutOfRoom, respType)
}

func TestServer_GetStats_ReflectsStoreState(t *testing.T) {
	n, ln, cfg := newTestNode(t, 1<<20)
	n.ApplyConfig(context.Background(), cfg)
	startServing(t, n, ln)

	pool := transport.NewPool()
	addr := ln.Addr().String()

	putPayload := wire.NewEncoder().String("k1").Bytes([]byte("v1")).Uint8(0).Payload()
	conn, err := pool.Get(addr, transport.DefaultTimeout)
	require.NoError(t, err)
	_, _, err = transport.Call(conn, transport.DefaultTimeout, wire.TypePutObject, putPayload)
	require.NoError(t, err)
	pool.Put(addr, conn)

	require.Eventually(t, func() bool {
		return n.store.Stats().NumObjects == 1
	}, time.Second, 10*time.Millisecond)

	conn, err = pool.Get(addr, transport.DefaultTimeout)
	require.NoError(t, err)
	respType, respPayload, err := transport.Call(conn, transport.DefaultTimeout, wire.TypeGetStats, nil)
	require.NoError(t, err)
	require.Equal(t, wire.TypeStatsResponse, respType)

	d := wire.NewDecoder(respPayload)
	maxBytes, err := d.Uint64()
	require.NoError(t, err)
	usedBytes, err := d.Uint64()
	require.NoError(t, err)
	numObjects, err := d.Uint64()
	require.NoError(t, err)
	require.Equal(t, uint64(1<<20), maxBytes)
	require.Greater(t, usedBytes, uint64(0))
	require.Equal(t, uint64(1), numObjects)
}

// TestServer_FourthNodeAdditionMigratesAboutAQuarterOfKeys is the S4
// scenario end to end: seed a population of keys against a real 3-node
// ring, add a 4th equal-weight node to a real ring.Ring (the same one the
// master uses), push the resulting config to all four live servers, and
// check both halves of the invariant: roughly 1/4 of keys change owner,
// and every key is still a Hit against its new owner once migration
// finishes.
func TestServer_FourthNodeAdditionMigratesAboutAQuarterOfKeys(t *testing.T) {
	const maxBytes = 1 << 20

	type handle struct {
		n    *Node
		addr string
	}
	newHandle := func() handle {
		n, ln, _ := newTestNode(t, maxBytes)
		n.Start()
		startServing(t, n, ln)
		return handle{n: n, addr: ln.Addr().String()}
	}
	handles := []handle{newHandle(), newHandle(), newHandle(), newHandle()}

	pool := transport.NewPool()
	putAt := func(addr, key string, value []byte) {
		conn, err := pool.Get(addr, transport.DefaultTimeout)
		require.NoError(t, err)
		payload := wire.NewEncoder().String(key).Bytes(value).Uint8(0).Payload()
		respType, _, err := transport.Call(conn, transport.DefaultTimeout, wire.TypePutObject, payload)
		require.NoError(t, err)
		require.Equal(t, wire.TypeOk, respType)
		pool.Put(addr, conn)
	}
	getAt := func(addr, key string) (wire.MessageType, []byte) {
		conn, err := pool.Get(addr, transport.DefaultTimeout)
		require.NoError(t, err)
		payload := wire.NewEncoder().String(key).Payload()
		respType, respPayload, err := transport.Call(conn, transport.DefaultTimeout, wire.TypeGetObject, payload)
		require.NoError(t, err)
		pool.Put(addr, conn)
		return respType, respPayload
	}
	addrFor := func(cfg *ring.Config, key string) string {
		owner, ok := cfg.Owner(key)
		require.True(t, ok)
		for _, h := range handles {
			if h.n.cfg.Host == owner.Host && h.n.cfg.Port == owner.Port {
				return h.addr
			}
		}
		t.Fatalf("no live handle for owner %s", owner.Identity())
		return ""
	}

	r := ring.New()
	for _, h := range handles[:3] {
		_, err := r.AddNode(ring.NodeDescriptor{Host: h.n.cfg.Host, Port: h.n.cfg.Port, MaxBytes: maxBytes})
		require.NoError(t, err)
	}
	initialCfg := r.Load()
	for _, h := range handles[:3] {
		h.n.ApplyConfig(context.Background(), initialCfg)
	}

	const keyCount = 400
	keys := make([]string, keyCount)
	values := make([][]byte, keyCount)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%05d", i)
		values[i] = []byte(fmt.Sprintf("value-%05d", i))
		putAt(addrFor(initialCfg, keys[i]), keys[i], values[i])
	}

	_, err := r.AddNode(ring.NodeDescriptor{Host: handles[3].n.cfg.Host, Port: handles[3].n.cfg.Port, MaxBytes: maxBytes})
	require.NoError(t, err)
	newCfg := r.Load()
	for _, h := range handles {
		h.n.ApplyConfig(context.Background(), newCfg)
	}

	moved := 0
	for _, key := range keys {
		oldOwner, _ := initialCfg.Owner(key)
		newOwner, _ := newCfg.Owner(key)
		if oldOwner.Identity() != newOwner.Identity() {
			moved++
		}
	}
	frac := float64(moved) / float64(keyCount)
	require.InDelta(t, 0.25, frac, 0.08, "expected roughly a quarter of keys to move to the new node, got %d/%d", moved, keyCount)

	require.Eventually(t, func() bool {
		for i, key := range keys {
			respType, respPayload := getAt(addrFor(newCfg, key), key)
			if respType != wire.TypeObjectValue {
				return false
			}
			d := wire.NewDecoder(respPayload)
			value, err := d.Bytes()
			if err != nil || string(value) != string(values[i]) {
				return false
			}
		}
		return true
	}, 5*time.Second, 50*time.Millisecond)
}

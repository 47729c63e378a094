package master

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/LoopLLC/LoopCache-sub001/internal/ring"
	"github.com/LoopLLC/LoopCache-sub001/internal/wire"
)

func newTestMaster() *Master {
	return New(Config{PushConcurrency: 4}, log.NewNopLogger(), nil)
}

func TestRegister_AddsUnknownNodeAsUp(t *testing.T) {
	m := newTestMaster()
	cfg := m.Register("127.0.0.1", 9001, 1<<30)

	node, ok := cfg.NodeFor("127.0.0.1", 9001)
	require.True(t, ok)
	require.Equal(t, ring.StatusUp, node.Status)
	require.Equal(t, uint32(1), cfg.Version)
}

func TestRegister_ReattachMarksExistingNodeUp(t *testing.T) {
	m := newTestMaster()
	m.Register("127.0.0.1", 9001, 1<<30)
	m.NodeDown("127.0.0.1", 9001)

	cfg := m.CurrentConfig()
	node, _ := cfg.NodeFor("127.0.0.1", 9001)
	require.Equal(t, ring.StatusQuestionable, node.Status)

	cfg = m.Register("127.0.0.1", 9001, 1<<30)
	node, _ = cfg.NodeFor("127.0.0.1", 9001)
	require.Equal(t, ring.StatusUp, node.Status)
	require.Equal(t, uint32(1), cfg.Version, "re-registering an existing node must not bump the version")
}

func TestAddNode_RejectsDuplicate(t *testing.T) {
	m := newTestMaster()
	ctx := context.Background()
	_, err := m.AddNode(ctx, "127.0.0.1", 9001, 1<<30)
	require.NoError(t, err)

	_, err = m.AddNode(ctx, "127.0.0.1", 9001, 1<<30)
	require.Error(t, err)
}

func TestRemoveNode_DropsFromRingAndTable(t *testing.T) {
	m := newTestMaster()
	ctx := context.Background()
	_, err := m.AddNode(ctx, "127.0.0.1", 9001, 1<<30)
	require.NoError(t, err)

	cfg, err := m.RemoveNode(ctx, "127.0.0.1", 9001)
	require.NoError(t, err)
	_, ok := cfg.NodeFor("127.0.0.1", 9001)
	require.False(t, ok)

	m.mu.Lock()
	_, tracked := m.nodes["127.0.0.1:9001"]
	m.mu.Unlock()
	require.False(t, tracked)
}

func TestChangeNode_BumpsVersionAndUpdatesCapacity(t *testing.T) {
	m := newTestMaster()
	ctx := context.Background()
	before, err := m.AddNode(ctx, "127.0.0.1", 9001, 1<<30)
	require.NoError(t, err)

	after, err := m.ChangeNode(ctx, "127.0.0.1", 9001, 4<<30)
	require.NoError(t, err)
	require.Greater(t, after.Version, before.Version)

	node, ok := after.NodeFor("127.0.0.1", 9001)
	require.True(t, ok)
	require.Equal(t, uint64(4<<30), node.MaxBytes)
}

func TestNodeDown_IsAdvisoryOnly(t *testing.T) {
	m := newTestMaster()
	ctx := context.Background()
	before, err := m.AddNode(ctx, "127.0.0.1", 9001, 1<<30)
	require.NoError(t, err)

	m.NodeDown("127.0.0.1", 9001)

	after := m.CurrentConfig()
	require.Equal(t, before.Version, after.Version, "NodeDown must never mutate the ring")
	node, _ := after.NodeFor("127.0.0.1", 9001)
	require.Equal(t, ring.StatusQuestionable, node.Status)
}

func TestProbeOnce_DemotesStaleNodes(t *testing.T) {
	m := newTestMaster()
	m.Register("127.0.0.1", 9001, 1<<30)

	m.mu.Lock()
	m.nodes["127.0.0.1:9001"].lastSeen = time.Now().Add(-DownAfter - time.Second)
	m.mu.Unlock()

	m.probeOnce()

	cfg := m.CurrentConfig()
	node, _ := cfg.NodeFor("127.0.0.1", 9001)
	require.Equal(t, ring.StatusDown, node.Status)
}

// startFakeNode accepts one ChangeConfig and always replies Ok, recording
// the received config so TestAddNode_PushesChangeConfigToExistingNodes can
// assert the push happened.
func startFakeNode(t *testing.T) (host string, port uint32, received chan *ring.Config) {
	t.Helper()
	received = make(chan *ring.Config, 8)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				for {
					frame, err := wire.ReadFrame(conn, wire.MaxPayloadBytes)
					if err != nil {
						return
					}
					if frame.Type != wire.TypeChangeConfig {
						_ = wire.WriteFrame(conn, wire.TypeError, nil)
						continue
					}
					cfg, err := wire.DecodeConfig(frame.Payload)
					if err == nil {
						received <- cfg
					}
					_ = wire.WriteFrame(conn, wire.TypeOk, nil)
				}
			}()
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, uint32(p), received
}

func TestAddNode_PushesChangeConfigToExistingNodes(t *testing.T) {
	m := newTestMaster()
	ctx := context.Background()

	host, port, received := startFakeNode(t)
	_, err := m.AddNode(ctx, host, port, 1<<30)
	require.NoError(t, err)

	// The fake node's own addition is pushed to it first (AddNode pushes to
	// every node in the new ring, the added one included).
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("expected fake node to receive the ChangeConfig push for its own addition")
	}

	_, err = m.AddNode(ctx, "127.0.0.1", 19999, 1<<30)
	require.NoError(t, err)

	select {
	case cfg := <-received:
		_, ok := cfg.NodeFor("127.0.0.1", 19999)
		require.True(t, ok, "pushed config should include the newly added node")
	case <-time.After(2 * time.Second):
		t.Fatal("expected fake node to receive a ChangeConfig push")
	}
}

package ring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashKey_Deterministic(t *testing.T) {
	require.Equal(t, HashKey("hello"), HashKey("hello"))
	require.NotEqual(t, HashKey("hello"), HashKey("world"))
}

func TestRing_AddNode_BumpsVersionAndPublishesEntries(t *testing.T) {
	r := New()
	require.Equal(t, uint32(0), r.Load().Version)

	cfg, err := r.AddNode(NodeDescriptor{Host: "a", Port: 11211, MaxBytes: 1 << 30})
	require.NoError(t, err)
	require.Equal(t, uint32(1), cfg.Version)
	require.Len(t, cfg.Nodes, 1)
	require.NotEmpty(t, cfg.Entries)
	require.Same(t, cfg, r.Load())
}

func TestRing_AddNode_RejectsDuplicateIdentity(t *testing.T) {
	r := New()
	_, err := r.AddNode(NodeDescriptor{Host: "a", Port: 1, MaxBytes: 1 << 30})
	require.NoError(t, err)

	_, err = r.AddNode(NodeDescriptor{Host: "a", Port: 1, MaxBytes: 1 << 30})
	require.Error(t, err)
}

func TestRing_RemoveNode_DropsAllOfItsEntries(t *testing.T) {
	r := New()
	_, _ = r.AddNode(NodeDescriptor{Host: "a", Port: 1, MaxBytes: 1 << 30})
	_, _ = r.AddNode(NodeDescriptor{Host: "b", Port: 1, MaxBytes: 1 << 30})

	cfg, err := r.RemoveNode("a", 1)
	require.NoError(t, err)
	require.Len(t, cfg.Nodes, 1)
	for _, e := range cfg.Entries {
		require.NotEqual(t, "a", e.Host)
	}
}

func TestRing_RemoveNode_UnknownIdentityErrors(t *testing.T) {
	r := New()
	_, err := r.RemoveNode("nope", 1)
	require.Error(t, err)
}

func TestRing_ChangeNode_RegeneratesPositions(t *testing.T) {
	r := New()
	_, _ = r.AddNode(NodeDescriptor{Host: "a", Port: 1, MaxBytes: 1 << 30})
	before := r.Load().Entries

	cfg, err := r.ChangeNode("a", 1, 4<<30)
	require.NoError(t, err)
	require.Greater(t, len(cfg.Entries), len(before))
	n, ok := cfg.NodeFor("a", 1)
	require.True(t, ok)
	require.Equal(t, uint64(4<<30), n.MaxBytes)
}

func TestRing_Owner_WrapsPastMaximumPosition(t *testing.T) {
	r := New()
	_, _ = r.AddNode(NodeDescriptor{Host: "only", Port: 1, MaxBytes: 1 << 30})
	cfg := r.Load()

	// With a single node every key must resolve to it, including keys whose
	// hash lands above every ring position (the wraparound case).
	for _, k := range []string{"a", "b", "zzzzzzzzzzzzzzzzzzzzzzz", ""} {
		owner, ok := cfg.Owner(k)
		require.True(t, ok)
		require.Equal(t, "only", owner.Host)
	}
}

func TestRing_Owner_AgreesAcrossReorderedEntries(t *testing.T) {
	// Invariant 7: Owner lookup is stable under re-sorting of input
	// positions, since entries are always stored sorted.
	r := New()
	_, _ = r.AddNode(NodeDescriptor{Host: "a", Port: 1, MaxBytes: 1 << 30})
	_, _ = r.AddNode(NodeDescriptor{Host: "b", Port: 2, MaxBytes: 2 << 30})
	cfg := r.Load()

	reshuffled := cfg.Clone()
	reshuffled.Entries = append([]Entry{}, cfg.Entries...)
	for i, j := 0, len(reshuffled.Entries)-1; i < j; i, j = i+1, j-1 {
		reshuffled.Entries[i], reshuffled.Entries[j] = reshuffled.Entries[j], reshuffled.Entries[i]
	}
	sortEntries(reshuffled.Entries)

	for _, k := range []string{"k1", "k2", "k3", "abc", "xyz"} {
		want, _ := cfg.Owner(k)
		got, _ := reshuffled.Owner(k)
		require.Equal(t, want.Identity(), got.Identity())
	}
}

func TestRing_SetStatus_DoesNotBumpVersion(t *testing.T) {
	r := New()
	_, _ = r.AddNode(NodeDescriptor{Host: "a", Port: 1, MaxBytes: 1 << 30})
	before := r.Load().Version

	ok := r.SetStatus("a", 1, StatusQuestionable)
	require.True(t, ok)
	require.Equal(t, before, r.Load().Version)
	n, _ := r.Load().NodeFor("a", 1)
	require.Equal(t, StatusQuestionable, n.Status)
}

func TestRing_CapacityWeightedDistribution(t *testing.T) {
	// S3: weights 1:1:2 should see roughly 25%/25%/50% of 10,000 keys.
	r := New()
	_, _ = r.AddNode(NodeDescriptor{Host: "n1", Port: 1, MaxBytes: 1 << 30})
	_, _ = r.AddNode(NodeDescriptor{Host: "n2", Port: 1, MaxBytes: 1 << 30})
	_, _ = r.AddNode(NodeDescriptor{Host: "n3", Port: 1, MaxBytes: 2 << 30})
	cfg := r.Load()

	counts := map[string]int{}
	const n = 10000
	for i := 0; i < n; i++ {
		key := "key-" + string(rune(i)) + "-pad"
		owner, ok := cfg.Owner(key)
		require.True(t, ok)
		counts[owner.Host]++
	}

	within := func(got int, wantFrac float64) bool {
		frac := float64(got) / float64(n)
		return frac > wantFrac-0.08 && frac < wantFrac+0.08
	}
	require.True(t, within(counts["n1"], 0.25), "n1 share: %d/%d", counts["n1"], n)
	require.True(t, within(counts["n2"], 0.25), "n2 share: %d/%d", counts["n2"], n)
	require.True(t, within(counts["n3"], 0.50), "n3 share: %d/%d", counts["n3"], n)
}

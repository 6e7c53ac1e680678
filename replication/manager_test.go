package replication

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexusvfs/core"
	"github.com/INLOpen/nexusvfs/hooks"
)

// mockTransport acknowledges entries in memory, with per-peer failure and
// delay injection.
type mockTransport struct {
	mu        sync.Mutex
	failPeers map[string]bool
	delays    map[string]time.Duration
	applied   map[string]map[uint64]struct{}
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		failPeers: make(map[string]bool),
		delays:    make(map[string]time.Duration),
		applied:   make(map[string]map[uint64]struct{}),
	}
}

func (m *mockTransport) Apply(ctx context.Context, peer PeerDescriptor, entry core.JournalEntry) error {
	m.mu.Lock()
	fail := m.failPeers[peer.PeerID]
	delay := m.delays[peer.PeerID]
	m.mu.Unlock()

	if fail {
		return fmt.Errorf("%w: injected failure", core.ErrPeerUnreachable)
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applied[peer.PeerID] == nil {
		m.applied[peer.PeerID] = make(map[uint64]struct{})
	}
	m.applied[peer.PeerID][entry.EntryID] = struct{}{}
	return nil
}

func (m *mockTransport) Verify(ctx context.Context, peer PeerDescriptor, entryID uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.applied[peer.PeerID][entryID]
	return ok, nil
}

func testRegistry(peerCount int) *PeerRegistry {
	r := NewPeerRegistry()
	for i := 0; i < peerCount; i++ {
		r.Register(PeerDescriptor{
			PeerID:       fmt.Sprintf("peer-%02d", i),
			Address:      fmt.Sprintf("10.0.0.%d:7090", i),
			Capabilities: []string{MetadataReplicationCapability},
		})
	}
	return r
}

func testManager(t *testing.T, registry *PeerRegistry, transport Transport) *Manager {
	t.Helper()
	m, err := NewManager(ManagerOptions{
		NodeID:         "local-node",
		Registry:       registry,
		Transport:      transport,
		AckTimeout:     300 * time.Millisecond,
		RetryAttempts:  2,
		RetryBaseDelay: time.Millisecond,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return m
}

func testEntry(id uint64) core.JournalEntry {
	return core.JournalEntry{
		EntryID: id,
		Op:      core.OpCreateFile,
		Path:    fmt.Sprintf("/f-%d", id),
		Status:  core.StatusApplied,
	}
}

func TestQuorumSize(t *testing.T) {
	cases := map[int]int{1: 3, 2: 3, 3: 3, 4: 3, 5: 3, 6: 4, 7: 4, 9: 5, 10: 6}
	for n, want := range cases {
		assert.Equal(t, want, QuorumSize(n), "N=%d", n)
	}
}

func TestManager_ClampsReplicationFactors(t *testing.T) {
	m, err := NewManager(ManagerOptions{
		Registry:                NewPeerRegistry(),
		MinReplicationFactor:    1,
		TargetReplicationFactor: 1,
		MaxReplicationFactor:    1,
		Logger:                  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, m.opts.MinReplicationFactor)
	assert.Equal(t, 3, m.opts.TargetReplicationFactor)
	assert.Equal(t, 3, m.opts.MaxReplicationFactor)
}

func TestManager_NoneAndLocalCompleteWithoutFanOut(t *testing.T) {
	m := testManager(t, testRegistry(5), newMockTransport())
	defer m.Close()

	for _, level := range []Level{LevelNone, LevelLocal} {
		record, err := m.ReplicateEntry(context.Background(), testEntry(uint64(level)+1), level, 1)
		require.NoError(t, err)
		assert.Equal(t, StatusComplete, record.Status, level.String())
		assert.Empty(t, record.Targets)
	}
}

func TestManager_QuorumCompleteWhenQuorumAcks(t *testing.T) {
	registry := testRegistry(5)
	m := testManager(t, registry, newMockTransport())
	defer m.Close()

	record, err := m.ReplicateEntry(context.Background(), testEntry(1), LevelQuorum, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, record.Status)
	assert.Len(t, record.Targets, 5)
	assert.Equal(t, 3, record.Required, "quorum of 5 peers is 3")
	assert.GreaterOrEqual(t, len(record.Acked), 3)
}

func TestManager_QuorumPartialWhenBelowQuorum(t *testing.T) {
	transport := newMockTransport()
	transport.failPeers["peer-00"] = true
	transport.failPeers["peer-01"] = true
	transport.failPeers["peer-02"] = true

	m := testManager(t, testRegistry(5), transport)
	defer m.Close()

	record, err := m.ReplicateEntry(context.Background(), testEntry(1), LevelQuorum, 1)
	require.NoError(t, err, "replication shortfalls are statuses, not errors")
	assert.Equal(t, StatusPartial, record.Status)
	assert.Len(t, record.Acked, 2)
	assert.Len(t, record.Targets, 5, "failed peers stay in the target set")
}

func TestManager_QuorumFailsWithNoPeers(t *testing.T) {
	m := testManager(t, NewPeerRegistry(), newMockTransport())
	defer m.Close()

	record, err := m.ReplicateEntry(context.Background(), testEntry(1), LevelQuorum, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, record.Status)
	assert.Empty(t, record.Targets)
}

func TestManager_AllRequiresEveryPeer(t *testing.T) {
	transport := newMockTransport()
	transport.failPeers["peer-03"] = true

	m := testManager(t, testRegistry(4), transport)
	defer m.Close()

	record, err := m.ReplicateEntry(context.Background(), testEntry(1), LevelAll, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, record.Status)
	assert.Equal(t, 4, record.Required)
	assert.Len(t, record.Acked, 3)
}

func TestManager_ProgressiveTargetsScaleWithImportance(t *testing.T) {
	registry := testRegistry(10)
	transport := newMockTransport()
	m, err := NewManager(ManagerOptions{
		Registry:                registry,
		Transport:               transport,
		MinReplicationFactor:    3,
		TargetReplicationFactor: 5,
		MaxReplicationFactor:    7,
		AckTimeout:              300 * time.Millisecond,
		RetryBaseDelay:          time.Millisecond,
		Logger:                  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	defer m.Close()

	var targetCounts []int
	for importance := 0; importance <= 2; importance++ {
		record, err := m.ReplicateEntry(context.Background(), testEntry(uint64(importance)+1), LevelProgressive, importance)
		require.NoError(t, err)
		targetCounts = append(targetCounts, len(record.Targets))
	}

	assert.Equal(t, []int{3, 5, 7}, targetCounts)
	assert.IsNonDecreasing(t, targetCounts, "higher importance never targets fewer peers")
}

func TestManager_LateAcksUpgradePartialToComplete(t *testing.T) {
	transport := newMockTransport()
	transport.delays["peer-02"] = 150 * time.Millisecond
	transport.delays["peer-03"] = 150 * time.Millisecond

	registry := testRegistry(4) // quorum = 3
	m, err := NewManager(ManagerOptions{
		Registry:       registry,
		Transport:      transport,
		AckTimeout:     50 * time.Millisecond,
		RetryBaseDelay: time.Millisecond,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	defer m.Close()

	record, err := m.ReplicateEntry(context.Background(), testEntry(1), LevelQuorum, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, record.Status, "only the fast peers acked within the timeout")

	require.Eventually(t, func() bool {
		current, err := m.GetStatus(1)
		return err == nil && current.Status == StatusComplete
	}, 2*time.Second, 10*time.Millisecond, "late acknowledgements must upgrade the record")
}

// countingListener counts PostReplicate deliveries.
type countingListener struct {
	mu    sync.Mutex
	calls int
}

func (c *countingListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil
}

func (c *countingListener) Priority() int { return 0 }
func (c *countingListener) IsAsync() bool { return false }

func (c *countingListener) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestManager_SettlementSideEffectsFireOnce(t *testing.T) {
	hm := hooks.NewHookManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
	listener := &countingListener{}
	hm.Register(hooks.EventPostReplicate, listener)
	counter := new(expvar.Int)

	m, err := NewManager(ManagerOptions{
		Registry:       testRegistry(5),
		Transport:      newMockTransport(),
		AckTimeout:     300 * time.Millisecond,
		RetryBaseDelay: time.Millisecond,
		HookManager:    hm,
		Replications:   counter,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	record, err := m.ReplicateEntry(context.Background(), testEntry(1), LevelQuorum, 1)
	require.NoError(t, err)
	require.Equal(t, StatusComplete, record.Status)

	// Both the waiter and the fan-out goroutine try to settle the record;
	// Close guarantees both paths have run.
	require.NoError(t, m.Close())
	hm.Stop()

	assert.Equal(t, int64(1), counter.Value(), "one replication increments the counter once")
	assert.Equal(t, 1, listener.Calls(), "one replication delivers one PostReplicate event")
}

func TestManager_GetStatusUnknownEntry(t *testing.T) {
	m := testManager(t, testRegistry(3), newMockTransport())
	defer m.Close()

	_, err := m.GetStatus(999)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestManager_VerifyDropsUnregisteredPeers(t *testing.T) {
	registry := testRegistry(4)
	transport := newMockTransport()
	m := testManager(t, registry, transport)
	defer m.Close()

	record, err := m.ReplicateEntry(context.Background(), testEntry(1), LevelQuorum, 1)
	require.NoError(t, err)
	require.Equal(t, StatusComplete, record.Status)

	// The synchronous wait returns as soon as the quorum of 3 is reached;
	// the fourth acknowledgement may still be in flight.
	require.Eventually(t, func() bool {
		current, err := m.GetStatus(1)
		return err == nil && len(current.Acked) == 4
	}, 2*time.Second, 5*time.Millisecond, "all peers eventually acknowledge")

	registry.Unregister("peer-00")
	verified, err := m.Verify(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, verified.Acked, 3, "an unregistered peer no longer counts")
	assert.NotContains(t, verified.AckedIDs(), "peer-00")
	assert.Equal(t, StatusComplete, verified.Status, "3 live holders still satisfy the quorum of 3")

	registry.Unregister("peer-01")
	verified, err = m.Verify(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, verified.Status, "2 live holders fall below the quorum")
}

func TestManager_HistoryIsBounded(t *testing.T) {
	m, err := NewManager(ManagerOptions{
		Registry:     testRegistry(0),
		Transport:    newMockTransport(),
		HistoryLimit: 2,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	defer m.Close()

	for id := uint64(1); id <= 3; id++ {
		_, err := m.ReplicateEntry(context.Background(), testEntry(id), LevelLocal, 1)
		require.NoError(t, err)
	}

	_, err = m.GetStatus(1)
	assert.ErrorIs(t, err, core.ErrNotFound, "oldest record is evicted")
	_, err = m.GetStatus(2)
	assert.NoError(t, err)
	_, err = m.GetStatus(3)
	assert.NoError(t, err)
}

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]Level{
		"none": LevelNone, "": LevelNone, "local": LevelLocal,
		"quorum": LevelQuorum, "all": LevelAll, "progressive": LevelProgressive,
	} {
		got, err := ParseLevel(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseLevel("bogus")
	assert.Error(t, err)
}

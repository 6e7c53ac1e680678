package replication

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/INLOpen/nexusvfs/core"
	"github.com/INLOpen/nexusvfs/hooks"
)

// MetadataReplicationCapability marks peers eligible to receive journal
// entries.
const MetadataReplicationCapability = "metadata_replication"

// Transport issues the per-peer network calls. Implementations are expected
// to be safe for concurrent use.
type Transport interface {
	// Apply delivers a journal entry to a peer and returns once the peer has
	// acknowledged it.
	Apply(ctx context.Context, peer PeerDescriptor, entry core.JournalEntry) error
	// Verify asks a peer whether it holds the given entry.
	Verify(ctx context.Context, peer PeerDescriptor, entryID uint64) (bool, error)
}

// ManagerOptions configures a replication Manager.
type ManagerOptions struct {
	NodeID    string
	Registry  *PeerRegistry
	Transport Transport

	DefaultLevel Level

	// Replication factors for the progressive level. Clamped at
	// initialization: min is at least 3, target at least min, max at least
	// target.
	MinReplicationFactor    int
	TargetReplicationFactor int
	MaxReplicationFactor    int

	AckTimeout     time.Duration // how long synchronous levels wait for acks
	RetryAttempts  int           // per-peer delivery attempts
	RetryBaseDelay time.Duration // initial backoff between attempts
	HistoryLimit   int           // bounded replication record history

	Logger       *slog.Logger
	HookManager  hooks.HookManager
	Replications *expvar.Int
}

// Manager fans journal entries out to registered peers and tracks per-entry
// replication records. Replication never fails the originating journal
// operation; callers inspect record status instead.
type Manager struct {
	opts      ManagerOptions
	registry  *PeerRegistry
	transport Transport
	logger    *slog.Logger

	mu      sync.Mutex
	records map[uint64]*Record
	order   []uint64 // insertion order, for history eviction
	waiters map[uint64]chan struct{}

	wg sync.WaitGroup
}

// NewManager creates a replication manager. Configured replication factors
// are clamped so the quorum floor cannot be configured away.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("replication manager requires a peer registry")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 5 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 100 * time.Millisecond
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 1024
	}

	if opts.MinReplicationFactor < 3 {
		opts.MinReplicationFactor = 3
	}
	if opts.TargetReplicationFactor < opts.MinReplicationFactor {
		opts.TargetReplicationFactor = opts.MinReplicationFactor
	}
	if opts.MaxReplicationFactor < opts.TargetReplicationFactor {
		opts.MaxReplicationFactor = opts.TargetReplicationFactor
	}

	return &Manager{
		opts:      opts,
		registry:  opts.Registry,
		transport: opts.Transport,
		logger:    opts.Logger.With("component", "ReplicationManager"),
		records:   make(map[uint64]*Record),
		waiters:   make(map[uint64]chan struct{}),
	}, nil
}

// Replicate implements the journal's replicator callback using the
// configured default level. Entry importance, for the progressive level, is
// read from the entry's "importance" metadata key (0, 1 or 2; default 1).
func (m *Manager) Replicate(ctx context.Context, entry core.JournalEntry) {
	importance := 1
	if v, ok := entry.Metadata["importance"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			importance = n
		}
	}
	if _, err := m.ReplicateEntry(ctx, entry, m.opts.DefaultLevel, importance); err != nil {
		m.logger.Error("Replication fan-out failed", "entry_id", entry.EntryID, "error", err)
	}
}

// ReplicateEntry fans an entry out according to the requested level and
// returns a snapshot of the resulting replication record. For QUORUM and ALL
// it blocks until enough acknowledgements arrive or the ack timeout passes;
// PROGRESSIVE returns immediately and collects acknowledgements in the
// background. Late acknowledgements keep upgrading the stored record.
func (m *Manager) ReplicateEntry(ctx context.Context, entry core.JournalEntry, level Level, importance int) (Record, error) {
	switch level {
	case LevelNone, LevelLocal:
		record := &Record{
			EntryID:   entry.EntryID,
			Level:     level,
			Targets:   map[string]struct{}{},
			Acked:     map[string]struct{}{},
			Status:    StatusComplete,
			StartedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		m.storeRecord(record)
		return *record, nil
	case LevelQuorum, LevelAll, LevelProgressive:
		// handled below
	default:
		return Record{}, fmt.Errorf("unknown replication level %d", level)
	}

	peers := m.registry.ListPeers(MetadataReplicationCapability)
	if level == LevelProgressive {
		peers = peers[:min(len(peers), m.factorForImportance(importance))]
	}

	record := &Record{
		EntryID:   entry.EntryID,
		Level:     level,
		Targets:   make(map[string]struct{}, len(peers)),
		Acked:     make(map[string]struct{}),
		StartedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	for _, p := range peers {
		record.Targets[p.PeerID] = struct{}{}
	}
	switch level {
	case LevelQuorum:
		record.Required = QuorumSize(len(peers))
	case LevelAll, LevelProgressive:
		record.Required = len(peers)
	}

	if len(peers) == 0 {
		record.Status = StatusFailed
		m.storeRecord(record)
		m.logger.Warn("No eligible peers for replication", "entry_id", entry.EntryID, "level", level.String())
		m.fireHook(ctx, record)
		return *record, nil
	}

	record.Status = StatusPending
	done := make(chan struct{})
	m.mu.Lock()
	m.waiters[entry.EntryID] = done
	m.mu.Unlock()
	m.storeRecord(record)

	m.wg.Add(1)
	go m.fanOut(entry, peers)

	if level == LevelProgressive {
		// Asynchronous by contract: the record upgrades as acks arrive.
		return m.snapshotRecord(entry.EntryID)
	}

	select {
	case <-done:
	case <-time.After(m.opts.AckTimeout):
	case <-ctx.Done():
	}

	m.finalize(ctx, entry.EntryID)
	return m.snapshotRecord(entry.EntryID)
}

// fanOut delivers the entry to every peer concurrently, retrying each peer
// with exponential backoff up to the configured attempt bound.
func (m *Manager) fanOut(entry core.JournalEntry, peers []PeerDescriptor) {
	defer m.wg.Done()

	var g errgroup.Group
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			if err := m.applyWithRetry(peer, entry); err != nil {
				m.logger.Warn("Peer did not acknowledge entry",
					"entry_id", entry.EntryID, "peer_id", peer.PeerID, "error", fmt.Errorf("%w: %v", core.ErrPeerUnreachable, err))
				return nil
			}
			m.recordAck(entry.EntryID, peer.PeerID)
			return nil
		})
	}
	g.Wait()
	m.finalize(context.Background(), entry.EntryID)
}

func (m *Manager) applyWithRetry(peer PeerDescriptor, entry core.JournalEntry) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.opts.RetryBaseDelay

	op := func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.AckTimeout)
		defer cancel()
		return struct{}{}, m.transport.Apply(ctx, peer, entry)
	}
	_, err := backoff.Retry(context.Background(), op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(m.opts.RetryAttempts)))
	return err
}

// recordAck marks a peer acknowledgement and wakes a synchronous waiter once
// the required threshold is reached. Acknowledgements arriving after the
// waiter has given up still upgrade the record.
func (m *Manager) recordAck(entryID uint64, peerID string) {
	m.mu.Lock()
	record, ok := m.records[entryID]
	if !ok {
		m.mu.Unlock()
		return
	}
	record.Acked[peerID] = struct{}{}
	record.UpdatedAt = time.Now()
	if record.Status != StatusPending && len(record.Acked) >= record.Required {
		record.Status = StatusComplete
	}
	reached := len(record.Acked) >= record.Required
	waiter, hasWaiter := m.waiters[entryID]
	if reached && hasWaiter {
		delete(m.waiters, entryID)
	}
	m.mu.Unlock()

	if reached && hasWaiter {
		close(waiter)
	}
}

// finalize settles a record's status from its current ack set. Both the
// synchronous waiter and the fan-out goroutine call it; only the call that
// performs the Pending transition fires the hook and bumps the counter, so
// one replication produces exactly one PostReplicate event.
func (m *Manager) finalize(ctx context.Context, entryID uint64) {
	m.mu.Lock()
	record, ok := m.records[entryID]
	if !ok {
		m.mu.Unlock()
		return
	}
	settled := record.Status == StatusPending
	if settled {
		switch {
		case len(record.Acked) >= record.Required:
			record.Status = StatusComplete
		case len(record.Acked) > 0:
			record.Status = StatusPartial
		default:
			record.Status = StatusFailed
		}
		record.UpdatedAt = time.Now()
	}
	waiter, hasWaiter := m.waiters[entryID]
	delete(m.waiters, entryID)
	snapshot := copyRecord(record)
	m.mu.Unlock()

	if hasWaiter {
		close(waiter)
	}
	if !settled {
		return
	}

	if m.opts.Replications != nil {
		m.opts.Replications.Add(1)
	}
	m.fireHookRecord(ctx, snapshot)
}

// GetStatus returns a snapshot of the replication record for an entry.
func (m *Manager) GetStatus(entryID uint64) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[entryID]
	if !ok {
		return Record{}, fmt.Errorf("%w: no replication record for entry %d", core.ErrNotFound, entryID)
	}
	return copyRecord(record), nil
}

// Verify re-queries the entry's target peers and recomputes the acked set
// against the live registry, so peers unregistered after the initial fan-out
// no longer inflate reported replication health.
func (m *Manager) Verify(ctx context.Context, entryID uint64) (Record, error) {
	m.mu.Lock()
	record, ok := m.records[entryID]
	if !ok {
		m.mu.Unlock()
		return Record{}, fmt.Errorf("%w: no replication record for entry %d", core.ErrNotFound, entryID)
	}
	targets := record.TargetIDs()
	required := record.Required
	m.mu.Unlock()

	confirmed := make(map[string]struct{})
	var confirmedMu sync.Mutex
	var g errgroup.Group
	for _, peerID := range targets {
		peer, live := m.registry.Get(peerID)
		if !live {
			continue
		}
		peerID := peerID
		g.Go(func() error {
			holds, err := m.transport.Verify(ctx, peer, entryID)
			if err != nil {
				m.logger.Warn("Replication verify call failed", "entry_id", entryID, "peer_id", peerID, "error", err)
				return nil
			}
			if holds {
				confirmedMu.Lock()
				confirmed[peerID] = struct{}{}
				confirmedMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok = m.records[entryID]
	if !ok {
		return Record{}, fmt.Errorf("%w: no replication record for entry %d", core.ErrNotFound, entryID)
	}
	record.Acked = confirmed
	switch {
	case len(confirmed) >= required:
		record.Status = StatusComplete
	case len(confirmed) > 0:
		record.Status = StatusPartial
	default:
		record.Status = StatusFailed
	}
	record.UpdatedAt = time.Now()
	return copyRecord(record), nil
}

// Close waits for in-flight fan-outs to finish.
func (m *Manager) Close() error {
	m.wg.Wait()
	return nil
}

// factorForImportance maps an importance level to a peer count within the
// clamped replication factors. Higher importance never targets fewer peers.
func (m *Manager) factorForImportance(importance int) int {
	switch {
	case importance <= 0:
		return m.opts.MinReplicationFactor
	case importance == 1:
		return m.opts.TargetReplicationFactor
	default:
		return m.opts.MaxReplicationFactor
	}
}

// storeRecord inserts a record, evicting the oldest beyond the history limit.
func (m *Manager) storeRecord(record *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[record.EntryID]; !exists {
		m.order = append(m.order, record.EntryID)
	}
	m.records[record.EntryID] = record
	for len(m.order) > m.opts.HistoryLimit {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.records, oldest)
		delete(m.waiters, oldest)
	}
}

func (m *Manager) snapshotRecord(entryID uint64) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[entryID]
	if !ok {
		// Evicted between fan-out and snapshot; only possible with a tiny
		// history limit.
		return Record{}, fmt.Errorf("%w: no replication record for entry %d", core.ErrNotFound, entryID)
	}
	return copyRecord(record), nil
}

func (m *Manager) fireHook(ctx context.Context, record *Record) {
	m.fireHookRecord(ctx, copyRecord(record))
}

func (m *Manager) fireHookRecord(ctx context.Context, record Record) {
	if m.opts.HookManager == nil {
		return
	}
	m.opts.HookManager.Trigger(ctx, hooks.NewPostReplicateEvent(hooks.PostReplicatePayload{
		EntryID:     record.EntryID,
		Status:      record.Status.String(),
		TargetCount: len(record.Targets),
		AckedCount:  len(record.Acked),
	}))
}

func copyRecord(r *Record) Record {
	copied := Record{
		EntryID:   r.EntryID,
		Level:     r.Level,
		Status:    r.Status,
		Required:  r.Required,
		StartedAt: r.StartedAt,
		UpdatedAt: r.UpdatedAt,
		Targets:   make(map[string]struct{}, len(r.Targets)),
		Acked:     make(map[string]struct{}, len(r.Acked)),
	}
	for id := range r.Targets {
		copied.Targets[id] = struct{}{}
	}
	for id := range r.Acked {
		copied.Acked[id] = struct{}{}
	}
	return copied
}

package replication

import (
	"sort"
	"sync"
	"time"
)

// PeerDescriptor describes a participating node. Capabilities are free-form
// tags (e.g. "storage", "archive") used to filter replication targets.
type PeerDescriptor struct {
	PeerID       string
	Address      string
	Capabilities []string
	RegisteredAt time.Time
}

// HasCapability reports whether the peer advertises the given capability.
func (p PeerDescriptor) HasCapability(capability string) bool {
	for _, c := range p.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// PeerRegistry tracks the live set of peers available as replication
// targets. Registration is idempotent: re-registering a peer ID replaces its
// descriptor.
type PeerRegistry struct {
	mu    sync.RWMutex
	peers map[string]PeerDescriptor
}

func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{peers: make(map[string]PeerDescriptor)}
}

// Register adds or replaces a peer. The registration time of an already
// known peer is preserved.
func (r *PeerRegistry) Register(peer PeerDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.peers[peer.PeerID]; ok {
		peer.RegisteredAt = existing.RegisteredAt
	} else if peer.RegisteredAt.IsZero() {
		peer.RegisteredAt = time.Now()
	}
	r.peers[peer.PeerID] = peer
}

// Unregister removes a peer and reports whether it was present. Removing an
// unknown peer is not an error.
func (r *PeerRegistry) Unregister(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[peerID]
	delete(r.peers, peerID)
	return ok
}

// Get returns the descriptor for a peer ID.
func (r *PeerRegistry) Get(peerID string) (PeerDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[peerID]
	return p, ok
}

// ListPeers returns all registered peers, optionally filtered by capability
// (empty filter matches all), sorted by peer ID for deterministic fan-out.
func (r *PeerRegistry) ListPeers(capabilityFilter string) []PeerDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peers := make([]PeerDescriptor, 0, len(r.peers))
	for _, p := range r.peers {
		if capabilityFilter != "" && !p.HasCapability(capabilityFilter) {
			continue
		}
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].PeerID < peers[j].PeerID })
	return peers
}

// Len returns the number of registered peers.
func (r *PeerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

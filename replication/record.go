package replication

import (
	"fmt"
	"time"
)

// Level selects how widely, and how synchronously, a journal entry is
// replicated.
type Level int

const (
	// LevelNone performs no replication at all.
	LevelNone Level = iota
	// LevelLocal considers the entry replicated once it is durable locally.
	LevelLocal
	// LevelQuorum waits for acknowledgements from a quorum of target peers.
	LevelQuorum
	// LevelAll waits for acknowledgements from every target peer.
	LevelAll
	// LevelProgressive picks the replication factor from the entry's
	// importance and acknowledges asynchronously.
	LevelProgressive
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelLocal:
		return "local"
	case LevelQuorum:
		return "quorum"
	case LevelAll:
		return "all"
	case LevelProgressive:
		return "progressive"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel parses a replication level name as it appears in configuration.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "none", "":
		return LevelNone, nil
	case "local":
		return LevelLocal, nil
	case "quorum":
		return LevelQuorum, nil
	case "all":
		return LevelAll, nil
	case "progressive":
		return LevelProgressive, nil
	default:
		return LevelNone, fmt.Errorf("unknown replication level %q", s)
	}
}

// Status describes the aggregate outcome of one entry's replication.
type Status int

const (
	StatusPending Status = iota
	StatusPartial
	StatusComplete
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusPartial:
		return "partial"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Record tracks a single entry's replication: which peers were targeted,
// which acknowledged, and the resulting status. Late acknowledgements after
// the synchronous wait keep upgrading the record.
type Record struct {
	EntryID   uint64
	Level     Level
	Targets   map[string]struct{}
	Acked     map[string]struct{}
	Status    Status
	Required  int // acknowledgements needed for Complete
	StartedAt time.Time
	UpdatedAt time.Time
}

// TargetIDs returns the targeted peer IDs in unspecified order.
func (r *Record) TargetIDs() []string {
	ids := make([]string, 0, len(r.Targets))
	for id := range r.Targets {
		ids = append(ids, id)
	}
	return ids
}

// AckedIDs returns the peer IDs that have acknowledged.
func (r *Record) AckedIDs() []string {
	ids := make([]string, 0, len(r.Acked))
	for id := range r.Acked {
		ids = append(ids, id)
	}
	return ids
}

// QuorumSize returns the acknowledgement count required for a quorum over
// peerCount peers: a strict majority, with a hard floor of 3. The floor is
// deliberate: a cluster too small to produce 3 acknowledgements cannot reach
// Complete at quorum level.
func QuorumSize(peerCount int) int {
	q := peerCount/2 + 1
	if q < 3 {
		q = 3
	}
	return q
}

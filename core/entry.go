package core

// OperationType identifies the kind of filesystem mutation a journal entry
// records.
type OperationType uint8

const (
	OpCreateFile OperationType = iota + 1
	OpCreateDirectory
	OpRename
	OpDelete
	OpMount
	OpUpdateMetadata
)

// String returns the string representation of the OperationType.
func (op OperationType) String() string {
	switch op {
	case OpCreateFile:
		return "create_file"
	case OpCreateDirectory:
		return "create_directory"
	case OpRename:
		return "rename"
	case OpDelete:
		return "delete"
	case OpMount:
		return "mount"
	case OpUpdateMetadata:
		return "update_metadata"
	default:
		return "unknown"
	}
}

// EntryStatus tracks the lifecycle of a journal entry. Transitions are
// monotonic: Pending -> Applied -> Checkpointed.
type EntryStatus uint8

const (
	StatusPending EntryStatus = iota + 1
	StatusApplied
	StatusCheckpointed
)

// String returns the string representation of the EntryStatus.
func (s EntryStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApplied:
		return "applied"
	case StatusCheckpointed:
		return "checkpointed"
	default:
		return "unknown"
	}
}

// ContentID is an opaque handle into the external content-addressed store.
type ContentID string

// JournalEntry is a single immutable record in the filesystem journal.
// Once appended to the log an entry is never mutated, only superseded by
// later entries for the same path.
type JournalEntry struct {
	EntryID     uint64
	Op          OperationType
	Path        string
	TargetPath  string // Rename destination; empty otherwise.
	ContentID   ContentID
	IsDirectory bool
	Metadata    map[string]string
	Timestamp   int64 // UnixNano
	Status      EntryStatus
}

// LogPosition identifies a point in the WAL: the segment that holds an entry
// and the entry's ID. Positions are totally ordered because entry IDs are
// assigned monotonically and segments are numbered in append order.
type LogPosition struct {
	SegmentIndex uint64
	EntryID      uint64
}

// Before reports whether p is strictly earlier in the log than other.
func (p LogPosition) Before(other LogPosition) bool {
	if p.SegmentIndex != other.SegmentIndex {
		return p.SegmentIndex < other.SegmentIndex
	}
	return p.EntryID < other.EntryID
}

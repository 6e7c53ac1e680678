package core

// Checkpoint stores the log position up to which a persisted snapshot is
// valid. Every entry at or below this position has been applied; recovery
// replays only strictly newer entries.
type Checkpoint struct {
	LastSegmentIndex uint64 `json:"last_segment_index"`
	LastEntryID      uint64 `json:"last_entry_id"`
}

// FilesystemSnapshot is the serialized form of the virtual filesystem state
// persisted by a checkpoint.
type FilesystemSnapshot struct {
	Position    Checkpoint                   `json:"position"`
	Files       map[string]ContentID         `json:"files"`
	Directories []string                     `json:"directories"`
	Metadata    map[string]map[string]string `json:"metadata,omitempty"`
	CreatedAt   int64                        `json:"created_at"`
}

package journal

import (
	"context"
	"fmt"

	"github.com/INLOpen/nexusvfs/core"
)

// ApplyReplicated ingests a journal entry originating on another node,
// preserving its entry ID. Entries must arrive in ID order; an entry already
// covered by the local sequence is a no-op, which makes redelivery after a
// network retry harmless.
func (j *Journal) ApplyReplicated(ctx context.Context, entry core.JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return core.ErrClosed
	}
	if entry.EntryID < j.nextEntryID {
		return nil
	}
	if entry.EntryID > j.nextEntryID {
		return fmt.Errorf("replication gap: expected entry %d, got %d", j.nextEntryID, entry.EntryID)
	}

	if _, err := j.wal.Append(&entry); err != nil {
		j.failedOps++
		return err
	}
	j.nextEntryID = entry.EntryID + 1

	entry.Status = core.StatusApplied
	j.state.apply(&entry)
	j.opCounts[entry.Op]++
	return nil
}

// HasEntry reports whether the journal has applied the entry with the given
// ID.
func (j *Journal) HasEntry(entryID uint64) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return entryID > 0 && entryID < j.nextEntryID
}

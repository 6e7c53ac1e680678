package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/INLOpen/nexusvfs/core"
)

// EventType defines the type of a hook event.
type EventType string

const (
	// Journal Lifecycle Events
	EventPreJournalAppend EventType = "PreJournalAppend"
	EventPostJournalApply EventType = "PostJournalApply"
	EventPostWALRecovery  EventType = "PostWALRecovery"
	EventPostWALRotate    EventType = "PostWALRotate"
	EventPostCheckpoint   EventType = "PostCheckpoint"
	EventPostReplicate    EventType = "PostReplicate"
)

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// HookListener receives events from the HookManager.
type HookListener interface {
	// OnEvent is called when a registered event is triggered. Returning an
	// error from a "Pre" hook cancels the operation; errors from "Post"
	// hooks are logged without affecting the main operation.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for Post-events.
	IsAsync() bool
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// PreJournalAppendPayload carries the entry about to be appended. The pointer
// allows listeners to adjust metadata before the entry is made durable.
type PreJournalAppendPayload struct {
	Entry *core.JournalEntry
}

func NewPreJournalAppendEvent(payload PreJournalAppendPayload) HookEvent {
	return &BaseEvent{eventType: EventPreJournalAppend, payload: payload}
}

// PostJournalApplyPayload carries the entry that was applied to the in-memory state.
type PostJournalApplyPayload struct {
	Entry    core.JournalEntry
	Position core.LogPosition
}

func NewPostJournalApplyEvent(payload PostJournalApplyPayload) HookEvent {
	return &BaseEvent{eventType: EventPostJournalApply, payload: payload}
}

// PostWALRecoveryPayload carries the outcome of journal recovery.
type PostWALRecoveryPayload struct {
	ReplayedEntries int
	LastPosition    core.LogPosition
	TailTruncated   bool
}

func NewPostWALRecoveryEvent(payload PostWALRecoveryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALRecovery, payload: payload}
}

// PostWALRotatePayload carries segment indexes for a WAL rotation.
type PostWALRotatePayload struct {
	OldSegmentIndex uint64
	NewSegmentIndex uint64
	NewSegmentPath  string
}

func NewPostWALRotateEvent(payload PostWALRotatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALRotate, payload: payload}
}

// PostCheckpointPayload carries the persisted checkpoint position.
type PostCheckpointPayload struct {
	Position core.Checkpoint
	Path     string
}

func NewPostCheckpointEvent(payload PostCheckpointPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCheckpoint, payload: payload}
}

// PostReplicatePayload carries the aggregate outcome of a replication fan-out.
type PostReplicatePayload struct {
	EntryID     uint64
	Status      string
	TargetCount int
	AckedCount  int
}

func NewPostReplicateEvent(payload PostReplicatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostReplicate, payload: payload}
}

// listenerWithPriority wraps a listener with its priority for ordered dispatch.
type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// The map stores slices of listeners, kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup // For tracking async listeners
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority >= item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners, ok := m.listeners[event.Type()]
	m.mu.RUnlock()

	if !ok || len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		// Pre-hooks MUST be synchronous to allow for cancellation.
		if isPreHook || !item.listener.IsAsync() {
			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
		} else {
			m.wg.Add(1)
			go func(currentItem *listenerWithPriority) {
				defer m.wg.Done()
				if err := currentItem.listener.OnEvent(ctx, event); err != nil {
					m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
				}
			}(item)
		}
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}

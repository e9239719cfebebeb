package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// EventType defines the type of a hook event.
type EventType string

// --- Event Type Constants ---
const (
	// Segment lifecycle
	EventPostSegmentCreate EventType = "PostSegmentCreate"
	EventPostSegmentPad    EventType = "PostSegmentPad"
	EventPostSegmentClose  EventType = "PostSegmentClose"

	// Sync processor
	EventPostBatchFlush EventType = "PostBatchFlush"
	EventPostShutdown   EventType = "PostShutdown"

	// Snapshot lifecycle
	EventPreSnapshot  EventType = "PreSnapshot"
	EventPostSnapshot EventType = "PostSnapshot"
)

// --- HookManager Interface and Implementation ---

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	// It handles synchronous vs. asynchronous execution based on the event type and listener preference.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete. Useful for graceful shutdown.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	// Type returns the type of the event.
	Type() EventType
	// Payload returns the data associated with the event.
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// SegmentPayload describes a log segment that was created or closed.
type SegmentPayload struct {
	Path       string
	FirstTxnID uint64
}

// NewPostSegmentCreateEvent creates an event for after a new segment file is opened for append.
func NewPostSegmentCreateEvent(payload SegmentPayload) HookEvent {
	return &BaseEvent{eventType: EventPostSegmentCreate, payload: payload}
}

// NewPostSegmentCloseEvent creates an event for after a flushed segment is closed.
func NewPostSegmentCloseEvent(payload SegmentPayload) HookEvent {
	return &BaseEvent{eventType: EventPostSegmentClose, payload: payload}
}

// PostSegmentPadPayload contains the result of growing a segment's allocation.
type PostSegmentPadPayload struct {
	Path          string
	Position      int64
	AllocatedSize int64
	Duration      time.Duration
	Preallocated  bool // false when the filesystem refused fallocate
}

// NewPostSegmentPadEvent creates an event for after a segment was padded.
func NewPostSegmentPadEvent(payload PostSegmentPadPayload) HookEvent {
	return &BaseEvent{eventType: EventPostSegmentPad, payload: payload}
}

// PostBatchFlushPayload describes one durability barrier of the sync processor.
type PostBatchFlushPayload struct {
	Requests     int           // requests released downstream by this flush
	Streams      int           // segment streams flushed
	Bytes        int64         // bytes pushed to the OS by this flush
	Synced       bool          // whether fsync was issued
	SyncDuration time.Duration // time spent in flush+fsync
}

// NewPostBatchFlushEvent creates an event for after a batch became durable.
func NewPostBatchFlushEvent(payload PostBatchFlushPayload) HookEvent {
	return &BaseEvent{eventType: EventPostBatchFlush, payload: payload}
}

// PostShutdownPayload is emitted once the sync processor has stopped.
type PostShutdownPayload struct {
	LastLoggedTxnID uint64
	Err             error // non-nil when the processor stopped on a fatal error
}

// NewPostShutdownEvent creates an event for after the sync processor stopped.
func NewPostShutdownEvent(payload PostShutdownPayload) HookEvent {
	return &BaseEvent{eventType: EventPostShutdown, payload: payload}
}

// PreSnapshotPayload contains data for a PreSnapshot event.
// Returning an error from a listener cancels the snapshot.
type PreSnapshotPayload struct {
	TaskID          uint64
	LastLoggedTxnID uint64
}

// NewPreSnapshotEvent creates a new event for before a snapshot task starts.
func NewPreSnapshotEvent(payload PreSnapshotPayload) HookEvent {
	return &BaseEvent{eventType: EventPreSnapshot, payload: payload}
}

// PostSnapshotPayload contains data for a PostSnapshot event.
type PostSnapshotPayload struct {
	TaskID   uint64
	Duration time.Duration
	Err      error
}

// NewPostSnapshotEvent creates a new event for after a snapshot task finished.
func NewPostSnapshotEvent(payload PostSnapshotPayload) HookEvent {
	return &BaseEvent{eventType: EventPostSnapshot, payload: payload}
}

// --- HookListener Interface ---

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is triggered.
	// Returning an error from a "Pre" hook (e.g., PreSnapshot) cancels the operation.
	// Errors from "Post" hooks are logged without affecting the main operation.
	OnEvent(ctx context.Context, event HookEvent) error
	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int
	// IsAsync indicates if the listener should be called asynchronously for Post-events.
	IsAsync() bool
}

// listenerWithPriority wraps a listener with its priority.
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
// Listeners with equal priority run in registration order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > item.priority
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
		isListenerAsync := item.listener.IsAsync()

		// Pre-hooks MUST be synchronous to allow for cancellation.
		if isPreHook || !isListenerAsync {
			if isPreHook && isListenerAsync {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.", "event", event.Type(), "priority", item.priority)
			}

			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}

		m.wg.Add(1)
		go func(currentItem *listenerWithPriority) {
			defer m.wg.Done()
			if err := currentItem.listener.OnEvent(ctx, event); err != nil {
				m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}

// Trigger is a nil-safe helper for components holding an optional HookManager.
func Trigger(ctx context.Context, m HookManager, event HookEvent) error {
	if m == nil {
		return nil
	}
	return m.Trigger(ctx, event)
}

// Package bus carries assignment lifecycle events inside the process and
// forwards them to external consumers.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a lifecycle notification about one assignment, rule or job.
type Event struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	TenantID     string         `json:"tenantId,omitempty"`
	AssignmentID string         `json:"assignmentId,omitempty"`
	Channel      string         `json:"channel,omitempty"`
	Status       string         `json:"status,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Key returns the partitioning key of the event: the assignment when there
// is one, the event id otherwise.
func (e Event) Key() string {
	if e.AssignmentID != "" {
		return e.AssignmentID
	}
	return e.ID
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus is a topic-based publish/subscribe bus with a bounded replay
// buffer. "*" subscribes to every event type.
type EventBus struct {
	handlers   map[string][]namedHandler
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Event
	maxHistory int
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

// NewEventBus creates a bus that keeps the last historySize events.
func NewEventBus(historySize int, logger *slog.Logger) *EventBus {
	if historySize <= 0 {
		historySize = 200
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: historySize,
	}
}

// On registers a handler and returns its id for Off.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eventType + "-" + uuid.NewString()
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its id.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit delivers an event to the handlers of its type and to wildcard
// handlers, synchronously and in registration order. A panicking handler is
// logged and skipped.
func (eb *EventBus) Emit(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// Replay returns buffered events of eventType ("*" for all) since the given time.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// HistoryLen returns the number of buffered events.
func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}

// Well-known event types.
const (
	EventAssignmentCreated   = "assignment.created"
	EventAssignmentSent      = "assignment.sent"
	EventAssignmentDelivered = "assignment.delivered"
	EventAssignmentFailed    = "assignment.failed"
	EventAssignmentBounced   = "assignment.bounced"
	EventDispatchQueued      = "dispatch.queued"
	EventDispatchRetry       = "dispatch.retry"
	EventDistributionNoMatch = "distribution.no_match"
	EventRuleCreated         = "rule.created"
	EventRuleUpdated         = "rule.updated"
	EventRuleDeleted         = "rule.deleted"
)

// StatusEvent returns the event type announcing a move to status.
func StatusEvent(status string) string {
	return "assignment." + status
}

// Package bus provides the supervisor's event bus: in-memory by default,
// NATS-backed when a URL is configured. Subjects follow NATS conventions
// (dot-separated tokens, "*" single-token wildcard, ">" tail wildcard).
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Well-known subjects published by the supervisor.
const (
	SubjectAgentSpawned     = "agent.spawned"
	SubjectAgentEnded       = "agent.ended"
	SubjectAgentFailed      = "agent.failed"
	SubjectTaskClaimed      = "task.claimed"
	SubjectTaskClosed       = "task.closed"
	SubjectTaskBlocked      = "task.blocked"
	SubjectMergeQueued      = "merge.queued"
	SubjectMergeCompleted   = "merge.completed"
	SubjectMergeConflict    = "merge.conflict"
	SubjectSteeringDecision = "steering.decision"
	SubjectLifecycle        = "lifecycle.recorded"
)

// Event is a message on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates an event with a fresh id and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler handles one delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the bus surface the supervisor publishes to.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}

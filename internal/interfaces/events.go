package interfaces

import "context"

// EventType identifies a published event category
type EventType string

const (
	EventOrderProgress EventType = "order_progress"
	EventOrderStatus   EventType = "order_status"
	EventBatchStatus   EventType = "batch_status"
	EventOrderLog      EventType = "order_log"
)

// Event is a loosely-typed payload pushed to dashboard subscribers.
type Event struct {
	Type    EventType              `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// EventService is an in-process pub/sub used by the websocket handler.
// Publishing never blocks task execution; slow subscribers drop events.
type EventService interface {
	Publish(ctx context.Context, event Event) error
	Subscribe() (<-chan Event, func())
}

package events

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDispatcherClosed = errors.New("event dispatcher is closed")
	ErrQueueFull        = errors.New("event queue is full")
)

// Header keys carried on every message.
const (
	HeaderContentType   = "content-type"
	HeaderEventType     = "event-type"
	HeaderEventTime     = "event-time"
	HeaderSchemaVersion = "schema-version"
)

// Event types.
const (
	EventTypeVerdict      = "compliance.verdict"
	EventTypeReportStatus = "compliance.report.status"
)

// Message is one record destined for the durable log.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Headers   map[string]string
	CreatedAt time.Time
}

// Sink writes messages to the durable log. Send returns only once the log
// has acknowledged the message.
type Sink interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

// Recorder receives publish outcomes.
type Recorder interface {
	ObservePublish(topic string, delivered bool, attempts int)
	ObserveQueueDepth(depth int)
}

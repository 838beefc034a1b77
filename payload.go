package driftline

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Ingestion API paths, relative to the configured base URL. The API key is
// passed as a query parameter on every request.
const (
	pathTrack    = "/track"
	pathIdentify = "/identify"
	pathAlias    = "/alias"
	pathBatch    = "/batch"
)

// eventType discriminates queued events by their destination path.
type eventType string

const (
	eventTypeTrack    eventType = "track"
	eventTypeIdentify eventType = "identify"
	eventTypeAlias    eventType = "alias"
)

// trackPayload is the body of POST /track.
type trackPayload struct {
	Timestamp   string         `json:"timestamp"`
	Event       string         `json:"event"`
	Environment string         `json:"environment"`
	DeviceID    string         `json:"device_id"`
	DistinctID  string         `json:"distinct_id"`
	AnonymousID *string        `json:"anonymous_id"`
	SessionID   string         `json:"session_id"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// identifyPayload is the body of POST /identify.
type identifyPayload struct {
	Environment string         `json:"environment"`
	Traits      map[string]any `json:"traits"`
	DeviceID    string         `json:"device_id"`
	DistinctID  string         `json:"distinct_id"`
	AnonymousID *string        `json:"anonymous_id"`
}

// aliasPayload is the body of POST /alias.
type aliasPayload struct {
	Environment string `json:"environment"`
	NewUserID   string `json:"new_user_id"`
	DistinctID  string `json:"distinct_id"`
	DeviceID    string `json:"device_id"`
	SessionID   string `json:"session_id"`
}

// queuedEvent is one event awaiting consent or delivery. The body is the
// fully stamped wire payload, captured at call time so that a queued event
// reflects the identity, session and page state of the moment it was tracked,
// not the moment it is flushed.
type queuedEvent struct {
	ID         string
	Type       eventType
	Path       string
	Body       json.RawMessage
	EnqueuedAt time.Time
	RetryCount int
}

func newQueuedEvent(typ eventType, path string, body json.RawMessage) *queuedEvent {
	return &queuedEvent{
		ID:         uuid.NewString(),
		Type:       typ,
		Path:       path,
		Body:       body,
		EnqueuedAt: time.Now(),
	}
}

func marshalPayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// batchBody groups array-wrapped event bodies by their destination path for
// POST /batch.
func batchBody(events []*queuedEvent) ([]byte, error) {
	grouped := make(map[string][]json.RawMessage)
	for _, ev := range events {
		grouped[ev.Path] = append(grouped[ev.Path], ev.Body)
	}
	return json.Marshal(grouped)
}

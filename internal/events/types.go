package events

import "time"

// EventType identifies the type of event
type EventType string

const (
	// Request lifecycle
	RequestRegisteredEvent EventType = "request.registered"
	RequestCancelledEvent  EventType = "request.cancelled"
	RequestFinishedEvent   EventType = "request.finished"

	// Pipeline progress
	QueryAttemptEvent EventType = "query.attempt"

	// Dataset
	DatasetReloadedEvent EventType = "dataset.reloaded"
	ExportTriggeredEvent EventType = "export.triggered"
)

// Event represents an event in the system
type Event struct {
	Type    EventType
	Time    time.Time
	Payload any
}

// Event payload types

type RequestPayload struct {
	RequestID string
	User      string
	// Outcome is set on RequestFinishedEvent only.
	Outcome string
}

type QueryAttemptPayload struct {
	RequestID string
	User      string
	Attempt   int
	Query     string
	Err       error
}

type DatasetPayload struct {
	Path string
	Err  error
}

package notify

import "time"

// EventType names a real-time change published on a user's bus channel.
type EventType string

const (
	EventCreated EventType = "created"
	EventRead    EventType = "read"
	EventReadAll EventType = "read_all"
)

// Event is the real-time message published per user.
type Event struct {
	Type         EventType     `json:"type"`
	Notification *Notification `json:"notification,omitempty"`
	IDs          []string      `json:"ids,omitempty"`
	At           time.Time     `json:"at"`
}

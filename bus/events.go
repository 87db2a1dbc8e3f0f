// Package bus provides the publish/subscribe plane that decouples the
// discovery watcher, the analysis workers, and the realtime fan-out.
// It is backed by NATS; while the connection is down, published events
// are held in a bounded in-memory outbox and flushed on reconnect.
package bus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType identifies a lifecycle or pipeline event on the bus.
type EventType string

// Event types carried on the bus.
const (
	// Raw watcher notifications. They carry only a path; the discovery
	// subscriber resolves them into the project lifecycle events below.
	EventPathAdded   EventType = "path:added"
	EventPathRemoved EventType = "path:removed"

	EventProjectAdded      EventType = "project:added"
	EventProjectUpdated    EventType = "project:updated"
	EventProjectRemoved    EventType = "project:removed"
	EventAnalysisStarted   EventType = "analysis:started"
	EventAnalysisProgress  EventType = "analysis:progress"
	EventAnalysisCompleted EventType = "analysis:completed"
	EventAnalysisFailed    EventType = "analysis:failed"
)

// subjectPrefix namespaces all prospector subjects on a shared NATS server.
const subjectPrefix = "prospector.events"

// Subject returns the NATS subject for an event type.
// Colons are not valid in NATS subjects, so "project:added" maps to
// "prospector.events.project.added".
func (t EventType) Subject() string {
	return subjectPrefix + "." + strings.ReplaceAll(string(t), ":", ".")
}

// EventTypeFromSubject reverses Subject. Returns "" for foreign subjects.
func EventTypeFromSubject(subject string) EventType {
	rest, ok := strings.CutPrefix(subject, subjectPrefix+".")
	if !ok {
		return ""
	}
	return EventType(strings.Replace(rest, ".", ":", 1))
}

// Event is the envelope for every message on the bus.
type Event struct {
	Type      EventType       `json:"type"`
	ProjectID string          `json:"projectId"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent builds an envelope with the current server timestamp.
// payload may be nil for events that carry no body.
func NewEvent(t EventType, projectID string, payload any) (Event, error) {
	ev := Event{
		Type:      t,
		ProjectID: projectID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal event payload: %w", err)
		}
		ev.Data = data
	}
	return ev, nil
}

// DecodeData unmarshals the event payload into v.
func (e Event) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// DiscoveryData is the path payload shared by the raw path events and
// the enriched project lifecycle events.
type DiscoveryData struct {
	Path string `json:"path"`
}

// ProgressData is the payload of analysis:progress events.
type ProgressData struct {
	Status  string `json:"status"`
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// FailureData is the payload of analysis:failed events.
type FailureData struct {
	Reason string `json:"reason"`
}

package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType categorizes the kind of run event.
type EventType string

const (
	EventTypeRunStatus     EventType = "run_status"
	EventTypeStageStatus   EventType = "stage_status"
	EventTypeStepStatus    EventType = "step_status"
	EventTypeGateEvaluated EventType = "gate_evaluated"
	EventTypeLog           EventType = "log"
	EventTypeArtifact      EventType = "artifact"
	EventTypeStreamEnd     EventType = "stream_end"
)

// Event is one entry in a run's append-only event stream.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Type      EventType       `json:"type"`
	Stage     string          `json:"stage,omitempty"`
	Step      string          `json:"step,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventInput is used when appending new events.
type EventInput struct {
	Type  EventType   `json:"type"`
	Stage string      `json:"stage,omitempty"`
	Step  string      `json:"step,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// ToSSE formats the event for Server-Sent Events.
// Format: id: <id>\nevent: <type>\ndata: <json>\n\n
func (e *Event) ToSSE() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data))
}

// Package a2a adapts the fleet queue to the agent-to-agent task
// protocol: callers submit a message, receive streamed status events
// while the run moves through the queue, and get an artifact with the
// result when it settles.
package a2a

import (
	"encoding/json"
	"fmt"
	"time"
)

// Part is one piece of message or artifact content. The concrete
// kinds are TextPart, FilePart and DataPart; on the wire each carries
// a "kind" tag.
type Part interface {
	partKind() string
}

// TextPart carries plain text. Only text parts contribute to the
// prompt of a submitted task.
type TextPart struct {
	Text string
}

func (TextPart) partKind() string { return "text" }

func (p TextPart) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind string `json:"kind"`
		Text string `json:"text"`
	}{Kind: "text", Text: p.Text})
}

// FilePart references file content by URI or carries it inline.
type FilePart struct {
	Name     string
	MIMEType string
	URI      string
	Bytes    []byte
}

func (FilePart) partKind() string { return "file" }

func (p FilePart) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind     string `json:"kind"`
		Name     string `json:"name,omitempty"`
		MIMEType string `json:"mime_type,omitempty"`
		URI      string `json:"uri,omitempty"`
		Bytes    []byte `json:"bytes,omitempty"`
	}{Kind: "file", Name: p.Name, MIMEType: p.MIMEType, URI: p.URI, Bytes: p.Bytes})
}

// DataPart carries structured JSON content.
type DataPart struct {
	Data map[string]any
}

func (DataPart) partKind() string { return "data" }

func (p DataPart) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind string         `json:"kind"`
		Data map[string]any `json:"data"`
	}{Kind: "data", Data: p.Data})
}

// UnmarshalPart decodes one tagged part.
func UnmarshalPart(raw json.RawMessage) (Part, error) {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("decode part tag: %w", err)
	}
	switch probe.Kind {
	case "text":
		var p struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode text part: %w", err)
		}
		return TextPart{Text: p.Text}, nil
	case "file":
		var p struct {
			Name     string `json:"name"`
			MIMEType string `json:"mime_type"`
			URI      string `json:"uri"`
			Bytes    []byte `json:"bytes"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode file part: %w", err)
		}
		return FilePart{Name: p.Name, MIMEType: p.MIMEType, URI: p.URI, Bytes: p.Bytes}, nil
	case "data":
		var p struct {
			Data map[string]any `json:"data"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode data part: %w", err)
		}
		return DataPart{Data: p.Data}, nil
	default:
		return nil, fmt.Errorf("unknown part kind %q", probe.Kind)
	}
}

// Message is the caller's input: a role, content parts, and optional
// metadata that can carry routing hints.
type Message struct {
	Role     string         `json:"role,omitempty"`
	Parts    []Part         `json:"parts"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role     string            `json:"role"`
		Parts    []json.RawMessage `json:"parts"`
		Metadata map[string]any    `json:"metadata"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Metadata = raw.Metadata
	m.Parts = make([]Part, 0, len(raw.Parts))
	for _, rp := range raw.Parts {
		p, err := UnmarshalPart(rp)
		if err != nil {
			return err
		}
		m.Parts = append(m.Parts, p)
	}
	return nil
}

// RequestContext identifies one protocol task and carries its message.
type RequestContext struct {
	// TaskID is the caller-assigned task id, used as the external id
	// for idempotent submission.
	TaskID string `json:"task_id"`
	// ContextID groups related tasks on the caller's side. Recorded,
	// not interpreted.
	ContextID string         `json:"context_id,omitempty"`
	Message   Message        `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TaskState is the protocol-level lifecycle state.
type TaskState string

const (
	StateSubmitted     TaskState = "submitted"
	StateWorking       TaskState = "working"
	StateInputRequired TaskState = "input-required"
	StateCompleted     TaskState = "completed"
	StateFailed        TaskState = "failed"
	StateCancelled     TaskState = "cancelled"
)

// Final reports whether the state ends the task.
func (s TaskState) Final() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// TaskStatus is a point-in-time state snapshot.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Artifact is a result produced by a finished task.
type Artifact struct {
	ArtifactID string `json:"artifact_id"`
	Name       string `json:"name,omitempty"`
	Parts      []Part `json:"parts"`
}

// Event types emitted to the sink.
const (
	EventStatus   = "status"
	EventArtifact = "artifact"
)

// Event is one protocol event. Final marks the last event of a task.
type Event struct {
	Type     string      `json:"type"`
	TaskID   string      `json:"task_id"`
	Status   *TaskStatus `json:"status,omitempty"`
	Artifact *Artifact   `json:"artifact,omitempty"`
	Final    bool        `json:"final"`
}

// EventSink receives executor events, usually bridging to a stream.
type EventSink interface {
	Put(event Event) error
}

// StatusEvent builds a status event for taskID. Finality follows the
// state.
func StatusEvent(taskID string, state TaskState, message string) Event {
	return Event{
		Type:   EventStatus,
		TaskID: taskID,
		Status: &TaskStatus{
			State:     state,
			Message:   message,
			Timestamp: time.Now().UTC(),
		},
		Final: state.Final(),
	}
}

// ArtifactEvent builds an artifact event. The final status event
// follows separately.
func ArtifactEvent(taskID string, artifact Artifact) Event {
	return Event{
		Type:     EventArtifact,
		TaskID:   taskID,
		Artifact: &artifact,
	}
}

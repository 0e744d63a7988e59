package x402

import (
	"time"

	"github.com/google/uuid"
)

// TaskState is the coarse state of an agent task.
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateFailed        TaskState = "failed"
	TaskStateCanceled      TaskState = "canceled"
)

// Role of a message author.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// PartKind discriminates Part.
type PartKind string

const (
	PartKindText PartKind = "text"
	PartKindData PartKind = "data"
)

// Part is one piece of message or artifact content.
type Part struct {
	Kind PartKind       `json:"kind"`
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Kind: PartKindText, Text: text}
}

// DataPart builds a structured data part.
func DataPart(data map[string]any) Part {
	return Part{Kind: PartKindData, Data: data}
}

// Message is a single turn exchanged between client and agent.
type Message struct {
	MessageID string         `json:"messageId"`
	Role      Role           `json:"role"`
	Parts     []Part         `json:"parts"`
	TaskID    string         `json:"taskId,omitempty"`
	ContextID string         `json:"contextId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewMessage creates a message with a fresh id.
func NewMessage(role Role, taskID string, parts ...Part) *Message {
	return &Message{
		MessageID: uuid.NewString(),
		Role:      role,
		Parts:     parts,
		TaskID:    taskID,
	}
}

// Text concatenates all text parts.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	return JoinText(m.Parts)
}

// Artifact is output produced by the agent.
type Artifact struct {
	ArtifactID string `json:"artifactId"`
	Name       string `json:"name,omitempty"`
	Parts      []Part `json:"parts"`
}

// Text concatenates all text parts.
func (a *Artifact) Text() string {
	if a == nil {
		return ""
	}
	return JoinText(a.Parts)
}

// TaskStatus is the status block of a task.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp string    `json:"timestamp,omitempty"`
}

// Task is the agent's response envelope. Its ID is the correlation id of the
// payment handshake.
type Task struct {
	ID        string         `json:"id"`
	ContextID string         `json:"contextId,omitempty"`
	Status    TaskStatus     `json:"status"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	History   []Message      `json:"history,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Payment decodes the payment sub-object from the status message.
func (t *Task) Payment() PaymentInfo {
	if t == nil || t.Status.Message == nil {
		return PaymentInfo{}
	}
	return PaymentInfoFromMetadata(t.Status.Message.Metadata)
}

// Now formats the current time the way task status timestamps are written.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// JoinText concatenates the text parts of parts with newlines.
func JoinText(parts []Part) string {
	var out string
	for _, p := range parts {
		if p.Kind != PartKindText || p.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out
}

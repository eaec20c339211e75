// Package protocol defines the session envelope model and the mappers that
// translate provider-native agent event streams into it.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Role identifies who produced an envelope.
type Role string

const (
	RoleUser    Role = "user"
	RoleAgent   Role = "agent"
	RoleSession Role = "session"
)

// EventType discriminates envelope event payloads.
type EventType string

const (
	EventTurnStart     EventType = "turn-start"
	EventTurnEnd       EventType = "turn-end"
	EventText          EventType = "text"
	EventToolCallStart EventType = "tool-call-start"
	EventToolCallEnd   EventType = "tool-call-end"
)

// TurnStatus is the terminal state of a turn.
type TurnStatus string

const (
	TurnCompleted TurnStatus = "completed"
	TurnFailed    TurnStatus = "failed"
	TurnCancelled TurnStatus = "cancelled"
)

// Event is one of the envelope payload variants. Exactly one pointer field is
// set, matching Type.
type Event struct {
	Type          EventType           `json:"type"`
	TurnEnd       *TurnEndEvent       `json:"-"`
	Text          *TextEvent          `json:"-"`
	ToolCallStart *ToolCallStartEvent `json:"-"`
	ToolCallEnd   *ToolCallEndEvent   `json:"-"`
}

// TurnEndEvent carries the terminal status of a turn.
type TurnEndEvent struct {
	Status TurnStatus `json:"status"`
}

// TextEvent carries a flushed block of agent text.
type TextEvent struct {
	Text     string `json:"text"`
	Thinking bool   `json:"thinking,omitempty"`
}

// ToolCallStartEvent announces a tool invocation.
type ToolCallStartEvent struct {
	Call        string          `json:"call"`
	Name        string          `json:"name"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Args        json.RawMessage `json:"args,omitempty"`
}

// ToolCallEndEvent closes a previously announced tool invocation.
type ToolCallEndEvent struct {
	Call   string          `json:"call"`
	Output json.RawMessage `json:"output,omitempty"`
	Status string          `json:"status,omitempty"`
}

// Envelope is the atomic unit of session history. Envelopes are immutable
// once constructed; Time is strictly monotonic within a session.
type Envelope struct {
	Role  Role   `json:"role"`
	Event Event  `json:"event"`
	Turn  string `json:"turn,omitempty"`
	Time  int64  `json:"time"`
}

type eventJSON struct {
	Type EventType `json:"type"`

	// turn-end
	Status TurnStatus `json:"status,omitempty"`

	// text
	Text     *string `json:"text,omitempty"`
	Thinking bool    `json:"thinking,omitempty"`

	// tool-call-start / tool-call-end
	Call        string          `json:"call,omitempty"`
	Name        string          `json:"name,omitempty"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	Args        json.RawMessage `json:"args,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	CallStatus  string          `json:"callStatus,omitempty"`
}

// MarshalJSON flattens the active variant into a single tagged object.
func (e Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{Type: e.Type}
	switch e.Type {
	case EventTurnStart:
	case EventTurnEnd:
		if e.TurnEnd == nil {
			return nil, fmt.Errorf("turn-end event missing payload")
		}
		out.Status = e.TurnEnd.Status
	case EventText:
		if e.Text == nil {
			return nil, fmt.Errorf("text event missing payload")
		}
		out.Text = &e.Text.Text
		out.Thinking = e.Text.Thinking
	case EventToolCallStart:
		if e.ToolCallStart == nil {
			return nil, fmt.Errorf("tool-call-start event missing payload")
		}
		out.Call = e.ToolCallStart.Call
		out.Name = e.ToolCallStart.Name
		out.Title = e.ToolCallStart.Title
		out.Description = e.ToolCallStart.Description
		out.Args = e.ToolCallStart.Args
	case EventToolCallEnd:
		if e.ToolCallEnd == nil {
			return nil, fmt.Errorf("tool-call-end event missing payload")
		}
		out.Call = e.ToolCallEnd.Call
		out.Output = e.ToolCallEnd.Output
		out.CallStatus = e.ToolCallEnd.Status
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a tagged event object, rejecting unknown
// discriminators so corrupted or newer-format history fails loudly instead of
// silently dropping structure.
func (e *Event) UnmarshalJSON(data []byte) error {
	var in eventJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*e = Event{Type: in.Type}
	switch in.Type {
	case EventTurnStart:
	case EventTurnEnd:
		e.TurnEnd = &TurnEndEvent{Status: in.Status}
	case EventText:
		var text string
		if in.Text != nil {
			text = *in.Text
		}
		e.Text = &TextEvent{Text: text, Thinking: in.Thinking}
	case EventToolCallStart:
		e.ToolCallStart = &ToolCallStartEvent{
			Call:        in.Call,
			Name:        in.Name,
			Title:       in.Title,
			Description: in.Description,
			Args:        in.Args,
		}
	case EventToolCallEnd:
		e.ToolCallEnd = &ToolCallEndEvent{
			Call:   in.Call,
			Output: in.Output,
			Status: in.CallStatus,
		}
	default:
		return fmt.Errorf("unknown event type %q", in.Type)
	}
	return nil
}

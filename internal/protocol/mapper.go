package protocol

import (
	"encoding/json"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// StreamKind classifies a provider-neutral stream event.
type StreamKind string

const (
	// StreamThinkingDelta is a streaming fragment of reasoning text.
	StreamThinkingDelta StreamKind = "thinking-delta"
	// StreamThinkingText is a complete, non-streamed block of reasoning text.
	StreamThinkingText StreamKind = "thinking-text"
	// StreamTextDelta is a streaming fragment of output text.
	StreamTextDelta StreamKind = "text-delta"
	// StreamStatus is a provider status/progress event with no user-visible
	// content.
	StreamStatus StreamKind = "status"
	// StreamToolCallStart announces a tool invocation.
	StreamToolCallStart StreamKind = "tool-call-start"
	// StreamToolCallEnd reports a tool invocation result.
	StreamToolCallEnd StreamKind = "tool-call-end"
	// StreamTurnStart marks the provider beginning a task.
	StreamTurnStart StreamKind = "turn-start"
	// StreamTurnEnd marks the provider finishing a task; Status carries the
	// terminal turn status.
	StreamTurnEnd StreamKind = "turn-end"
	// StreamUsage carries a provider token-usage report in Args. It does
	// not touch the message timeline.
	StreamUsage StreamKind = "usage"
)

// StreamEvent is the provider-neutral form of a raw agent event. Provider
// adapters (ACP, Codex, Gemini) translate their native payloads into this
// before handing them to the Mapper.
type StreamEvent struct {
	Kind StreamKind
	// Text is set for thinking-delta, thinking-text and text-delta.
	Text string
	// CallID is the provider's tool call id, set for tool events. May be
	// empty when the provider does not correlate calls.
	CallID string
	// ToolName is set for tool-call-start.
	ToolName string
	// Args is the tool input, set for tool-call-start.
	Args json.RawMessage
	// Output is the tool result, set for tool-call-end.
	Output json.RawMessage
	// Status is the tool result status, set for tool-call-end.
	Status string
}

type bufferKind int

const (
	bufferNone bufferKind = iota
	bufferThinking
	bufferOutput
)

// Mapper converts a stream of provider-neutral events into ordered envelopes.
// Not safe for concurrent use; callers drive it from a single goroutine per
// session.
type Mapper struct {
	// OnDelta, when set, receives every raw output text fragment as it
	// arrives, before coalescing. Used for low-latency live display; the
	// durable log only contains the flushed text envelopes.
	OnDelta func(delta string)

	now func() time.Time

	lastTime int64
	turnID   string
	buf      strings.Builder
	bufKind  bufferKind
	callIDs  map[string]string
}

// NewMapper returns a mapper using wall-clock time.
func NewMapper() *Mapper {
	return &Mapper{
		now:     time.Now,
		callIDs: map[string]string{},
	}
}

// StartTurn opens a new turn. Returns the turn-start envelope, or nothing if
// a turn is already open.
func (m *Mapper) StartTurn() []Envelope {
	if m.turnID != "" {
		return nil
	}
	m.turnID = uuid.NewString()
	m.callIDs = map[string]string{}
	return []Envelope{m.stamp(RoleAgent, Event{Type: EventTurnStart})}
}

// EndTurn closes the open turn with the given status, flushing any pending
// text first. With no open turn it still flushes the buffer; buffered text
// must never survive a turn boundary.
func (m *Mapper) EndTurn(status TurnStatus) []Envelope {
	out := m.flush()
	if m.turnID == "" {
		return out
	}
	out = append(out, m.stamp(RoleAgent, Event{
		Type:    EventTurnEnd,
		TurnEnd: &TurnEndEvent{Status: status},
	}))
	m.turnID = ""
	m.callIDs = map[string]string{}
	return out
}

// UserMessage builds the envelope for a user prompt, keeping it on the same
// monotonic timeline as the agent's envelopes.
func (m *Mapper) UserMessage(text string) Envelope {
	return m.stamp(RoleUser, Event{
		Type: EventText,
		Text: &TextEvent{Text: text},
	})
}

// MapMessage converts one stream event into zero or more envelopes, in order.
func (m *Mapper) MapMessage(ev StreamEvent) []Envelope {
	switch ev.Kind {
	case StreamThinkingDelta:
		return m.appendBuffered(bufferThinking, ev.Text)

	case StreamThinkingText:
		out := m.flush()
		if text := trimBlock(ev.Text); text != "" {
			out = append(out, m.stamp(RoleAgent, Event{
				Type: EventText,
				Text: &TextEvent{Text: text, Thinking: true},
			}))
		}
		return out

	case StreamTextDelta:
		if m.OnDelta != nil && ev.Text != "" {
			m.OnDelta(ev.Text)
		}
		return m.appendBuffered(bufferOutput, ev.Text)

	case StreamStatus:
		return nil

	case StreamToolCallStart:
		out := m.flush()
		call := m.resolveCallID(ev.CallID)
		out = append(out, m.stamp(RoleAgent, Event{
			Type: EventToolCallStart,
			ToolCallStart: &ToolCallStartEvent{
				Call:        call,
				Name:        ev.ToolName,
				Title:       toolTitle(ev.ToolName),
				Description: toolDescription(ev.ToolName),
				Args:        ev.Args,
			},
		}))
		return out

	case StreamToolCallEnd:
		out := m.flush()
		out = append(out, m.stamp(RoleAgent, Event{
			Type: EventToolCallEnd,
			ToolCallEnd: &ToolCallEndEvent{
				Call:   m.resolveCallID(ev.CallID),
				Output: ev.Output,
				Status: ev.Status,
			},
		}))
		return out

	case StreamTurnStart:
		return m.StartTurn()

	case StreamTurnEnd:
		status := TurnStatus(ev.Status)
		if status == "" {
			status = TurnCompleted
		}
		return m.EndTurn(status)
	}
	return nil
}

// appendBuffered accumulates text into the pending buffer, flushing first if
// the buffer holds text of a different kind.
func (m *Mapper) appendBuffered(kind bufferKind, text string) []Envelope {
	var out []Envelope
	if m.bufKind != bufferNone && m.bufKind != kind {
		out = m.flush()
	}
	m.bufKind = kind
	m.buf.WriteString(text)
	return out
}

// flush emits the pending text buffer as a text envelope. Empty or
// whitespace-only buffers are dropped.
func (m *Mapper) flush() []Envelope {
	if m.bufKind == bufferNone {
		return nil
	}
	text := trimBlock(m.buf.String())
	thinking := m.bufKind == bufferThinking
	m.buf.Reset()
	m.bufKind = bufferNone
	if text == "" {
		return nil
	}
	return []Envelope{m.stamp(RoleAgent, Event{
		Type: EventText,
		Text: &TextEvent{Text: text, Thinking: thinking},
	})}
}

// resolveCallID maps a provider call id to a stable id, allocating one on
// first sight. Events without a provider id get a fresh id each time.
func (m *Mapper) resolveCallID(providerID string) string {
	if providerID == "" {
		return uuid.NewString()
	}
	if id, ok := m.callIDs[providerID]; ok {
		return id
	}
	id := uuid.NewString()
	m.callIDs[providerID] = id
	return id
}

// stamp builds an envelope with a strictly monotonic timestamp. Guards
// against clock stalls and duplicate wall-clock reads.
func (m *Mapper) stamp(role Role, event Event) Envelope {
	t := m.now().UnixMilli()
	if t <= m.lastTime {
		t = m.lastTime + 1
	}
	m.lastTime = t
	return Envelope{
		Role:  role,
		Event: event,
		Turn:  m.turnID,
		Time:  t,
	}
}

func trimBlock(s string) string {
	return strings.Trim(s, "\n")
}

// toolTitle renders a human-readable title from a provider tool name like
// "read_file" or "webSearch".
func toolTitle(name string) string {
	if name == "" {
		return "Tool"
	}
	var words []string
	var cur strings.Builder
	flushWord := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range name {
		switch {
		case r == '_' || r == '-' || r == '.' || r == '/':
			flushWord()
		case unicode.IsUpper(r):
			flushWord()
			cur.WriteRune(unicode.ToLower(r))
		default:
			cur.WriteRune(r)
		}
	}
	flushWord()
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func toolDescription(name string) string {
	switch {
	case name == "":
		return ""
	case strings.Contains(strings.ToLower(name), "edit"),
		strings.Contains(strings.ToLower(name), "write"):
		return "Modifies files in the workspace"
	case strings.Contains(strings.ToLower(name), "read"):
		return "Reads files from the workspace"
	case strings.Contains(strings.ToLower(name), "bash"),
		strings.Contains(strings.ToLower(name), "exec"),
		strings.Contains(strings.ToLower(name), "shell"):
		return "Executes a command"
	case strings.Contains(strings.ToLower(name), "search"),
		strings.Contains(strings.ToLower(name), "fetch"),
		strings.Contains(strings.ToLower(name), "web"):
		return "Accesses external resources"
	default:
		return "Uses the " + toolTitle(name) + " tool"
	}
}

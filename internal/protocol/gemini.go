package protocol

import (
	"encoding/json"
	"fmt"
)

// geminiEvent is one NDJSON line from the Gemini CLI's stream-json output.
type geminiEvent struct {
	Type string `json:"type"`

	// content / thought
	Text    string `json:"text,omitempty"`
	Subject string `json:"subject,omitempty"`

	// tool_call / tool_result
	ID     string          `json:"id,omitempty"`
	Name   string          `json:"name,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Status string          `json:"status,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
}

// MapGeminiEvent converts one Gemini NDJSON event into provider-neutral
// stream events. Gemini thoughts arrive as complete blocks, not deltas.
func MapGeminiEvent(line []byte) ([]StreamEvent, error) {
	var ev geminiEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, fmt.Errorf("decode gemini event: %w", err)
	}

	switch ev.Type {
	case "content":
		return []StreamEvent{{Kind: StreamTextDelta, Text: ev.Text}}, nil

	case "thought":
		text := ev.Text
		if ev.Subject != "" {
			if text == "" {
				text = ev.Subject
			} else {
				text = ev.Subject + "\n" + text
			}
		}
		return []StreamEvent{{Kind: StreamThinkingText, Text: text}}, nil

	case "tool_call":
		return []StreamEvent{{
			Kind:     StreamToolCallStart,
			CallID:   ev.ID,
			ToolName: ev.Name,
			Args:     ev.Args,
		}}, nil

	case "tool_result":
		status := ev.Status
		if status == "" {
			status = "completed"
		}
		return []StreamEvent{{
			Kind:   StreamToolCallEnd,
			CallID: ev.ID,
			Output: ev.Output,
			Status: status,
		}}, nil

	case "result":
		status := ev.Status
		if status == "" {
			status = string(TurnCompleted)
		}
		return []StreamEvent{{Kind: StreamTurnEnd, Status: status}}, nil

	default:
		// init, state, stats and anything newer.
		return []StreamEvent{{Kind: StreamStatus}}, nil
	}
}

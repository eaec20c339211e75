package protocol

import (
	"encoding/json"

	acpsdk "github.com/coder/acp-go-sdk"
)

// MapACPNotification converts an ACP session notification into
// provider-neutral stream events. User message chunks are excluded; they are
// echoed through a separate path and never belong to the agent's turn stream.
func MapACPNotification(notif acpsdk.SessionNotification) []StreamEvent {
	u := notif.Update

	if u.AgentThoughtChunk != nil {
		if text := acpBlockText(u.AgentThoughtChunk.Content); text != "" {
			return []StreamEvent{{Kind: StreamThinkingDelta, Text: text}}
		}
		return nil
	}

	if u.AgentMessageChunk != nil {
		if text := acpBlockText(u.AgentMessageChunk.Content); text != "" {
			return []StreamEvent{{Kind: StreamTextDelta, Text: text}}
		}
		return nil
	}

	if u.ToolCall != nil {
		tc := u.ToolCall
		return []StreamEvent{{
			Kind:     StreamToolCallStart,
			CallID:   string(tc.ToolCallId),
			ToolName: string(tc.Kind),
			Args:     acpToolArgs(tc.Locations),
		}}
	}

	if u.ToolCallUpdate != nil {
		tu := u.ToolCallUpdate
		if tu.Status == nil {
			// Progress-only update, nothing user-visible yet.
			return []StreamEvent{{Kind: StreamStatus}}
		}
		switch *tu.Status {
		case acpsdk.ToolCallStatusCompleted, acpsdk.ToolCallStatusFailed:
			return []StreamEvent{{
				Kind:   StreamToolCallEnd,
				CallID: string(tu.ToolCallId),
				Output: acpToolOutput(tu.Content),
				Status: string(*tu.Status),
			}}
		default:
			return []StreamEvent{{Kind: StreamStatus}}
		}
	}

	return nil
}

func acpBlockText(block acpsdk.ContentBlock) string {
	if block.Text != nil {
		return block.Text.Text
	}
	return ""
}

// acpToolArgs renders tool call locations as the envelope args payload. ACP
// does not expose the raw provider input on the wire.
func acpToolArgs(locations []acpsdk.ToolCallLocation) json.RawMessage {
	if len(locations) == 0 {
		return nil
	}
	type loc struct {
		Path string `json:"path"`
		Line *int   `json:"line,omitempty"`
	}
	locs := make([]loc, 0, len(locations))
	for _, l := range locations {
		locs = append(locs, loc{Path: l.Path, Line: l.Line})
	}
	out, err := json.Marshal(map[string]any{"locations": locs})
	if err != nil {
		return nil
	}
	return out
}

// acpToolOutput aggregates text and diff content blocks into a single output
// payload.
func acpToolOutput(contents []acpsdk.ToolCallContent) json.RawMessage {
	var text string
	for _, c := range contents {
		if c.Content != nil && c.Content.Content.Text != nil {
			if text != "" {
				text += "\n"
			}
			text += c.Content.Content.Text.Text
		}
		if c.Diff != nil {
			if text != "" {
				text += "\n"
			}
			text += "diff: " + c.Diff.Path
		}
	}
	if text == "" {
		return nil
	}
	out, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil
	}
	return out
}

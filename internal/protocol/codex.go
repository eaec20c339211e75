package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// codexEvent is one NDJSON line from `codex exec --json`.
type codexEvent struct {
	Type string `json:"type"`

	// agent_message / agent_message_delta
	Message string `json:"message,omitempty"`
	Delta   string `json:"delta,omitempty"`

	// agent_reasoning
	Text string `json:"text,omitempty"`

	// exec_command_begin / exec_command_end
	CallID           string   `json:"call_id,omitempty"`
	Command          []string `json:"command,omitempty"`
	Cwd              string   `json:"cwd,omitempty"`
	ExitCode         *int     `json:"exit_code,omitempty"`
	AggregatedOutput string   `json:"aggregated_output,omitempty"`

	// mcp_tool_call_begin / mcp_tool_call_end
	Invocation *codexInvocation `json:"invocation,omitempty"`
	Result     json.RawMessage  `json:"result,omitempty"`

	// token_count
	Info json.RawMessage `json:"info,omitempty"`
}

type codexInvocation struct {
	Server    string          `json:"server"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// MapCodexEvent converts one Codex NDJSON event into provider-neutral stream
// events. Unrecognized event types map to status events so new Codex releases
// degrade to "dropped", not errors.
func MapCodexEvent(line []byte) ([]StreamEvent, error) {
	var ev codexEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, fmt.Errorf("decode codex event: %w", err)
	}

	switch ev.Type {
	case "agent_message_delta":
		return []StreamEvent{{Kind: StreamTextDelta, Text: ev.Delta}}, nil

	case "agent_message":
		// Complete message without prior deltas; the coalescing buffer
		// still produces a single text envelope.
		return []StreamEvent{{Kind: StreamTextDelta, Text: ev.Message}}, nil

	case "agent_reasoning_delta":
		return []StreamEvent{{Kind: StreamThinkingDelta, Text: ev.Delta}}, nil

	case "agent_reasoning":
		return []StreamEvent{{Kind: StreamThinkingText, Text: ev.Text}}, nil

	case "exec_command_begin":
		args, err := json.Marshal(map[string]any{
			"command": ev.Command,
			"cwd":     ev.Cwd,
		})
		if err != nil {
			return nil, fmt.Errorf("encode exec args: %w", err)
		}
		return []StreamEvent{{
			Kind:     StreamToolCallStart,
			CallID:   ev.CallID,
			ToolName: "exec_command",
			Args:     args,
		}}, nil

	case "exec_command_end":
		status := "completed"
		if ev.ExitCode != nil && *ev.ExitCode != 0 {
			status = "failed"
		}
		output, err := json.Marshal(map[string]string{
			"output":   ev.AggregatedOutput,
			"exitCode": exitCodeString(ev.ExitCode),
		})
		if err != nil {
			return nil, fmt.Errorf("encode exec output: %w", err)
		}
		return []StreamEvent{{
			Kind:   StreamToolCallEnd,
			CallID: ev.CallID,
			Output: output,
			Status: status,
		}}, nil

	case "mcp_tool_call_begin":
		name := "mcp_tool"
		var args json.RawMessage
		if ev.Invocation != nil {
			name = ev.Invocation.Server + "." + ev.Invocation.Tool
			args = ev.Invocation.Arguments
		}
		return []StreamEvent{{
			Kind:     StreamToolCallStart,
			CallID:   ev.CallID,
			ToolName: name,
			Args:     args,
		}}, nil

	case "mcp_tool_call_end":
		return []StreamEvent{{
			Kind:   StreamToolCallEnd,
			CallID: ev.CallID,
			Output: ev.Result,
			Status: "completed",
		}}, nil

	case "task_started":
		return []StreamEvent{{Kind: StreamTurnStart}}, nil

	case "task_complete":
		return []StreamEvent{{Kind: StreamTurnEnd, Status: string(TurnCompleted)}}, nil

	case "turn_aborted":
		return []StreamEvent{{Kind: StreamTurnEnd, Status: string(TurnCancelled)}}, nil

	case "error":
		return []StreamEvent{{Kind: StreamTurnEnd, Status: string(TurnFailed)}}, nil

	case "token_count":
		return []StreamEvent{{Kind: StreamUsage, Args: ev.Info}}, nil

	default:
		// session_configured and anything newer.
		return []StreamEvent{{Kind: StreamStatus}}, nil
	}
}

func exitCodeString(code *int) string {
	if code == nil {
		return ""
	}
	return strconv.Itoa(*code)
}

package protocol

import (
	"testing"

	acpsdk "github.com/coder/acp-go-sdk"
)

func TestMapACPAgentMessageChunk(t *testing.T) {
	notif := acpsdk.SessionNotification{
		SessionId: "sess-1",
		Update: acpsdk.SessionUpdate{
			AgentMessageChunk: &acpsdk.SessionUpdateAgentMessageChunk{
				Content: acpsdk.ContentBlock{
					Text: &acpsdk.ContentBlockText{Text: "Hello"},
				},
			},
		},
	}

	evs := MapACPNotification(notif)
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	if evs[0].Kind != StreamTextDelta || evs[0].Text != "Hello" {
		t.Fatalf("expected text delta, got %+v", evs[0])
	}
}

func TestMapACPThoughtChunk(t *testing.T) {
	notif := acpsdk.SessionNotification{
		SessionId: "sess-1",
		Update: acpsdk.SessionUpdate{
			AgentThoughtChunk: &acpsdk.SessionUpdateAgentThoughtChunk{
				Content: acpsdk.ContentBlock{
					Text: &acpsdk.ContentBlockText{Text: "thinking..."},
				},
			},
		},
	}

	evs := MapACPNotification(notif)
	if len(evs) != 1 || evs[0].Kind != StreamThinkingDelta {
		t.Fatalf("expected thinking delta, got %+v", evs)
	}
}

func TestMapACPToolCall(t *testing.T) {
	line := 42
	notif := acpsdk.SessionNotification{
		SessionId: "sess-1",
		Update: acpsdk.SessionUpdate{
			ToolCall: &acpsdk.SessionUpdateToolCall{
				ToolCallId: "call-1",
				Kind:       acpsdk.ToolKindRead,
				Locations: []acpsdk.ToolCallLocation{
					{Path: "/src/main.go", Line: &line},
				},
			},
		},
	}

	evs := MapACPNotification(notif)
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	ev := evs[0]
	if ev.Kind != StreamToolCallStart || ev.CallID != "call-1" || ev.ToolName != "read" {
		t.Fatalf("unexpected tool call event: %+v", ev)
	}
	if len(ev.Args) == 0 {
		t.Fatal("expected locations encoded as args")
	}
}

func TestMapACPToolCallUpdateCompleted(t *testing.T) {
	status := acpsdk.ToolCallStatusCompleted
	notif := acpsdk.SessionNotification{
		SessionId: "sess-1",
		Update: acpsdk.SessionUpdate{
			ToolCallUpdate: &acpsdk.SessionToolCallUpdate{
				ToolCallId: "call-1",
				Status:     &status,
				Content: []acpsdk.ToolCallContent{
					{
						Content: &acpsdk.ToolCallContentContent{
							Content: acpsdk.ContentBlock{
								Text: &acpsdk.ContentBlockText{Text: "done"},
							},
						},
					},
				},
			},
		},
	}

	evs := MapACPNotification(notif)
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	ev := evs[0]
	if ev.Kind != StreamToolCallEnd || ev.CallID != "call-1" || ev.Status != "completed" {
		t.Fatalf("unexpected tool end event: %+v", ev)
	}
}

func TestMapACPProgressUpdateIsStatus(t *testing.T) {
	notif := acpsdk.SessionNotification{
		SessionId: "sess-1",
		Update: acpsdk.SessionUpdate{
			ToolCallUpdate: &acpsdk.SessionToolCallUpdate{ToolCallId: "call-1"},
		},
	}

	evs := MapACPNotification(notif)
	if len(evs) != 1 || evs[0].Kind != StreamStatus {
		t.Fatalf("expected status event, got %+v", evs)
	}
}

func TestMapACPEmptyNotification(t *testing.T) {
	evs := MapACPNotification(acpsdk.SessionNotification{SessionId: "sess-1"})
	if len(evs) != 0 {
		t.Fatalf("expected no events, got %+v", evs)
	}
}

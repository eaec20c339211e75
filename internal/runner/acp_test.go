package runner

import (
	"context"
	"encoding/json"
	"testing"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/workspace/agent-relay/internal/permission"
)

type fixedApprover struct {
	decision permission.Decision
	err      error

	toolCallID string
	toolName   string
	input      json.RawMessage
}

func (a *fixedApprover) Request(_ context.Context, toolCallID, toolName string, input json.RawMessage) (permission.Decision, error) {
	a.toolCallID = toolCallID
	a.toolName = toolName
	a.input = input
	return a.decision, a.err
}

func permissionOptions() []acpsdk.PermissionOption {
	return []acpsdk.PermissionOption{
		{OptionId: "allow", Name: "Allow", Kind: acpsdk.PermissionOptionKindAllowOnce},
		{OptionId: "allow-always", Name: "Always allow", Kind: acpsdk.PermissionOptionKindAllowAlways},
		{OptionId: "reject", Name: "Reject", Kind: acpsdk.PermissionOptionKindRejectOnce},
	}
}

func permissionRequest() acpsdk.RequestPermissionRequest {
	kind := acpsdk.ToolKindExecute
	return acpsdk.RequestPermissionRequest{
		SessionId: "acp-1",
		Options:   permissionOptions(),
		ToolCall: acpsdk.RequestPermissionToolCall{
			ToolCallId: "call-1",
			Kind:       &kind,
			RawInput:   map[string]any{"command": "rm -rf ./build"},
		},
	}
}

func TestPermissionRequestSelectsOfferedOption(t *testing.T) {
	cases := []struct {
		decision permission.Decision
		optionID acpsdk.PermissionOptionId
	}{
		{permission.DecisionApproved, "allow"},
		{permission.DecisionApprovedForSession, "allow-always"},
		{permission.DecisionDenied, "reject"},
		{permission.DecisionAbort, "reject"},
	}

	for _, tc := range cases {
		approver := &fixedApprover{decision: tc.decision}
		r, _ := newTestRunner(t, ProviderClaude)
		r.cfg.Approver = approver

		resp, err := r.HandleACPPermissionRequest(context.Background(), permissionRequest())
		if err != nil {
			t.Fatalf("%s: HandleACPPermissionRequest: %v", tc.decision, err)
		}
		if resp.Outcome.Selected == nil {
			t.Fatalf("%s: expected a selected outcome, got %+v", tc.decision, resp.Outcome)
		}
		if resp.Outcome.Selected.OptionId != tc.optionID {
			t.Fatalf("%s: selected %q, want %q", tc.decision, resp.Outcome.Selected.OptionId, tc.optionID)
		}
		if approver.toolCallID != "call-1" || approver.toolName != "execute" {
			t.Fatalf("%s: approver saw call %q tool %q", tc.decision, approver.toolCallID, approver.toolName)
		}
		if len(approver.input) == 0 {
			t.Fatalf("%s: approver saw no tool input", tc.decision)
		}
	}
}

func TestPermissionRequestFallsBackWithinFamily(t *testing.T) {
	// The agent offers no allow_always, so a session-wide approval still
	// picks an allow option.
	req := permissionRequest()
	req.Options = []acpsdk.PermissionOption{
		{OptionId: "allow", Name: "Allow", Kind: acpsdk.PermissionOptionKindAllowOnce},
		{OptionId: "reject", Name: "Reject", Kind: acpsdk.PermissionOptionKindRejectOnce},
	}

	r, _ := newTestRunner(t, ProviderClaude)
	r.cfg.Approver = &fixedApprover{decision: permission.DecisionApprovedForSession}

	resp, err := r.HandleACPPermissionRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("HandleACPPermissionRequest: %v", err)
	}
	if resp.Outcome.Selected == nil || resp.Outcome.Selected.OptionId != "allow" {
		t.Fatalf("expected fallback to allow, got %+v", resp.Outcome)
	}
}

func TestPermissionRequestCancelsWithoutApprover(t *testing.T) {
	r, _ := newTestRunner(t, ProviderClaude)

	resp, err := r.HandleACPPermissionRequest(context.Background(), permissionRequest())
	if err != nil {
		t.Fatalf("HandleACPPermissionRequest: %v", err)
	}
	if resp.Outcome.Cancelled == nil {
		t.Fatalf("expected cancelled outcome, got %+v", resp.Outcome)
	}
}

func TestPermissionRequestCancelsWhenApproverFails(t *testing.T) {
	r, _ := newTestRunner(t, ProviderClaude)
	r.cfg.Approver = &fixedApprover{err: context.Canceled}

	resp, err := r.HandleACPPermissionRequest(context.Background(), permissionRequest())
	if err != nil {
		t.Fatalf("HandleACPPermissionRequest: %v", err)
	}
	if resp.Outcome.Cancelled == nil {
		t.Fatalf("expected cancelled outcome, got %+v", resp.Outcome)
	}
}

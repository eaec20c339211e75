package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/workspace/agent-relay/internal/permission"
	"github.com/workspace/agent-relay/internal/protocol"
)

// Approver decides tool permission requests. Implemented by the permission
// handler.
type Approver interface {
	Request(ctx context.Context, toolCallID, toolName string, input json.RawMessage) (permission.Decision, error)
}

const acpSetupTimeout = 60 * time.Second

// startACP attaches an Agent Client Protocol connection to the CLI's stdio
// and opens a session. Stream updates and permission requests arrive through
// the acpClient callbacks; the connection owns stdin, so prompts go through
// it rather than raw writes.
func (r *Runner) startACP(proc *process) {
	conn := acpsdk.NewClientSideConnection(&acpClient{runner: r}, proc.in, proc.out)
	r.mu.Lock()
	r.acpConn = conn
	r.acpSessionID = ""
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), acpSetupTimeout)
		defer cancel()

		if _, err := conn.Initialize(ctx, acpsdk.InitializeRequest{
			ProtocolVersion: acpsdk.ProtocolVersionNumber,
		}); err != nil {
			slog.Error("Agent initialize failed", "error", err)
			return
		}
		cwd := r.cfg.WorkDir
		if cwd == "" {
			cwd, _ = os.Getwd()
		}
		resp, err := conn.NewSession(ctx, acpsdk.NewSessionRequest{
			Cwd:        cwd,
			McpServers: []acpsdk.McpServer{},
		})
		if err != nil {
			slog.Error("Agent session setup failed", "error", err)
			return
		}
		r.mu.Lock()
		r.acpSessionID = resp.SessionId
		r.mu.Unlock()
		slog.Info("Agent session ready", "acpSessionId", string(resp.SessionId))
	}()
}

// acpPrompt sends one prompt turn and closes the turn from the stop reason.
// Runs in its own goroutine; stream content arrives via SessionUpdate while
// the call is blocked.
func (r *Runner) acpPrompt(conn *acpsdk.ClientSideConnection, sid acpsdk.SessionId, text string) {
	resp, err := conn.Prompt(context.Background(), acpsdk.PromptRequest{
		SessionId: sid,
		Prompt:    []acpsdk.ContentBlock{acpsdk.TextBlock(text)},
	})
	if err != nil {
		slog.Warn("Prompt turn failed", "error", err)
		r.finishTurn(protocol.TurnFailed)
		return
	}
	switch resp.StopReason {
	case acpsdk.StopReasonCancelled:
		r.finishTurn(protocol.TurnCancelled)
	case acpsdk.StopReasonRefusal:
		r.finishTurn(protocol.TurnFailed)
	default:
		r.finishTurn(protocol.TurnCompleted)
	}
}

// HandleACPPermissionRequest answers a tool-approval request by blocking on
// the approver's decision and selecting the matching option the agent
// offered. Without an approver every request is cancelled.
func (r *Runner) HandleACPPermissionRequest(ctx context.Context, req acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	cancelled := acpsdk.RequestPermissionResponse{Outcome: acpsdk.NewRequestPermissionOutcomeCancelled()}
	if r.cfg.Approver == nil {
		return cancelled, nil
	}

	toolName := "tool"
	if req.ToolCall.Kind != nil {
		toolName = string(*req.ToolCall.Kind)
	}
	var input json.RawMessage
	if req.ToolCall.RawInput != nil {
		if raw, err := json.Marshal(req.ToolCall.RawInput); err == nil {
			input = raw
		}
	}

	decision, err := r.cfg.Approver.Request(ctx, string(req.ToolCall.ToolCallId), toolName, input)
	if err != nil {
		slog.Warn("Permission request unresolved", "toolCallId", string(req.ToolCall.ToolCallId), "error", err)
		return cancelled, nil
	}
	if opt, ok := pickPermissionOption(req.Options, decision); ok {
		return acpsdk.RequestPermissionResponse{
			Outcome: acpsdk.NewRequestPermissionOutcomeSelected(opt),
		}, nil
	}
	return cancelled, nil
}

// pickPermissionOption maps a normalized decision onto the options the agent
// offered, falling back to any option of the same allow/reject family.
func pickPermissionOption(options []acpsdk.PermissionOption, decision permission.Decision) (acpsdk.PermissionOptionId, bool) {
	var preferred acpsdk.PermissionOptionKind
	allow := false
	switch decision {
	case permission.DecisionApproved:
		preferred, allow = acpsdk.PermissionOptionKindAllowOnce, true
	case permission.DecisionApprovedForSession:
		preferred, allow = acpsdk.PermissionOptionKindAllowAlways, true
	case permission.DecisionDenied, permission.DecisionAbort:
		preferred, allow = acpsdk.PermissionOptionKindRejectOnce, false
	default:
		return "", false
	}

	for _, opt := range options {
		if opt.Kind == preferred {
			return opt.OptionId, true
		}
	}
	for _, opt := range options {
		switch opt.Kind {
		case acpsdk.PermissionOptionKindAllowOnce, acpsdk.PermissionOptionKindAllowAlways:
			if allow {
				return opt.OptionId, true
			}
		case acpsdk.PermissionOptionKindRejectOnce, acpsdk.PermissionOptionKindRejectAlways:
			if !allow {
				return opt.OptionId, true
			}
		}
	}
	return "", false
}

// acpClient is the client side of the ACP connection. Session updates feed
// the mapping pipeline; everything the relay cannot surface is declined.
type acpClient struct {
	runner *Runner
}

func (c *acpClient) SessionUpdate(_ context.Context, params acpsdk.SessionNotification) error {
	c.runner.HandleACPNotification(params)
	return nil
}

func (c *acpClient) RequestPermission(ctx context.Context, params acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	return c.runner.HandleACPPermissionRequest(ctx, params)
}

func (c *acpClient) ReadTextFile(_ context.Context, _ acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	return acpsdk.ReadTextFileResponse{}, fmt.Errorf("readTextFile not supported")
}

func (c *acpClient) WriteTextFile(_ context.Context, _ acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	return acpsdk.WriteTextFileResponse{}, fmt.Errorf("writeTextFile not supported")
}

func (c *acpClient) CreateTerminal(_ context.Context, _ acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	return acpsdk.CreateTerminalResponse{}, fmt.Errorf("terminal not supported")
}

func (c *acpClient) KillTerminalCommand(_ context.Context, _ acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, fmt.Errorf("terminal not supported")
}

func (c *acpClient) TerminalOutput(_ context.Context, _ acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{}, fmt.Errorf("terminal not supported")
}

func (c *acpClient) ReleaseTerminal(_ context.Context, _ acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, fmt.Errorf("terminal not supported")
}

func (c *acpClient) WaitForTerminalExit(_ context.Context, _ acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	return acpsdk.WaitForTerminalExitResponse{}, fmt.Errorf("terminal not supported")
}

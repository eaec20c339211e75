// Package permission bridges an agent's tool-approval requests to human
// responses that arrive asynchronously, possibly across a reconnect.
package permission

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrSessionReset rejects pending requests when the handler is reset.
var ErrSessionReset = errors.New("permission: session reset")

// Decision is the normalized outcome of a permission request.
type Decision string

const (
	DecisionApproved           Decision = "approved"
	DecisionApprovedForSession Decision = "approved_for_session"
	DecisionDenied             Decision = "denied"
	DecisionAbort              Decision = "abort"
	DecisionCanceled           Decision = "canceled"
)

// Mode is the active approval policy.
type Mode string

const (
	// ModeDefault asks the user for every tool call.
	ModeDefault Mode = "default"
	// ModeAcceptEdits auto-approves file-modification tools.
	ModeAcceptEdits Mode = "acceptEdits"
	// ModeSafeYolo auto-approves every tool call. It does not yet
	// distinguish read from write operations.
	ModeSafeYolo Mode = "safe-yolo"
	// ModeYolo auto-approves every tool call.
	ModeYolo Mode = "yolo"
)

// Request is a pending or completed permission request as mirrored into the
// session's agent state for cross-device visibility.
type Request struct {
	ID        string          `json:"id"`
	ToolName  string          `json:"tool"`
	Input     json.RawMessage `json:"input,omitempty"`
	CreatedAt int64           `json:"createdAt"`

	// Terminal fields, set once completed.
	Decision    Decision `json:"decision,omitempty"`
	CompletedAt int64    `json:"completedAt,omitempty"`
}

// State is the handler's mirror of agentState.requests and
// agentState.completedRequests.
type State struct {
	Requests          map[string]Request `json:"requests"`
	CompletedRequests []Request          `json:"completedRequests"`
}

// Notifier dispatches a best-effort push notification for a pending request.
type Notifier interface {
	SendPush(ctx context.Context, category, title, body string, data map[string]string) error
}

// StateSink receives the updated state mirror after every mutation.
// Fire-and-forget; the handler does not block on persistence.
type StateSink func(State)

type pending struct {
	req Request
	ch  chan Decision
}

// Handler correlates permission requests with asynchronous responses.
type Handler struct {
	notifier Notifier
	sink     StateSink

	mu          sync.Mutex
	mode        Mode
	autoConfirm bool
	alwaysAllow map[string]bool
	pending     map[string]*pending
	completed   []Request
	resetting   bool
}

// NewHandler creates a handler in the given mode. notifier and sink may be
// nil.
func NewHandler(mode Mode, notifier Notifier, sink StateSink) *Handler {
	if mode == "" {
		mode = ModeDefault
	}
	return &Handler{
		notifier:    notifier,
		sink:        sink,
		mode:        mode,
		alwaysAllow: map[string]bool{},
		pending:     map[string]*pending{},
	}
}

// SetMode switches the active approval policy.
func (h *Handler) SetMode(mode Mode) {
	h.mu.Lock()
	h.mode = mode
	h.mu.Unlock()
}

// SetAutoConfirm enables or disables unconditional immediate approval.
func (h *Handler) SetAutoConfirm(on bool) {
	h.mu.Lock()
	h.autoConfirm = on
	h.mu.Unlock()
}

// AllowAlways marks a tool name as permanently approved for this session.
func (h *Handler) AllowAlways(toolName string) {
	h.mu.Lock()
	h.alwaysAllow[toolName] = true
	h.mu.Unlock()
}

// Request asks for approval of one tool call. Auto-approvals resolve
// immediately and are still recorded into completed state so history stays
// consistent. Otherwise the call blocks until a response arrives, the handler
// is reset, or ctx is done.
func (h *Handler) Request(ctx context.Context, toolCallID, toolName string, input json.RawMessage) (Decision, error) {
	req := Request{
		ID:        toolCallID,
		ToolName:  toolName,
		Input:     input,
		CreatedAt: time.Now().UnixMilli(),
	}

	h.mu.Lock()
	if decision, ok := h.autoDecision(toolName); ok {
		req.Decision = decision
		req.CompletedAt = time.Now().UnixMilli()
		h.completed = append(h.completed, req)
		state := h.snapshotLocked()
		h.mu.Unlock()
		h.publish(state)
		return decision, nil
	}

	p := &pending{req: req, ch: make(chan Decision, 1)}
	h.pending[toolCallID] = p
	state := h.snapshotLocked()
	h.mu.Unlock()

	h.publish(state)
	h.notify(ctx, req)

	select {
	case decision := <-p.ch:
		if decision == DecisionCanceled {
			return "", ErrSessionReset
		}
		return decision, nil
	case <-ctx.Done():
		h.abandon(toolCallID)
		return "", ctx.Err()
	}
}

// autoDecision reports whether policy resolves the request without asking.
func (h *Handler) autoDecision(toolName string) (Decision, bool) {
	if h.autoConfirm {
		return DecisionApproved, true
	}
	if h.alwaysAllow[toolName] {
		return DecisionApprovedForSession, true
	}
	switch h.mode {
	case ModeYolo, ModeSafeYolo:
		return DecisionApproved, true
	case ModeAcceptEdits:
		if isEditTool(toolName) {
			return DecisionApprovedForSession, true
		}
	}
	return "", false
}

// Respond delivers the user's decision for a pending request. Late or unknown
// ids are ignored.
func (h *Handler) Respond(toolCallID string, approved bool, decision Decision) {
	if decision == "" {
		if approved {
			decision = DecisionApproved
		} else {
			decision = DecisionDenied
		}
	}

	h.mu.Lock()
	p, ok := h.pending[toolCallID]
	if !ok {
		h.mu.Unlock()
		slog.Debug("Late permission response ignored", "toolCallId", toolCallID)
		return
	}
	delete(h.pending, toolCallID)
	p.req.Decision = decision
	p.req.CompletedAt = time.Now().UnixMilli()
	h.completed = append(h.completed, p.req)
	if decision == DecisionApprovedForSession {
		h.alwaysAllow[p.req.ToolName] = true
	}
	state := h.snapshotLocked()
	h.mu.Unlock()

	p.ch <- decision
	h.publish(state)
}

// Reset rejects every pending request with a session-reset error and moves it
// to completed as canceled. Idempotent and safe under re-entrancy; requests
// registered while a reset is running are untouched.
func (h *Handler) Reset() {
	h.mu.Lock()
	if h.resetting {
		h.mu.Unlock()
		return
	}
	h.resetting = true

	// Snapshot then clear before touching any entry, so a callback that
	// registers a new request cannot be destroyed by this pass.
	snapshot := make([]*pending, 0, len(h.pending))
	for _, p := range h.pending {
		snapshot = append(snapshot, p)
	}
	h.pending = map[string]*pending{}

	now := time.Now().UnixMilli()
	for _, p := range snapshot {
		p.req.Decision = DecisionCanceled
		p.req.CompletedAt = now
		h.completed = append(h.completed, p.req)
	}
	state := h.snapshotLocked()
	h.resetting = false
	h.mu.Unlock()

	for _, p := range snapshot {
		p.ch <- DecisionCanceled
	}
	h.publish(state)
}

// PendingCount returns the number of unresolved requests.
func (h *Handler) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// CompletedRequests returns a copy of the completed history.
func (h *Handler) CompletedRequests() []Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Request, len(h.completed))
	copy(out, h.completed)
	return out
}

// abandon removes a request whose waiter gave up (context cancelled) without
// recording a decision.
func (h *Handler) abandon(toolCallID string) {
	h.mu.Lock()
	delete(h.pending, toolCallID)
	state := h.snapshotLocked()
	h.mu.Unlock()
	h.publish(state)
}

func (h *Handler) snapshotLocked() State {
	state := State{
		Requests:          make(map[string]Request, len(h.pending)),
		CompletedRequests: make([]Request, len(h.completed)),
	}
	for id, p := range h.pending {
		state.Requests[id] = p.req
	}
	copy(state.CompletedRequests, h.completed)
	return state
}

func (h *Handler) publish(state State) {
	if h.sink != nil {
		h.sink(state)
	}
}

func (h *Handler) notify(ctx context.Context, req Request) {
	if h.notifier == nil {
		return
	}
	err := h.notifier.SendPush(ctx, "permission",
		"Permission needed",
		req.ToolName+" wants to run",
		map[string]string{"toolCallId": req.ID, "tool": req.ToolName})
	if err != nil {
		slog.Warn("Permission push failed", "toolCallId", req.ID, "error", err)
	}
}

func isEditTool(name string) bool {
	switch name {
	case "edit", "write", "write_file", "edit_file", "apply_patch", "str_replace_editor":
		return true
	}
	return false
}

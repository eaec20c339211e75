// Package router owns the relay's mapping from users to live connections and
// fans events out to the subset of connections scoped to see them.
//
// Persistent Updates and best-effort Ephemerals travel through the same
// rooms; the router never allocates sequence numbers. Ordering authority
// stays with the persistence layer.
package router

import (
	"log/slog"
	"sync"

	"github.com/workspace/agent-relay/internal/wire"
)

// Scope classifies a connection's visibility.
type Scope string

const (
	// ScopeUser sees everything belonging to the user.
	ScopeUser Scope = "user-scoped"
	// ScopeSession is bound to a single session id.
	ScopeSession Scope = "session-scoped"
	// ScopeMachine is bound to a single machine id, for daemon events.
	ScopeMachine Scope = "machine-scoped"
)

// Connection is a registered transport connection. Send methods must not
// block; implementations buffer and drop on overflow.
type Connection interface {
	UserID() string
	Scope() Scope
	SessionID() string
	MachineID() string
	SendUpdate(wire.Update)
	SendEphemeral(wire.Ephemeral)
}

// filterKind is the closed set of recipient rules. Closed on purpose: this
// set is the correctness boundary keeping machine-level events out of
// unrelated session views.
type filterKind int

const (
	filterSessionAware filterKind = iota
	filterUserScopedOnly
	filterMachineScoped
	filterAllUser
)

// Recipients selects which of a user's connections receive an event.
type Recipients struct {
	kind      filterKind
	sessionID string
	machineID string
}

// RecipientsSessionAware selects the session's room plus user-scoped
// connections. Machine rooms are never included.
func RecipientsSessionAware(sessionID string) Recipients {
	return Recipients{kind: filterSessionAware, sessionID: sessionID}
}

// RecipientsUserScopedOnly selects only user-scoped connections.
func RecipientsUserScopedOnly() Recipients {
	return Recipients{kind: filterUserScopedOnly}
}

// RecipientsMachineScoped selects user-scoped connections plus the one
// machine's room.
func RecipientsMachineScoped(machineID string) Recipients {
	return Recipients{kind: filterMachineScoped, machineID: machineID}
}

// RecipientsAllUser selects every authenticated connection for the user.
func RecipientsAllUser() Recipients {
	return Recipients{kind: filterAllUser}
}

// matches applies the recipient rule to one connection. Used both for the
// local fan-out path and for connections delivered via a backplane, so both
// paths share one predicate.
func (r Recipients) matches(c Connection) bool {
	switch r.kind {
	case filterSessionAware:
		return (c.Scope() == ScopeSession && c.SessionID() == r.sessionID) ||
			c.Scope() == ScopeUser
	case filterUserScopedOnly:
		return c.Scope() == ScopeUser
	case filterMachineScoped:
		return c.Scope() == ScopeUser ||
			(c.Scope() == ScopeMachine && c.MachineID() == r.machineID)
	case filterAllUser:
		return true
	}
	return false
}

// Backplane broadcasts events to other relay instances. Optional; a
// single-instance deployment runs without one.
type Backplane interface {
	PublishUpdate(userID string, rcpt Recipients, u wire.Update) error
	PublishEphemeral(userID string, rcpt Recipients, e wire.Ephemeral) error
}

// Hub is the connection registry for one relay instance.
type Hub struct {
	backplane Backplane

	mu     sync.RWMutex
	byUser map[string]map[Connection]struct{}
}

// NewHub creates a hub. backplane may be nil.
func NewHub(backplane Backplane) *Hub {
	return &Hub{
		backplane: backplane,
		byUser:    map[string]map[Connection]struct{}{},
	}
}

// Register adds a connection to its user's rooms.
func (h *Hub) Register(c Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.byUser[c.UserID()]
	if conns == nil {
		conns = map[Connection]struct{}{}
		h.byUser[c.UserID()] = conns
	}
	conns[c] = struct{}{}
	slog.Debug("Connection registered",
		"userId", c.UserID(), "scope", string(c.Scope()),
		"sessionId", c.SessionID(), "machineId", c.MachineID())
}

// Unregister removes a connection. Safe to call for connections never
// registered.
func (h *Hub) Unregister(c Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.byUser[c.UserID()]
	if conns == nil {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.byUser, c.UserID())
	}
}

// ConnectionCount returns the number of live connections for a user.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}

// EmitUpdate delivers a persistent update to the selected recipients, and to
// the backplane when configured.
func (h *Hub) EmitUpdate(userID string, rcpt Recipients, u wire.Update) {
	for _, c := range h.collect(userID, rcpt) {
		c.SendUpdate(u)
	}
	if h.backplane != nil {
		if err := h.backplane.PublishUpdate(userID, rcpt, u); err != nil {
			slog.Warn("Backplane publish failed", "userId", userID, "error", err)
		}
	}
}

// EmitEphemeral delivers a best-effort event to the selected recipients.
func (h *Hub) EmitEphemeral(userID string, rcpt Recipients, e wire.Ephemeral) {
	for _, c := range h.collect(userID, rcpt) {
		c.SendEphemeral(e)
	}
	if h.backplane != nil {
		if err := h.backplane.PublishEphemeral(userID, rcpt, e); err != nil {
			slog.Warn("Backplane publish failed", "userId", userID, "error", err)
		}
	}
}

// DeliverLocal applies an event received from the backplane to local
// connections only, bypassing re-publication.
func (h *Hub) DeliverLocal(userID string, rcpt Recipients, u *wire.Update, e *wire.Ephemeral) {
	for _, c := range h.collect(userID, rcpt) {
		if u != nil {
			c.SendUpdate(*u)
		}
		if e != nil {
			c.SendEphemeral(*e)
		}
	}
}

// collect snapshots matching connections under the read lock. Sending happens
// outside the lock; Send must not block.
func (h *Hub) collect(userID string, rcpt Recipients) []Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Connection
	for c := range h.byUser[userID] {
		if rcpt.matches(c) {
			out = append(out, c)
		}
	}
	return out
}

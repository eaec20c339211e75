package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/agent-relay/internal/router"
	"github.com/workspace/agent-relay/internal/wire"
)

const (
	wsSendBuffer  = 256
	wsWriteWait   = 10 * time.Second
	pushSendLimit = 15 * time.Second
)

// wsConn is one registered update-socket connection.
type wsConn struct {
	userID    string
	scope     router.Scope
	sessionID string
	machineID string

	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) UserID() string      { return c.userID }
func (c *wsConn) Scope() router.Scope { return c.scope }
func (c *wsConn) SessionID() string   { return c.sessionID }
func (c *wsConn) MachineID() string   { return c.machineID }

func (c *wsConn) SendUpdate(u wire.Update) {
	data, err := json.Marshal(u)
	if err != nil {
		return
	}
	c.sendFrame(wire.FrameUpdate, data)
}

func (c *wsConn) SendEphemeral(e wire.Ephemeral) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	c.sendFrame(wire.FrameEphemeral, data)
}

// sendFrame queues a frame without blocking. A slow consumer loses frames
// rather than stalling the fan-out; persistent updates are recovered via
// catch-up.
func (c *wsConn) sendFrame(t wire.FrameType, data json.RawMessage) {
	payload, err := json.Marshal(wire.Frame{Type: t, Data: data})
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	case <-c.done:
	default:
		slog.Warn("Dropping frame for slow connection",
			"userId", c.userID, "scope", string(c.scope), "type", string(t))
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsConn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close()
				return
			}
		}
	}
}

func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser client or same-origin request.
				return true
			}
			return originAllowed(origin, s.config.AllowedOrigins)
		},
	}
}

// handleUpdatesWS upgrades an update-socket connection, registers it with
// the fan-out hub, and serves its inbound frames until it closes.
func (s *Server) handleUpdatesWS(w http.ResponseWriter, r *http.Request) {
	claims, err := s.auth.Validate(bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	uid := claims.UserID

	scope := router.Scope(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = router.ScopeUser
	}
	sessionID := r.URL.Query().Get("session")
	machineID := r.URL.Query().Get("machine")

	switch scope {
	case router.ScopeUser:
	case router.ScopeSession:
		sess, err := s.store.GetSession(sessionID)
		if err != nil || sess.UserID != uid {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
	case router.ScopeMachine:
		if machineID == "" {
			writeError(w, http.StatusBadRequest, "machine id required")
			return
		}
		if _, err := s.store.UpsertMachine(uid, machineID, ""); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to register machine")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "unknown scope")
		return
	}

	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	c := &wsConn{
		userID:    uid,
		scope:     scope,
		sessionID: sessionID,
		machineID: machineID,
		conn:      conn,
		send:      make(chan []byte, wsSendBuffer),
		done:      make(chan struct{}),
	}
	s.hub.Register(c)
	if scope == router.ScopeSession {
		s.registerAgent(c)
	}
	slog.Info("Update socket connected", "userId", uid, "scope", string(scope),
		"sessionId", sessionID, "machineId", machineID)

	go c.writePump()
	s.readFrames(c)

	s.hub.Unregister(c)
	if scope == router.ScopeSession {
		s.unregisterAgent(c)
	}
	s.dropInflightFor(c)
	c.close()
	slog.Info("Update socket disconnected", "userId", uid, "scope", string(scope))
}

func (s *Server) readFrames(c *wsConn) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Debug("Malformed frame skipped", "userId", c.userID, "error", err)
			continue
		}
		s.handleFrame(c, frame)
	}
}

func (s *Server) handleFrame(c *wsConn, frame wire.Frame) {
	switch frame.Type {
	case wire.FrameUpdateMetadata:
		s.handleSocketVersionedWrite(c, frame.Data,
			s.store.UpdateSessionMetadata, router.BuildSessionMetadataUpdate)

	case wire.FrameUpdateState:
		s.handleSocketVersionedWrite(c, frame.Data,
			s.store.UpdateSessionAgentState, router.BuildSessionAgentStateUpdate)

	case wire.FrameRPCRequest:
		var req wire.RPCRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return
		}
		s.forwardRPC(c, req)

	case wire.FrameRPCResponse:
		var resp wire.RPCResponse
		if err := json.Unmarshal(frame.Data, &resp); err != nil {
			return
		}
		s.routeRPCResponse(resp)

	case wire.FrameEphemeral:
		var e wire.Ephemeral
		if err := json.Unmarshal(frame.Data, &e); err != nil {
			return
		}
		s.rebroadcastEphemeral(c, e)

	case wire.FramePing:
		c.sendFrame(wire.FramePong, nil)

	case wire.FramePong:
		// keepalive answer

	default:
		slog.Debug("Unhandled frame type", "type", string(frame.Type))
	}
}

func (s *Server) handleSocketVersionedWrite(
	c *wsConn, data json.RawMessage,
	write func(id, value string, expectedVersion int64) (int64, string, int64, error),
	build func(id string, seq int64, sessionID, value string, version int64) (wire.Update, error),
) {
	var req wire.VersionedWriteRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	sess, err := s.store.GetSession(req.SID)
	if err != nil || sess.UserID != c.userID {
		s.ackFrame(c, wire.VersionedWriteAck{ID: req.ID, Result: wire.AckError, Message: "session not found"})
		return
	}
	s.ackFrame(c, s.applyVersionedWrite(c.userID, req.SID, req, write, build))
}

func (s *Server) ackFrame(c *wsConn, ack wire.VersionedWriteAck) {
	data, err := json.Marshal(ack)
	if err != nil {
		return
	}
	c.sendFrame(wire.FrameAck, data)
}

// rebroadcastEphemeral fans a connection's ephemeral event out to the
// relevant recipients. Activity and usage events are session-aware; machine
// status goes to user-scoped connections plus the machine's own room.
func (s *Server) rebroadcastEphemeral(c *wsConn, e wire.Ephemeral) {
	var head struct {
		T         string `json:"t"`
		SID       string `json:"sid"`
		MachineID string `json:"machineId"`
	}
	if err := json.Unmarshal(e.Body, &head); err != nil {
		return
	}
	switch head.T {
	case wire.EphemeralActivity, wire.EphemeralUsage:
		s.hub.EmitEphemeral(c.userID, router.RecipientsSessionAware(head.SID), e)
	case wire.EphemeralStatus:
		s.hub.EmitEphemeral(c.userID, router.RecipientsMachineScoped(head.MachineID), e)
	default:
		s.hub.EmitEphemeral(c.userID, router.RecipientsUserScopedOnly(), e)
	}
}

// --- RPC bridge ---

func agentKey(userID, sessionID string) string {
	return userID + "/" + sessionID
}

func (s *Server) registerAgent(c *wsConn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	// Last connection wins; a reconnecting agent replaces its stale entry.
	s.sessionAgents[agentKey(c.userID, c.sessionID)] = c
}

func (s *Server) unregisterAgent(c *wsConn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	key := agentKey(c.userID, c.sessionID)
	if s.sessionAgents[key] == c {
		delete(s.sessionAgents, key)
	}
}

// forwardRPC relays a request to the session's agent connection. The relay
// never inspects params; it only routes by session.
func (s *Server) forwardRPC(from *wsConn, req wire.RPCRequest) {
	s.connMu.Lock()
	agent := s.sessionAgents[agentKey(from.userID, req.SID)]
	if agent != nil {
		s.rpcInflight[req.ID] = from
	}
	s.connMu.Unlock()

	if agent == nil {
		resp, err := json.Marshal(wire.RPCResponse{ID: req.ID, Error: "session agent not connected"})
		if err != nil {
			return
		}
		from.sendFrame(wire.FrameRPCResponse, resp)
		return
	}

	data, err := json.Marshal(req)
	if err != nil {
		return
	}
	agent.sendFrame(wire.FrameRPCRequest, data)
}

func (s *Server) routeRPCResponse(resp wire.RPCResponse) {
	s.connMu.Lock()
	requester := s.rpcInflight[resp.ID]
	delete(s.rpcInflight, resp.ID)
	s.connMu.Unlock()

	if requester == nil {
		slog.Debug("RPC response without inflight request", "rpcId", resp.ID)
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	requester.sendFrame(wire.FrameRPCResponse, data)
}

// dropInflightFor forgets pending RPC correlations held for a closing
// connection so late responses are not misrouted.
func (s *Server) dropInflightFor(c *wsConn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for id, requester := range s.rpcInflight {
		if requester == c {
			delete(s.rpcInflight, id)
		}
	}
}

// maybeNotify sends a push notification for new messages when the user has
// no viewer connected. The agent's own session socket does not count as a
// viewer.
func (s *Server) maybeNotify(uid, sessionID string) {
	if s.notifier == nil {
		return
	}
	s.connMu.Lock()
	_, agentConnected := s.sessionAgents[agentKey(uid, sessionID)]
	s.connMu.Unlock()

	viewers := s.hub.ConnectionCount(uid)
	if agentConnected {
		viewers--
	}
	if viewers > 0 {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), pushSendLimit)
		defer cancel()
		err := s.notifier.SendPush(ctx, "message", "New activity", "Your agent posted new messages",
			map[string]string{"sessionId": sessionID})
		if err != nil {
			slog.Warn("Push notification failed", "sessionId", sessionID, "error", err)
		}
	}()
}

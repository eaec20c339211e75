package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/workspace/agent-relay/internal/router"
	"github.com/workspace/agent-relay/internal/store"
	"github.com/workspace/agent-relay/internal/wire"
)

const (
	defaultMessagePageSize = 100
	maxMessagePageSize     = 500
	maxMessageBatch        = 1000
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(userID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       string `json:"id"`
		Metadata string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	uid := userID(r)
	sess, err := s.store.CreateSession(uid, req.ID, req.Metadata)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	s.emitUpdate(uid, router.RecipientsAllUser(), func(id string, seq int64) (wire.Update, error) {
		return router.BuildNewSessionUpdate(id, seq, wire.NewSessionBody{
			T:               wire.BodyNewSession,
			ID:              sess.ID,
			Metadata:        sess.Metadata,
			MetadataVersion: sess.MetadataVersion,
			Active:          sess.Active,
			CreatedAt:       sess.CreatedAt,
			UpdatedAt:       sess.UpdatedAt,
		})
	})
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}

	afterSeq, _ := strconv.ParseInt(r.URL.Query().Get("afterSeq"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultMessagePageSize
	}
	if limit > maxMessagePageSize {
		limit = maxMessagePageSize
	}

	msgs, hasMore, err := s.store.ListMessagesAfter(sess.ID, afterSeq, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	page := wire.MessagesPage{Messages: make([]wire.Message, 0, len(msgs)), HasMore: hasMore}
	for _, m := range msgs {
		page.Messages = append(page.Messages, toWireMessage(m))
	}
	writeJSON(w, http.StatusOK, page)
}

// handlePostMessages appends an outbox batch to the session log and fans out
// a new-message update per freshly persisted entry. Batches are deduplicated
// by local id, so a retried flush acks without re-appending.
func (s *Server) handlePostMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}

	var post wire.OutboxPost
	if err := json.NewDecoder(r.Body).Decode(&post); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(post.Messages) == 0 || len(post.Messages) > maxMessageBatch {
		writeError(w, http.StatusBadRequest, "batch size out of range")
		return
	}

	contents := make([]string, 0, len(post.Messages))
	localIDs := make([]string, 0, len(post.Messages))
	for _, entry := range post.Messages {
		contents = append(contents, entry.Content.C)
		localIDs = append(localIDs, entry.LocalID)
	}

	msgs, err := s.store.AddMessages(sess.ID, contents, localIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist messages")
		return
	}

	uid := userID(r)
	ack := wire.OutboxAck{Messages: make([]wire.Message, 0, len(msgs))}
	for _, m := range msgs {
		wm := toWireMessage(m)
		ack.Messages = append(ack.Messages, wm)
		s.emitUpdate(uid, router.RecipientsSessionAware(sess.ID), func(id string, seq int64) (wire.Update, error) {
			return router.BuildNewMessageUpdate(id, seq, sess.ID, wm)
		})
	}
	s.maybeNotify(uid, sess.ID)
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleUpdateMetadata(w http.ResponseWriter, r *http.Request) {
	s.handleVersionedWrite(w, r, s.store.UpdateSessionMetadata, router.BuildSessionMetadataUpdate)
}

func (s *Server) handleUpdateAgentState(w http.ResponseWriter, r *http.Request) {
	s.handleVersionedWrite(w, r, s.store.UpdateSessionAgentState, router.BuildSessionAgentStateUpdate)
}

// handleVersionedWrite applies an optimistic-concurrency write. On mismatch
// the response carries the relay's current value and version with a conflict
// status so the writer can rebase.
func (s *Server) handleVersionedWrite(
	w http.ResponseWriter, r *http.Request,
	write func(id, value string, expectedVersion int64) (int64, string, int64, error),
	build func(id string, seq int64, sessionID, value string, version int64) (wire.Update, error),
) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	var req wire.VersionedWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ack := s.applyVersionedWrite(userID(r), sess.ID, req, write, build)
	status := http.StatusOK
	if ack.Result == wire.AckVersionMismatch {
		status = http.StatusConflict
	}
	writeJSON(w, status, ack)
}

// applyVersionedWrite is shared between the HTTP route and the socket verbs.
func (s *Server) applyVersionedWrite(
	uid, sessionID string, req wire.VersionedWriteRequest,
	write func(id, value string, expectedVersion int64) (int64, string, int64, error),
	build func(id string, seq int64, sessionID, value string, version int64) (wire.Update, error),
) wire.VersionedWriteAck {
	newVersion, curValue, curVersion, err := write(sessionID, req.Value, req.ExpectedVersion)
	switch {
	case errors.Is(err, store.ErrVersionMismatch):
		return wire.VersionedWriteAck{
			ID:      req.ID,
			Result:  wire.AckVersionMismatch,
			Value:   curValue,
			Version: curVersion,
		}
	case err != nil:
		return wire.VersionedWriteAck{
			ID:      req.ID,
			Result:  wire.AckError,
			Message: "write failed",
		}
	}

	s.emitUpdate(uid, router.RecipientsAllUser(), func(id string, seq int64) (wire.Update, error) {
		return build(id, seq, sessionID, req.Value, newVersion)
	})
	return wire.VersionedWriteAck{ID: req.ID, Result: wire.AckSuccess, Version: newVersion}
}

// ownedSession loads the session from the path and enforces ownership.
// Foreign sessions present as not found.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request) (*store.Session, bool) {
	sess, err := s.store.GetSession(r.PathValue("id"))
	if err != nil || sess.UserID != userID(r) {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

// emitUpdate allocates the per-user update sequence, builds the update and
// fans it out.
func (s *Server) emitUpdate(uid string, rcpt router.Recipients, build func(id string, seq int64) (wire.Update, error)) {
	seq, err := s.store.NextUpdateSeq(uid)
	if err != nil {
		slog.Error("Failed to allocate update seq", "userId", uid, "error", err)
		return
	}
	u, err := build(uuid.NewString(), seq)
	if err != nil {
		slog.Error("Failed to build update", "userId", uid, "error", err)
		return
	}
	s.hub.EmitUpdate(uid, rcpt, u)
}

func toWireMessage(m store.Message) wire.Message {
	localID := m.LocalID
	return wire.Message{
		ID:        m.ID,
		Seq:       m.Seq,
		LocalID:   &localID,
		Content:   wire.EncryptedEnvelope{T: "encrypted", C: m.Content},
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

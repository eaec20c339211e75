package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/workspace/agent-relay/internal/router"
	"github.com/workspace/agent-relay/internal/store"
	"github.com/workspace/agent-relay/internal/wire"
)

func (s *Server) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	m, ok := s.ownedMachine(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleRegisterMachine upserts the machine record. Registration is
// idempotent; a re-register refreshes updated_at and keeps the versioned
// fields.
func (s *Server) handleRegisterMachine(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       string `json:"id"`
		Metadata string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	m, err := s.store.UpsertMachine(userID(r), req.ID, req.Metadata)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to register machine")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleUpdateMachineMetadata(w http.ResponseWriter, r *http.Request) {
	s.handleMachineVersionedWrite(w, r, s.store.UpdateMachineMetadata,
		func(v *wire.VersionedString) (metadata, daemonState *wire.VersionedString) {
			return v, nil
		})
}

func (s *Server) handleUpdateMachineDaemonState(w http.ResponseWriter, r *http.Request) {
	s.handleMachineVersionedWrite(w, r, s.store.UpdateMachineDaemonState,
		func(v *wire.VersionedString) (metadata, daemonState *wire.VersionedString) {
			return nil, v
		})
}

// handleMachineVersionedWrite mirrors the session versioned-write route for
// machine records. The pick callback slots the written value into the right
// field of the fan-out update.
func (s *Server) handleMachineVersionedWrite(
	w http.ResponseWriter, r *http.Request,
	write func(id, value string, expectedVersion int64) (int64, string, int64, error),
	pick func(v *wire.VersionedString) (metadata, daemonState *wire.VersionedString),
) {
	m, ok := s.ownedMachine(w, r)
	if !ok {
		return
	}
	var req wire.VersionedWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	newVersion, curValue, curVersion, err := write(m.ID, req.Value, req.ExpectedVersion)
	switch {
	case errors.Is(err, store.ErrVersionMismatch):
		writeJSON(w, http.StatusConflict, wire.VersionedWriteAck{
			ID:      req.ID,
			Result:  wire.AckVersionMismatch,
			Value:   curValue,
			Version: curVersion,
		})
		return
	case err != nil:
		writeJSON(w, http.StatusOK, wire.VersionedWriteAck{
			ID:      req.ID,
			Result:  wire.AckError,
			Message: "write failed",
		})
		return
	}

	metadata, daemonState := pick(&wire.VersionedString{Value: req.Value, Version: newVersion})
	s.emitUpdate(userID(r), router.RecipientsAllUser(), func(id string, seq int64) (wire.Update, error) {
		return router.BuildMachineUpdate(id, seq, m.ID, metadata, daemonState)
	})
	writeJSON(w, http.StatusOK, wire.VersionedWriteAck{ID: req.ID, Result: wire.AckSuccess, Version: newVersion})
}

// ownedMachine loads the machine from the path and enforces ownership.
// Foreign machines present as not found.
func (s *Server) ownedMachine(w http.ResponseWriter, r *http.Request) (*store.Machine, bool) {
	m, err := s.store.GetMachine(r.PathValue("id"))
	if err != nil || m.UserID != userID(r) {
		writeError(w, http.StatusNotFound, "machine not found")
		return nil, false
	}
	return m, true
}

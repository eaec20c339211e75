package router

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/workspace/agent-relay/internal/wire"
)

// Update builders assemble wire bodies from domain events plus an externally
// allocated update id and per-user sequence number.

// BuildNewMessageUpdate wraps a persisted session message.
func BuildNewMessageUpdate(id string, seq int64, sessionID string, msg wire.Message) (wire.Update, error) {
	return buildUpdate(id, seq, wire.NewMessageBody{
		T:       wire.BodyNewMessage,
		SID:     sessionID,
		Message: msg,
	})
}

// BuildNewSessionUpdate announces a freshly created session.
func BuildNewSessionUpdate(id string, seq int64, body wire.NewSessionBody) (wire.Update, error) {
	body.T = wire.BodyNewSession
	return buildUpdate(id, seq, body)
}

// BuildSessionMetadataUpdate announces a metadata version change.
func BuildSessionMetadataUpdate(id string, seq int64, sessionID, value string, version int64) (wire.Update, error) {
	return buildUpdate(id, seq, wire.UpdateSessionBody{
		T:        wire.BodyUpdateSession,
		ID:       sessionID,
		Metadata: &wire.VersionedString{Value: value, Version: version},
	})
}

// BuildSessionAgentStateUpdate announces an agent-state version change.
func BuildSessionAgentStateUpdate(id string, seq int64, sessionID, value string, version int64) (wire.Update, error) {
	return buildUpdate(id, seq, wire.UpdateSessionBody{
		T:          wire.BodyUpdateSession,
		ID:         sessionID,
		AgentState: &wire.VersionedString{Value: value, Version: version},
	})
}

// BuildMachineUpdate announces a machine metadata or daemon-state change.
// Either versioned field may be nil.
func BuildMachineUpdate(id string, seq int64, machineID string, metadata, daemonState *wire.VersionedString) (wire.Update, error) {
	return buildUpdate(id, seq, wire.UpdateMachineBody{
		T:           wire.BodyUpdateMachine,
		MachineID:   machineID,
		Metadata:    metadata,
		DaemonState: daemonState,
	})
}

func buildUpdate(id string, seq int64, body any) (wire.Update, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return wire.Update{}, fmt.Errorf("encode update body: %w", err)
	}
	return wire.Update{
		ID:        id,
		Seq:       seq,
		Body:      raw,
		CreatedAt: time.Now().UnixMilli(),
	}, nil
}

// BuildActivityEphemeral reports live thinking/typing state for a session.
func BuildActivityEphemeral(sessionID string, active, thinking bool) (wire.Ephemeral, error) {
	return buildEphemeral(wire.ActivityBody{
		T:         wire.EphemeralActivity,
		SID:       sessionID,
		Active:    active,
		Thinking:  thinking,
		Timestamp: time.Now().UnixMilli(),
	})
}

// BuildUsageEphemeral reports token usage for a session.
func BuildUsageEphemeral(sessionID string, usage json.RawMessage) (wire.Ephemeral, error) {
	return buildEphemeral(wire.UsageBody{
		T:         wire.EphemeralUsage,
		SID:       sessionID,
		Usage:     usage,
		Timestamp: time.Now().UnixMilli(),
	})
}

// BuildMachineStatusEphemeral reports daemon liveness for a machine.
func BuildMachineStatusEphemeral(machineID, status string) (wire.Ephemeral, error) {
	return buildEphemeral(wire.MachineStatusBody{
		T:         wire.EphemeralStatus,
		MachineID: machineID,
		Status:    status,
		Timestamp: time.Now().UnixMilli(),
	})
}

func buildEphemeral(body any) (wire.Ephemeral, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return wire.Ephemeral{}, fmt.Errorf("encode ephemeral body: %w", err)
	}
	return wire.Ephemeral{Body: raw}, nil
}

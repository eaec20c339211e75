// Package wire defines the frame and payload types exchanged between the
// agent-side sync client and the relay server. Every frame is JSON with a
// discriminating field; bodies of persistent updates carry their own `t`
// discriminator so clients can route without decrypting.
package wire

import "encoding/json"

// FrameType identifies a frame on the update socket.
type FrameType string

const (
	// FrameUpdate carries a persistent, sequenced update.
	FrameUpdate FrameType = "update"
	// FrameEphemeral carries a best-effort event that is never persisted.
	FrameEphemeral FrameType = "ephemeral"
	// FrameRPCRequest asks the peer to run a named method out-of-band.
	FrameRPCRequest FrameType = "rpc-request"
	// FrameRPCResponse answers an rpc-request by id.
	FrameRPCResponse FrameType = "rpc-response"
	// FrameUpdateMetadata is a versioned read-modify-write of session metadata.
	FrameUpdateMetadata FrameType = "update-metadata"
	// FrameUpdateState is a versioned read-modify-write of session agent state.
	FrameUpdateState FrameType = "update-state"
	// FrameAck answers update-metadata/update-state requests.
	FrameAck FrameType = "ack"
	// FramePing and FramePong are application-level keepalives.
	FramePing FrameType = "ping"
	FramePong FrameType = "pong"
)

// Frame is the outer envelope on the update socket.
type Frame struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Update is a persistent event. Seq is the per-user update sequence assigned
// by the relay's persistence layer; the router never allocates it.
type Update struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Body      json.RawMessage `json:"body"`
	CreatedAt int64           `json:"createdAt"`
}

// Ephemeral is a best-effort event. No ack is expected and delivery is not
// guaranteed.
type Ephemeral struct {
	Body json.RawMessage `json:"body"`
}

// EncryptedEnvelope wraps ciphertext stored on the relay and carried in
// new-message updates.
type EncryptedEnvelope struct {
	T string `json:"t"` // always "encrypted"
	C string `json:"c"` // base64 ciphertext
}

// VersionedString is an opaque encrypted value plus its optimistic-concurrency
// version.
type VersionedString struct {
	Value   string `json:"value"`
	Version int64  `json:"version"`
}

// Body discriminators for persistent updates.
const (
	BodyNewMessage    = "new-message"
	BodyNewSession    = "new-session"
	BodyUpdateSession = "update-session"
	BodyUpdateMachine = "update-machine"
)

// NewMessageBody is the body for t == "new-message".
type NewMessageBody struct {
	T       string  `json:"t"`
	SID     string  `json:"sid"`
	Message Message `json:"message"`
}

// Message is one persisted session log entry.
type Message struct {
	ID        string            `json:"id"`
	Seq       int64             `json:"seq"`
	LocalID   *string           `json:"localId"`
	Content   EncryptedEnvelope `json:"content"`
	CreatedAt int64             `json:"createdAt"`
	UpdatedAt int64             `json:"updatedAt"`
}

// UpdateSessionBody is the body for t == "update-session". Only the changed
// field is set.
type UpdateSessionBody struct {
	T          string           `json:"t"`
	ID         string           `json:"id"`
	Metadata   *VersionedString `json:"metadata,omitempty"`
	AgentState *VersionedString `json:"agentState,omitempty"`
}

// NewSessionBody is the body for t == "new-session".
type NewSessionBody struct {
	T                 string `json:"t"`
	ID                string `json:"id"`
	Metadata          string `json:"metadata"`
	MetadataVersion   int64  `json:"metadataVersion"`
	AgentState        string `json:"agentState,omitempty"`
	AgentStateVersion int64  `json:"agentStateVersion"`
	Active            bool   `json:"active"`
	CreatedAt         int64  `json:"createdAt"`
	UpdatedAt         int64  `json:"updatedAt"`
}

// UpdateMachineBody is the body for t == "update-machine".
type UpdateMachineBody struct {
	T           string           `json:"t"`
	MachineID   string           `json:"machineId"`
	Metadata    *VersionedString `json:"metadata,omitempty"`
	DaemonState *VersionedString `json:"daemonState,omitempty"`
}

// Ephemeral body discriminators.
const (
	EphemeralActivity = "activity"
	EphemeralUsage    = "usage"
	EphemeralStatus   = "machine-status"
)

// ActivityBody is the body for ephemeral activity (thinking/typing) pings.
type ActivityBody struct {
	T         string `json:"t"`
	SID       string `json:"sid"`
	Active    bool   `json:"active"`
	Thinking  bool   `json:"thinking"`
	Timestamp int64  `json:"timestamp"`
}

// UsageBody is the body for ephemeral token-usage pings.
type UsageBody struct {
	T         string          `json:"t"`
	SID       string          `json:"sid"`
	Usage     json.RawMessage `json:"usage"`
	Timestamp int64           `json:"timestamp"`
}

// Daemon status values carried by MachineStatusBody.
const (
	MachineStatusOnline  = "online"
	MachineStatusOffline = "offline"
)

// MachineStatusBody is the body for ephemeral daemon status pings.
type MachineStatusBody struct {
	T         string `json:"t"`
	MachineID string `json:"machineId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// RPCRequest carries a method invocation. SID routes the request to the
// session's agent connection. Params is an opaque string so the payload can
// be end-to-end encrypted without the relay understanding it.
type RPCRequest struct {
	ID     string `json:"id"`
	SID    string `json:"sid"`
	Method string `json:"method"`
	Params string `json:"params"`
}

// RPCResponse answers an RPCRequest.
type RPCResponse struct {
	ID       string `json:"id"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// VersionedWriteRequest asks the relay to replace a versioned blob if the
// expected version still matches.
type VersionedWriteRequest struct {
	ID              string `json:"id"`
	SID             string `json:"sid"`
	Value           string `json:"value"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

// AckResult is the outcome of a versioned write.
type AckResult string

const (
	AckSuccess         AckResult = "success"
	AckVersionMismatch AckResult = "version-mismatch"
	AckError           AckResult = "error"
)

// VersionedWriteAck answers a VersionedWriteRequest. On version-mismatch the
// relay returns its current value and version so the writer can rebase.
type VersionedWriteAck struct {
	ID      string    `json:"id"`
	Result  AckResult `json:"result"`
	Value   string    `json:"value,omitempty"`
	Version int64     `json:"version"`
	Message string    `json:"message,omitempty"`
}

// MessagesPage is the response body of the catch-up fetch API.
type MessagesPage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

// OutboxPost is the request body of the outbox flush API.
type OutboxPost struct {
	Messages []OutboxEntry `json:"messages"`
}

// OutboxEntry is one not-yet-acknowledged outgoing message.
type OutboxEntry struct {
	Content EncryptedEnvelope `json:"content"`
	LocalID string            `json:"localId"`
}

// OutboxAck is the response body of the outbox flush API. Entries are
// correlated to the posted batch by LocalID.
type OutboxAck struct {
	Messages []Message `json:"messages"`
}

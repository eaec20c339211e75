// Package client implements the agent-side session sync client: one
// authenticated, auto-reconnecting socket per session, encrypted send and
// receive, sequence-based catch-up, a durable outbox, and versioned
// metadata/agent-state updates.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/workspace/agent-relay/internal/cipher"
	"github.com/workspace/agent-relay/internal/protocol"
	"github.com/workspace/agent-relay/internal/router"
	"github.com/workspace/agent-relay/internal/scheduler"
	"github.com/workspace/agent-relay/internal/wire"
)

// State is the connection state, exposed for observability and tests.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// ErrNotConnected is returned for socket sends while disconnected.
var ErrNotConnected = errors.New("client: not connected")

// RPCHandler serves one remotely invoked method. Params and response are
// opaque strings so payloads can be end-to-end encrypted.
type RPCHandler func(params string) (string, error)

// Config configures a Client.
type Config struct {
	ServerURL string
	Token     string
	SessionID string
	// MachineID, when set, identifies the host machine for daemon status
	// reports and machine-level versioned writes.
	MachineID string
	// Box encrypts outgoing and decrypts incoming payloads.
	Box *cipher.Box
	// OutboxPath is the SQLite file backing the outbox.
	OutboxPath string

	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	// FlushInterval re-arms the outbox flush while entries are queued.
	FlushInterval time.Duration
	// DrainTimeout bounds how long Shutdown waits for the outbox to empty.
	DrainTimeout time.Duration

	// OnEnvelope receives every decrypted inbound envelope in sequence
	// order.
	OnEnvelope func(seq int64, env protocol.Envelope)
	// OnEphemeral receives best-effort events.
	OnEphemeral func(body json.RawMessage)

	// HTTPClient overrides the default HTTP client, used by tests.
	HTTPClient *http.Client
	// Dialer overrides the websocket dialer, used by tests.
	Dialer *websocket.Dialer
}

type versionedCache struct {
	mu      sync.Mutex
	value   string
	version int64
}

// Client is a session sync client. Create with New, then Start.
type Client struct {
	cfg        Config
	httpClient *http.Client
	dialer     *websocket.Dialer
	outbox     *Outbox

	recvSched *scheduler.Scheduler
	sendSched *scheduler.Scheduler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	lastSeq  int64
	rpcReady bool
	handlers map[string]RPCHandler

	// applyMu serializes inbound delivery: the seq check, the OnEnvelope
	// call and the cursor advance happen as one step, whether the message
	// arrived as a realtime push or through a catch-up page.
	applyMu sync.Mutex

	writeMu sync.Mutex

	metadata        versionedCache
	agentState      versionedCache
	machineMetadata versionedCache
	daemonState     versionedCache
}

// New creates a client. Call Start to begin connecting.
func New(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" || cfg.Token == "" || cfg.SessionID == "" {
		return nil, fmt.Errorf("client: server URL, token and session id are required")
	}
	if cfg.Box == nil {
		return nil, fmt.Errorf("client: encryption box is required")
	}
	if cfg.ReconnectInitialDelay <= 0 {
		cfg.ReconnectInitialDelay = time.Second
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}

	outbox, err := OpenOutbox(cfg.OutboxPath)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:        cfg,
		httpClient: cfg.HTTPClient,
		dialer:     cfg.Dialer,
		outbox:     outbox,
		ctx:        ctx,
		cancel:     cancel,
		state:      StateDisconnected,
		handlers:   map[string]RPCHandler{},
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	c.recvSched = scheduler.New(c.catchUp)
	c.sendSched = scheduler.New(c.flush)
	return c, nil
}

// Start launches the connect loop and the periodic flush arm.
func (c *Client) Start() {
	c.wg.Add(2)
	go c.runConnectLoop()
	go c.runFlushTicker()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastSeq returns the catch-up cursor.
func (c *Client) LastSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

// RegisterRPC installs a handler for a remotely invoked method.
func (c *Client) RegisterRPC(method string, handler RPCHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = handler
}

// SendEnvelope encrypts an envelope, appends it to the outbox and arms the
// flush. Returns the local id used to correlate the relay's ack.
func (c *Client) SendEnvelope(env protocol.Envelope) (string, error) {
	plaintext, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	ciphertext, err := c.cfg.Box.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("encrypt envelope: %w", err)
	}
	localID := uuid.NewString()
	if err := c.outbox.Enqueue(ciphertext, localID, time.Now().UnixMilli()); err != nil {
		return "", err
	}
	c.sendSched.Invalidate()
	return localID, nil
}

// SendActivity reports live activity over the socket, best-effort.
func (c *Client) SendActivity(active, thinking bool) error {
	e, err := router.BuildActivityEphemeral(c.cfg.SessionID, active, thinking)
	if err != nil {
		return err
	}
	return c.sendEphemeral(e)
}

// SendUsage forwards a provider token-usage report, best-effort.
func (c *Client) SendUsage(usage json.RawMessage) error {
	e, err := router.BuildUsageEphemeral(c.cfg.SessionID, usage)
	if err != nil {
		return err
	}
	return c.sendEphemeral(e)
}

// sendMachineStatus reports daemon liveness for the configured machine. A
// no-op without a MachineID.
func (c *Client) sendMachineStatus(status string) error {
	if c.cfg.MachineID == "" {
		return nil
	}
	e, err := router.BuildMachineStatusEphemeral(c.cfg.MachineID, status)
	if err != nil {
		return err
	}
	return c.sendEphemeral(e)
}

func (c *Client) sendEphemeral(e wire.Ephemeral) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.writeFrame(wire.FrameEphemeral, data)
}

// UpdateMetadata runs a read-modify-write of the session metadata. The
// mutator sees the current plaintext and returns the replacement. Serialized
// against concurrent metadata updates; on version mismatch the relay's value
// is adopted and the whole read-modify-write retries with backoff.
func (c *Client) UpdateMetadata(ctx context.Context, mutate func(current []byte) ([]byte, error)) error {
	return c.updateVersioned(ctx, &c.metadata, "metadata",
		"/v1/sessions/"+c.cfg.SessionID+"/metadata", mutate)
}

// UpdateAgentState runs a read-modify-write of the session agent state, with
// the same contract as UpdateMetadata.
func (c *Client) UpdateAgentState(ctx context.Context, mutate func(current []byte) ([]byte, error)) error {
	return c.updateVersioned(ctx, &c.agentState, "agentState",
		"/v1/sessions/"+c.cfg.SessionID+"/agentState", mutate)
}

// UpdateMachineMetadata runs a read-modify-write of the machine metadata,
// with the same contract as UpdateMetadata. Requires a configured MachineID.
func (c *Client) UpdateMachineMetadata(ctx context.Context, mutate func(current []byte) ([]byte, error)) error {
	if c.cfg.MachineID == "" {
		return errors.New("client: no machine id configured")
	}
	return c.updateVersioned(ctx, &c.machineMetadata, "machine metadata",
		"/v1/machines/"+c.cfg.MachineID+"/metadata", mutate)
}

// UpdateDaemonState runs a read-modify-write of the machine daemon state,
// with the same contract as UpdateMetadata. Requires a configured MachineID.
func (c *Client) UpdateDaemonState(ctx context.Context, mutate func(current []byte) ([]byte, error)) error {
	if c.cfg.MachineID == "" {
		return errors.New("client: no machine id configured")
	}
	return c.updateVersioned(ctx, &c.daemonState, "daemon state",
		"/v1/machines/"+c.cfg.MachineID+"/daemonState", mutate)
}

// Bootstrap fetches the session record and seeds the versioned caches and
// does not touch lastSeq; catch-up owns that cursor.
func (c *Client) Bootstrap(ctx context.Context) error {
	body, err := c.doRequest(ctx, http.MethodGet, "/v1/sessions/"+c.cfg.SessionID, nil)
	if err != nil {
		return err
	}
	var sess struct {
		Metadata          string `json:"metadata"`
		MetadataVersion   int64  `json:"metadataVersion"`
		AgentState        string `json:"agentState"`
		AgentStateVersion int64  `json:"agentStateVersion"`
	}
	if err := json.Unmarshal(body, &sess); err != nil {
		return fmt.Errorf("decode session: %w", err)
	}
	c.metadata.mu.Lock()
	c.metadata.value, c.metadata.version = sess.Metadata, sess.MetadataVersion
	c.metadata.mu.Unlock()
	c.agentState.mu.Lock()
	c.agentState.value, c.agentState.version = sess.AgentState, sess.AgentStateVersion
	c.agentState.mu.Unlock()

	if c.cfg.MachineID == "" {
		return nil
	}
	// Register the machine (idempotent) and seed its versioned caches from
	// the returned record.
	payload, err := json.Marshal(map[string]string{"id": c.cfg.MachineID})
	if err != nil {
		return err
	}
	body, err = c.doRequest(ctx, http.MethodPost, "/v1/machines", payload)
	if err != nil {
		return err
	}
	var machine struct {
		Metadata           string `json:"metadata"`
		MetadataVersion    int64  `json:"metadataVersion"`
		DaemonState        string `json:"daemonState"`
		DaemonStateVersion int64  `json:"daemonStateVersion"`
	}
	if err := json.Unmarshal(body, &machine); err != nil {
		return fmt.Errorf("decode machine: %w", err)
	}
	c.machineMetadata.mu.Lock()
	c.machineMetadata.value, c.machineMetadata.version = machine.Metadata, machine.MetadataVersion
	c.machineMetadata.mu.Unlock()
	c.daemonState.mu.Lock()
	c.daemonState.value, c.daemonState.version = machine.DaemonState, machine.DaemonStateVersion
	c.daemonState.mu.Unlock()
	return nil
}

// Sync forces a catch-up fetch and waits for it.
func (c *Client) Sync(ctx context.Context) error {
	return c.recvSched.InvalidateAndAwait(ctx)
}

// Flush forces an outbox flush and waits for it.
func (c *Client) Flush(ctx context.Context) error {
	return c.sendSched.InvalidateAndAwait(ctx)
}

// OutboxCount returns the number of queued outgoing messages.
func (c *Client) OutboxCount() (int, error) {
	return c.outbox.Count()
}

// Shutdown waits (bounded) for the outbox to drain, sends a final liveness
// ping, and closes the socket and the outbox. Never hangs past DrainTimeout.
func (c *Client) Shutdown(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, c.cfg.DrainTimeout)
	defer cancel()

	for {
		n, err := c.outbox.Count()
		if err != nil || n == 0 {
			break
		}
		if err := c.sendSched.InvalidateAndAwait(drainCtx); err != nil {
			slog.Warn("Outbox drain incomplete at shutdown", "remaining", n, "error", err)
			break
		}
		if drainCtx.Err() != nil {
			break
		}
	}

	// Final liveness pings, best-effort.
	if err := c.sendMachineStatus(wire.MachineStatusOffline); err != nil && !errors.Is(err, ErrNotConnected) {
		slog.Debug("Machine status report failed", "error", err)
	}
	if err := c.writeFrame(wire.FramePing, nil); err != nil && !errors.Is(err, ErrNotConnected) {
		slog.Debug("Final ping failed", "error", err)
	}

	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
	c.recvSched.Stop()
	c.sendSched.Stop()
	return c.outbox.Close()
}

// --- connect loop ---

func (c *Client) runConnectLoop() {
	defer c.wg.Done()

	delay := c.cfg.ReconnectInitialDelay
	for {
		if c.ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting)

		conn, err := c.dial()
		if err != nil {
			c.setState(StateDisconnected)
			slog.Warn("Relay connect failed", "error", err, "retryIn", delay)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = time.Duration(math.Min(float64(delay*2), float64(c.cfg.ReconnectMaxDelay)))
			continue
		}
		delay = c.cfg.ReconnectInitialDelay

		c.mu.Lock()
		c.conn = conn
		c.state = StateConnected
		c.rpcReady = true
		c.mu.Unlock()
		slog.Info("Relay connected", "sessionId", c.cfg.SessionID)

		if err := c.sendMachineStatus(wire.MachineStatusOnline); err != nil {
			slog.Debug("Machine status report failed", "error", err)
		}

		// Catch up from lastSeq; the log may have advanced while
		// offline. The outbox may also hold queued entries.
		c.recvSched.Invalidate()
		c.sendSched.Invalidate()

		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.rpcReady = false
		c.mu.Unlock()
		c.setState(StateDisconnected)
		conn.Close()
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	wsURL := strings.Replace(c.cfg.ServerURL, "http", "ws", 1) +
		"/v1/updates?scope=session-scoped&session=" + c.cfg.SessionID
	header := http.Header{"Authorization": {"Bearer " + c.cfg.Token}}
	ctx, cancel := context.WithTimeout(c.ctx, 15*time.Second)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				slog.Warn("Relay socket closed", "error", err)
			}
			return
		}
		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("Malformed frame skipped", "error", err)
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame wire.Frame) {
	switch frame.Type {
	case wire.FrameUpdate:
		var u wire.Update
		if err := json.Unmarshal(frame.Data, &u); err != nil {
			slog.Warn("Malformed update skipped", "error", err)
			return
		}
		c.handleUpdate(u)

	case wire.FrameEphemeral:
		if c.cfg.OnEphemeral == nil {
			return
		}
		var e wire.Ephemeral
		if err := json.Unmarshal(frame.Data, &e); err != nil {
			return
		}
		c.cfg.OnEphemeral(e.Body)

	case wire.FrameRPCRequest:
		var req wire.RPCRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return
		}
		go c.serveRPC(req)

	case wire.FramePing:
		c.writeFrame(wire.FramePong, nil)

	case wire.FramePong:
		// keepalive answer, nothing to do

	default:
		slog.Debug("Unhandled frame type", "type", string(frame.Type))
	}
}

// handleUpdate applies a pushed update in real time only when it is the
// immediate successor of the catch-up cursor. Any gap, reordering, or push
// before bootstrap falls back to a full catch-up fetch; the relay log is the
// source of truth.
func (c *Client) handleUpdate(u wire.Update) {
	var head struct {
		T string `json:"t"`
	}
	if err := json.Unmarshal(u.Body, &head); err != nil {
		slog.Warn("Update with undecodable body skipped", "updateId", u.ID, "error", err)
		return
	}

	switch head.T {
	case wire.BodyNewMessage:
		var body wire.NewMessageBody
		if err := json.Unmarshal(u.Body, &body); err != nil {
			slog.Warn("Malformed new-message update", "updateId", u.ID, "error", err)
			return
		}
		if body.SID != c.cfg.SessionID {
			return
		}

		c.applyMu.Lock()
		c.mu.Lock()
		seen := body.Message.Seq <= c.lastSeq
		inOrder := c.lastSeq > 0 && body.Message.Seq == c.lastSeq+1
		c.mu.Unlock()

		if seen {
			// Echo of a message already applied, typically our own
			// flushed batch or one a concurrent catch-up routed first.
			c.applyMu.Unlock()
			return
		}
		if !inOrder {
			c.applyMu.Unlock()
			c.recvSched.Invalidate()
			return
		}
		c.routeMessage(body.Message.Seq, body.Message.Content.C)
		c.mu.Lock()
		c.lastSeq = body.Message.Seq
		c.mu.Unlock()
		c.applyMu.Unlock()

	case wire.BodyUpdateSession:
		var body wire.UpdateSessionBody
		if err := json.Unmarshal(u.Body, &body); err != nil {
			return
		}
		if body.ID != c.cfg.SessionID {
			return
		}
		if body.Metadata != nil {
			c.adoptNewer(&c.metadata, body.Metadata)
		}
		if body.AgentState != nil {
			c.adoptNewer(&c.agentState, body.AgentState)
		}

	default:
		// new-session and machine updates concern other consumers.
	}
}

func (c *Client) adoptNewer(cache *versionedCache, v *wire.VersionedString) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	if v.Version > cache.version {
		cache.value, cache.version = v.Value, v.Version
	}
}

// routeMessage decrypts and dispatches one message. Failures are logged and
// skipped; one bad message must not abort the surrounding loop.
func (c *Client) routeMessage(seq int64, ciphertext string) {
	if c.cfg.OnEnvelope == nil {
		return
	}
	plaintext, err := c.cfg.Box.Decrypt(ciphertext)
	if err != nil {
		slog.Warn("Undecryptable message skipped", "seq", seq, "error", err)
		return
	}
	var env protocol.Envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		slog.Warn("Unparseable message skipped", "seq", seq, "error", err)
		return
	}
	c.cfg.OnEnvelope(seq, env)
}

func (c *Client) serveRPC(req wire.RPCRequest) {
	c.mu.Lock()
	ready := c.rpcReady
	handler := c.handlers[req.Method]
	c.mu.Unlock()

	resp := wire.RPCResponse{ID: req.ID}
	switch {
	case !ready:
		resp.Error = "rpc bridge unavailable"
	case handler == nil:
		resp.Error = "unknown method: " + req.Method
	default:
		result, err := handler(req.Params)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Response = result
		}
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := c.writeFrame(wire.FrameRPCResponse, data); err != nil {
		slog.Warn("RPC response dropped", "rpcId", req.ID, "error", err)
	}
}

func (c *Client) writeFrame(t wire.FrameType, data json.RawMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	payload, err := json.Marshal(wire.Frame{Type: t, Data: data})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// --- catch-up fetch ---

const catchUpPageSize = 100

// catchUp pages through the session log from lastSeq, routing each message
// and advancing the cursor to the maximum sequence seen. If the relay claims
// more data but the cursor did not advance, fetching stops; looping forever
// on a paginated lie helps nobody.
func (c *Client) catchUp(ctx context.Context) error {
	for {
		c.mu.Lock()
		after := c.lastSeq
		c.mu.Unlock()

		path := fmt.Sprintf("/v1/sessions/%s/messages?afterSeq=%d&limit=%d",
			c.cfg.SessionID, after, catchUpPageSize)
		body, err := c.doRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return fmt.Errorf("catch-up fetch: %w", err)
		}
		var page wire.MessagesPage
		if err := json.Unmarshal(body, &page); err != nil {
			return fmt.Errorf("decode messages page: %w", err)
		}

		maxSeq := after
		for _, msg := range page.Messages {
			// Same serialized check-route-advance step as the realtime
			// push path; whichever side routes a sequence first wins and
			// the other drops it.
			c.applyMu.Lock()
			c.mu.Lock()
			dup := msg.Seq <= c.lastSeq
			c.mu.Unlock()
			if !dup {
				c.routeMessage(msg.Seq, msg.Content.C)
				c.mu.Lock()
				if msg.Seq > c.lastSeq {
					c.lastSeq = msg.Seq
				}
				c.mu.Unlock()
			}
			c.applyMu.Unlock()
			if msg.Seq > maxSeq {
				maxSeq = msg.Seq
			}
		}
		advanced := maxSeq > after

		if !page.HasMore {
			return nil
		}
		if !advanced {
			slog.Warn("Catch-up stopped: relay reports more data but sequence did not advance",
				"sessionId", c.cfg.SessionID, "lastSeq", maxSeq)
			return nil
		}
	}
}

// --- outbox flush ---

// flush posts the entire current outbox snapshot in one batch and, on
// success, removes exactly that snapshot. Entries enqueued while the request
// was in flight stay queued for the next run.
func (c *Client) flush(ctx context.Context) error {
	snapshot, err := c.outbox.Snapshot()
	if err != nil {
		return err
	}
	if len(snapshot) == 0 {
		return nil
	}

	post := wire.OutboxPost{Messages: make([]wire.OutboxEntry, 0, len(snapshot))}
	for _, e := range snapshot {
		post.Messages = append(post.Messages, wire.OutboxEntry{
			Content: wire.EncryptedEnvelope{T: "encrypted", C: e.content},
			LocalID: e.localID,
		})
	}
	payload, err := json.Marshal(post)
	if err != nil {
		return fmt.Errorf("encode outbox batch: %w", err)
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/v1/sessions/"+c.cfg.SessionID+"/messages", payload)
	if err != nil {
		return fmt.Errorf("outbox flush: %w", err)
	}
	var ack wire.OutboxAck
	if err := json.Unmarshal(body, &ack); err != nil {
		return fmt.Errorf("decode outbox ack: %w", err)
	}

	// The relay assigned sequence numbers; our own messages also advance
	// the cursor so they are not re-fetched.
	c.mu.Lock()
	for _, m := range ack.Messages {
		if c.lastSeq > 0 && m.Seq == c.lastSeq+1 {
			c.lastSeq = m.Seq
		}
	}
	c.mu.Unlock()

	return c.outbox.Delete(snapshot)
}

// --- versioned updates ---

const (
	versionedInitialDelay = 250 * time.Millisecond
	versionedMaxDelay     = 5 * time.Second
)

// updateVersioned keeps retrying version mismatches until the write lands or
// ctx expires; only a non-version error aborts early.
func (c *Client) updateVersioned(ctx context.Context, cache *versionedCache, field, path string, mutate func(current []byte) ([]byte, error)) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	delay := versionedInitialDelay
	for {
		var current []byte
		if cache.value != "" {
			plaintext, err := c.cfg.Box.Decrypt(cache.value)
			if err != nil {
				return fmt.Errorf("decrypt current %s: %w", field, err)
			}
			current = plaintext
		}

		next, err := mutate(current)
		if err != nil {
			return fmt.Errorf("mutate %s: %w", field, err)
		}
		encrypted, err := c.cfg.Box.Encrypt(next)
		if err != nil {
			return fmt.Errorf("encrypt %s: %w", field, err)
		}

		ack, err := c.postVersioned(ctx, field, path, encrypted, cache.version)
		if err != nil {
			return err
		}

		switch ack.Result {
		case wire.AckSuccess:
			cache.value, cache.version = encrypted, ack.Version
			return nil
		case wire.AckVersionMismatch:
			// Adopt the relay's newer state and redo the whole
			// read-modify-write.
			cache.value, cache.version = ack.Value, ack.Version
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(math.Min(float64(delay*2), float64(versionedMaxDelay)))
		default:
			return fmt.Errorf("update %s: %s", field, ack.Message)
		}
	}
}

func (c *Client) postVersioned(ctx context.Context, field, path, value string, expectedVersion int64) (*wire.VersionedWriteAck, error) {
	payload, err := json.Marshal(wire.VersionedWriteRequest{
		ID:              uuid.NewString(),
		SID:             c.cfg.SessionID,
		Value:           value,
		ExpectedVersion: expectedVersion,
	})
	if err != nil {
		return nil, err
	}
	body, err := c.doRequest(ctx, http.MethodPost, path, payload)
	if err != nil {
		return nil, err
	}
	var ack wire.VersionedWriteAck
	if err := json.Unmarshal(body, &ack); err != nil {
		return nil, fmt.Errorf("decode %s ack: %w", field, err)
	}
	return &ack, nil
}

// --- HTTP plumbing ---

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.ServerURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	// Version-mismatch acks ride on a conflict status.
	if resp.StatusCode == http.StatusConflict {
		return data, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func (c *Client) runFlushTicker() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.outbox.Count(); err == nil && n > 0 {
				c.sendSched.Invalidate()
			}
		}
	}
}

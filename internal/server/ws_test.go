package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/agent-relay/internal/wire"
)

func dialWS(t *testing.T, srv *httptest.Server, token, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/updates?token=" + token
	if query != "" {
		wsURL += "&" + query
	}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial %s: %v", query, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame wire.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, typ wire.FrameType, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	frame, err := json.Marshal(wire.Frame{Type: typ, Data: data})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestMessagePostFansOutToViewer(t *testing.T) {
	_, srv := newTestServer(t)
	token := mintToken(t, srv, "alice")
	sid := createSession(t, srv, token)

	viewer := dialWS(t, srv, token, "")

	post := wire.OutboxPost{Messages: []wire.OutboxEntry{{
		Content: wire.EncryptedEnvelope{T: "encrypted", C: "cipher-1"},
		LocalID: "local-1",
	}}}
	status := doJSON(t, http.MethodPost, srv.URL+"/v1/sessions/"+sid+"/messages", token, post, nil)
	if status != http.StatusOK {
		t.Fatalf("post status = %d", status)
	}

	frame := readFrame(t, viewer)
	if frame.Type != wire.FrameUpdate {
		t.Fatalf("frame type = %s, want update", frame.Type)
	}
	var u wire.Update
	if err := json.Unmarshal(frame.Data, &u); err != nil {
		t.Fatal(err)
	}
	var body wire.NewMessageBody
	if err := json.Unmarshal(u.Body, &body); err != nil {
		t.Fatal(err)
	}
	if body.T != wire.BodyNewMessage || body.SID != sid || body.Message.Content.C != "cipher-1" {
		t.Fatalf("unexpected update body: %+v", body)
	}
	if u.Seq == 0 {
		t.Fatal("update seq not allocated")
	}
}

func TestUpdatesIsolatedBetweenUsers(t *testing.T) {
	_, srv := newTestServer(t)
	alice := mintToken(t, srv, "alice")
	bob := mintToken(t, srv, "bob")
	sid := createSession(t, srv, alice)

	bobViewer := dialWS(t, srv, bob, "")
	aliceViewer := dialWS(t, srv, alice, "")

	post := wire.OutboxPost{Messages: []wire.OutboxEntry{{
		Content: wire.EncryptedEnvelope{T: "encrypted", C: "secret"},
		LocalID: "l1",
	}}}
	doJSON(t, http.MethodPost, srv.URL+"/v1/sessions/"+sid+"/messages", alice, post, nil)

	// Alice's viewer sees the update.
	if frame := readFrame(t, aliceViewer); frame.Type != wire.FrameUpdate {
		t.Fatalf("alice frame type = %s", frame.Type)
	}
	// Bob's viewer must see nothing.
	bobViewer.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := bobViewer.ReadMessage(); err == nil {
		t.Fatal("bob received another user's update")
	}
}

func TestRPCBridgeRoundTrip(t *testing.T) {
	_, srv := newTestServer(t)
	token := mintToken(t, srv, "alice")
	sid := createSession(t, srv, token)

	agent := dialWS(t, srv, token, "scope=session-scoped&session="+sid)
	viewer := dialWS(t, srv, token, "")

	writeFrame(t, viewer, wire.FrameRPCRequest, wire.RPCRequest{
		ID: "rpc-1", SID: sid, Method: "permission", Params: "opaque-params",
	})

	// Agent receives the forwarded request verbatim.
	frame := readFrame(t, agent)
	if frame.Type != wire.FrameRPCRequest {
		t.Fatalf("agent frame type = %s", frame.Type)
	}
	var req wire.RPCRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		t.Fatal(err)
	}
	if req.ID != "rpc-1" || req.Method != "permission" || req.Params != "opaque-params" {
		t.Fatalf("unexpected forwarded request: %+v", req)
	}

	writeFrame(t, agent, wire.FrameRPCResponse, wire.RPCResponse{ID: "rpc-1", Response: "opaque-result"})

	frame = readFrame(t, viewer)
	if frame.Type != wire.FrameRPCResponse {
		t.Fatalf("viewer frame type = %s", frame.Type)
	}
	var resp wire.RPCResponse
	if err := json.Unmarshal(frame.Data, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Response != "opaque-result" || resp.Error != "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRPCToDisconnectedAgentFails(t *testing.T) {
	_, srv := newTestServer(t)
	token := mintToken(t, srv, "alice")
	sid := createSession(t, srv, token)

	viewer := dialWS(t, srv, token, "")
	writeFrame(t, viewer, wire.FrameRPCRequest, wire.RPCRequest{
		ID: "rpc-1", SID: sid, Method: "permission", Params: "p",
	})

	frame := readFrame(t, viewer)
	if frame.Type != wire.FrameRPCResponse {
		t.Fatalf("frame type = %s", frame.Type)
	}
	var resp wire.RPCResponse
	if err := json.Unmarshal(frame.Data, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == "" {
		t.Fatal("expected error response for disconnected agent")
	}
}

func TestSocketVersionedWriteAck(t *testing.T) {
	_, srv := newTestServer(t)
	token := mintToken(t, srv, "alice")
	sid := createSession(t, srv, token)

	conn := dialWS(t, srv, token, "")
	writeFrame(t, conn, wire.FrameUpdateMetadata, wire.VersionedWriteRequest{
		ID: "w1", SID: sid, Value: "cipher-2", ExpectedVersion: 1,
	})

	// The ack and the fan-out update both arrive; order between them is
	// not fixed.
	var ack *wire.VersionedWriteAck
	var update *wire.Update
	for i := 0; i < 2; i++ {
		frame := readFrame(t, conn)
		switch frame.Type {
		case wire.FrameAck:
			ack = &wire.VersionedWriteAck{}
			if err := json.Unmarshal(frame.Data, ack); err != nil {
				t.Fatal(err)
			}
		case wire.FrameUpdate:
			update = &wire.Update{}
			if err := json.Unmarshal(frame.Data, update); err != nil {
				t.Fatal(err)
			}
		}
	}
	if ack == nil || ack.Result != wire.AckSuccess || ack.Version != 2 {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if update == nil {
		t.Fatal("missing fan-out update for metadata write")
	}
	var body wire.UpdateSessionBody
	if err := json.Unmarshal(update.Body, &body); err != nil {
		t.Fatal(err)
	}
	if body.T != wire.BodyUpdateSession || body.Metadata == nil || body.Metadata.Version != 2 {
		t.Fatalf("unexpected update body: %+v", body)
	}
}

func TestEphemeralActivityRebroadcast(t *testing.T) {
	_, srv := newTestServer(t)
	token := mintToken(t, srv, "alice")
	sid := createSession(t, srv, token)

	agent := dialWS(t, srv, token, "scope=session-scoped&session="+sid)
	viewer := dialWS(t, srv, token, "")

	body, _ := json.Marshal(wire.ActivityBody{
		T: wire.EphemeralActivity, SID: sid, Active: true, Thinking: true,
		Timestamp: time.Now().UnixMilli(),
	})
	writeFrame(t, agent, wire.FrameEphemeral, wire.Ephemeral{Body: body})

	frame := readFrame(t, viewer)
	if frame.Type != wire.FrameEphemeral {
		t.Fatalf("frame type = %s", frame.Type)
	}
	var e wire.Ephemeral
	if err := json.Unmarshal(frame.Data, &e); err != nil {
		t.Fatal(err)
	}
	var activity wire.ActivityBody
	if err := json.Unmarshal(e.Body, &activity); err != nil {
		t.Fatal(err)
	}
	if !activity.Thinking || activity.SID != sid {
		t.Fatalf("unexpected activity: %+v", activity)
	}
}

func TestPingPong(t *testing.T) {
	_, srv := newTestServer(t)
	token := mintToken(t, srv, "alice")

	conn := dialWS(t, srv, token, "")
	frame, _ := json.Marshal(wire.Frame{Type: wire.FramePing})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatal(err)
	}
	if got := readFrame(t, conn); got.Type != wire.FramePong {
		t.Fatalf("frame type = %s, want pong", got.Type)
	}
}

func TestSessionScopeRequiresOwnedSession(t *testing.T) {
	_, srv := newTestServer(t)
	alice := mintToken(t, srv, "alice")
	bob := mintToken(t, srv, "bob")
	sid := createSession(t, srv, alice)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/v1/updates?token=" + bob + "&scope=session-scoped&session=" + sid
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		conn.Close()
		t.Fatal("foreign session upgrade should be rejected")
	}
	if resp != nil {
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", resp.StatusCode)
		}
	}
}

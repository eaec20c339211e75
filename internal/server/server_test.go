package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/workspace/agent-relay/internal/config"
	"github.com/workspace/agent-relay/internal/wire"
)

const testSecret = "test-signing-secret"

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s, err := New(&config.Relay{
		Host:         "127.0.0.1",
		Port:         0,
		DatabasePath: filepath.Join(t.TempDir(), "relay.db"),
		JWTSecret:    testSecret,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, srv
}

func mintToken(t *testing.T, srv *httptest.Server, uid string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"secret": testSecret, "userId": uid})
	resp, err := http.Post(srv.URL+"/v1/auth", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("auth status = %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out.Token
}

func doJSON(t *testing.T, method, url, token string, reqBody, respBody any) int {
	t.Helper()
	var reader *bytes.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func createSession(t *testing.T, srv *httptest.Server, token string) string {
	t.Helper()
	var sess struct {
		ID string `json:"id"`
	}
	status := doJSON(t, http.MethodPost, srv.URL+"/v1/sessions", token,
		map[string]string{"metadata": "enc-meta"}, &sess)
	if status != http.StatusCreated {
		t.Fatalf("create session status = %d", status)
	}
	return sess.ID
}

func TestAuthRejectsWrongSecret(t *testing.T) {
	_, srv := newTestServer(t)
	body, _ := json.Marshal(map[string]string{"secret": "wrong", "userId": "u1"})
	resp, err := http.Post(srv.URL+"/v1/auth", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestSessionOwnershipIsolated(t *testing.T) {
	_, srv := newTestServer(t)
	alice := mintToken(t, srv, "alice")
	bob := mintToken(t, srv, "bob")

	sid := createSession(t, srv, alice)

	if status := doJSON(t, http.MethodGet, srv.URL+"/v1/sessions/"+sid, alice, nil, nil); status != http.StatusOK {
		t.Fatalf("owner get status = %d", status)
	}
	// Another user's session must be indistinguishable from a missing one.
	if status := doJSON(t, http.MethodGet, srv.URL+"/v1/sessions/"+sid, bob, nil, nil); status != http.StatusNotFound {
		t.Fatalf("foreign get status = %d, want 404", status)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/v1/sessions")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestPostAndListMessages(t *testing.T) {
	_, srv := newTestServer(t)
	token := mintToken(t, srv, "alice")
	sid := createSession(t, srv, token)

	post := wire.OutboxPost{}
	for i := 1; i <= 3; i++ {
		post.Messages = append(post.Messages, wire.OutboxEntry{
			Content: wire.EncryptedEnvelope{T: "encrypted", C: fmt.Sprintf("cipher-%d", i)},
			LocalID: fmt.Sprintf("local-%d", i),
		})
	}
	var ack wire.OutboxAck
	status := doJSON(t, http.MethodPost, srv.URL+"/v1/sessions/"+sid+"/messages", token, post, &ack)
	if status != http.StatusOK {
		t.Fatalf("post status = %d", status)
	}
	if len(ack.Messages) != 3 || ack.Messages[2].Seq != 3 {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	var page wire.MessagesPage
	status = doJSON(t, http.MethodGet, srv.URL+"/v1/sessions/"+sid+"/messages?afterSeq=1&limit=1", token, nil, &page)
	if status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	if len(page.Messages) != 1 || page.Messages[0].Seq != 2 || !page.HasMore {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestPostMessagesRetryActsOnce(t *testing.T) {
	_, srv := newTestServer(t)
	token := mintToken(t, srv, "alice")
	sid := createSession(t, srv, token)

	post := wire.OutboxPost{Messages: []wire.OutboxEntry{{
		Content: wire.EncryptedEnvelope{T: "encrypted", C: "cipher-1"},
		LocalID: "local-1",
	}}}
	var first, second wire.OutboxAck
	doJSON(t, http.MethodPost, srv.URL+"/v1/sessions/"+sid+"/messages", token, post, &first)
	doJSON(t, http.MethodPost, srv.URL+"/v1/sessions/"+sid+"/messages", token, post, &second)

	if first.Messages[0].ID != second.Messages[0].ID {
		t.Fatalf("retry created a new message: %+v vs %+v", first, second)
	}
	var page wire.MessagesPage
	doJSON(t, http.MethodGet, srv.URL+"/v1/sessions/"+sid+"/messages", token, nil, &page)
	if len(page.Messages) != 1 {
		t.Fatalf("log has %d messages, want 1", len(page.Messages))
	}
}

func TestVersionedMetadataWriteConflict(t *testing.T) {
	_, srv := newTestServer(t)
	token := mintToken(t, srv, "alice")
	sid := createSession(t, srv, token)

	// Session starts at metadata version 1.
	var ok wire.VersionedWriteAck
	status := doJSON(t, http.MethodPost, srv.URL+"/v1/sessions/"+sid+"/metadata", token,
		wire.VersionedWriteRequest{ID: "w1", SID: sid, Value: "v2-cipher", ExpectedVersion: 1}, &ok)
	if status != http.StatusOK || ok.Result != wire.AckSuccess || ok.Version != 2 {
		t.Fatalf("write ack = %d %+v", status, ok)
	}

	var conflict wire.VersionedWriteAck
	status = doJSON(t, http.MethodPost, srv.URL+"/v1/sessions/"+sid+"/metadata", token,
		wire.VersionedWriteRequest{ID: "w2", SID: sid, Value: "stale-cipher", ExpectedVersion: 1}, &conflict)
	if status != http.StatusConflict {
		t.Fatalf("stale write status = %d, want 409", status)
	}
	if conflict.Result != wire.AckVersionMismatch || conflict.Value != "v2-cipher" || conflict.Version != 2 {
		t.Fatalf("mismatch ack should carry current state, got %+v", conflict)
	}
}

func TestHealthz(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestOriginAllowed(t *testing.T) {
	allowed := []string{"https://app.example.com", "https://*.preview.example.com"}
	cases := []struct {
		origin string
		want   bool
	}{
		{"https://app.example.com", true},
		{"https://evil.example.com", false},
		{"https://pr-42.preview.example.com", true},
		{"https://evil.com/.preview.example.com", false},
	}
	for _, tc := range cases {
		if got := originAllowed(tc.origin, allowed); got != tc.want {
			t.Errorf("originAllowed(%q) = %v, want %v", tc.origin, got, tc.want)
		}
	}
}

func TestMachineRegisterAndVersionedWrites(t *testing.T) {
	_, srv := newTestServer(t)
	token := mintToken(t, srv, "alice")

	var machine struct {
		ID                 string `json:"id"`
		MetadataVersion    int64  `json:"metadataVersion"`
		DaemonStateVersion int64  `json:"daemonStateVersion"`
	}
	status := doJSON(t, http.MethodPost, srv.URL+"/v1/machines", token,
		map[string]string{"id": "machine-1"}, &machine)
	if status != http.StatusOK || machine.ID != "machine-1" {
		t.Fatalf("register = %d %+v", status, machine)
	}

	// Machines start at metadata version 1 and daemon-state version 0.
	var ok wire.VersionedWriteAck
	status = doJSON(t, http.MethodPost, srv.URL+"/v1/machines/machine-1/daemonState", token,
		wire.VersionedWriteRequest{ID: "w1", Value: "state-cipher", ExpectedVersion: machine.DaemonStateVersion}, &ok)
	if status != http.StatusOK || ok.Result != wire.AckSuccess || ok.Version != machine.DaemonStateVersion+1 {
		t.Fatalf("daemon-state write ack = %d %+v", status, ok)
	}

	var conflict wire.VersionedWriteAck
	status = doJSON(t, http.MethodPost, srv.URL+"/v1/machines/machine-1/metadata", token,
		wire.VersionedWriteRequest{ID: "w2", Value: "stale-cipher", ExpectedVersion: 99}, &conflict)
	if status != http.StatusConflict || conflict.Result != wire.AckVersionMismatch {
		t.Fatalf("stale machine write = %d %+v", status, conflict)
	}
	if conflict.Version != machine.MetadataVersion {
		t.Fatalf("mismatch ack version = %d, want %d", conflict.Version, machine.MetadataVersion)
	}
}

func TestMachineOwnershipIsolated(t *testing.T) {
	_, srv := newTestServer(t)
	alice := mintToken(t, srv, "alice")
	bob := mintToken(t, srv, "bob")

	status := doJSON(t, http.MethodPost, srv.URL+"/v1/machines", alice,
		map[string]string{"id": "machine-1"}, nil)
	if status != http.StatusOK {
		t.Fatalf("register = %d", status)
	}

	status = doJSON(t, http.MethodPost, srv.URL+"/v1/machines/machine-1/metadata", bob,
		wire.VersionedWriteRequest{ID: "w1", Value: "x", ExpectedVersion: 1}, nil)
	if status != http.StatusNotFound {
		t.Fatalf("foreign machine write = %d, want 404", status)
	}
}

package store

import (
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.CreateSession("user-1", "", "enc-metadata")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.ID == "" || sess.MetadataVersion != 1 || !sess.Active {
		t.Fatalf("unexpected session: %+v", sess)
	}

	got, err := s.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.UserID != "user-1" || got.Metadata != "enc-metadata" {
		t.Fatalf("session mismatch: %+v", got)
	}

	if _, err := s.GetSession("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAddMessagesAllocatesConsecutiveSeq(t *testing.T) {
	s := newTestStore(t)
	sess, _ := s.CreateSession("user-1", "", "")

	first, err := s.AddMessage(sess.ID, "cipher-1", "local-1")
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if first.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", first.Seq)
	}

	batch, err := s.AddMessages(sess.ID, []string{"cipher-2", "cipher-3"}, []string{"local-2", "local-3"})
	if err != nil {
		t.Fatalf("AddMessages: %v", err)
	}
	if batch[0].Seq != 2 || batch[1].Seq != 3 {
		t.Fatalf("expected seqs 2,3, got %d,%d", batch[0].Seq, batch[1].Seq)
	}
	if batch[1].LocalID != "local-3" {
		t.Fatalf("localId mismatch: %+v", batch[1])
	}
}

func TestAddMessagesDeduplicatesLocalID(t *testing.T) {
	s := newTestStore(t)
	sess, _ := s.CreateSession("user-1", "", "")

	first, err := s.AddMessages(sess.ID, []string{"cipher-1", "cipher-2"}, []string{"local-1", "local-2"})
	if err != nil {
		t.Fatalf("AddMessages: %v", err)
	}

	// A retried batch that overlaps the first must not duplicate entries.
	retry, err := s.AddMessages(sess.ID, []string{"cipher-2", "cipher-3"}, []string{"local-2", "local-3"})
	if err != nil {
		t.Fatalf("retried AddMessages: %v", err)
	}
	if retry[0].ID != first[1].ID || retry[0].Seq != first[1].Seq {
		t.Fatalf("expected existing message for local-2, got %+v", retry[0])
	}
	if retry[1].Seq != 3 {
		t.Fatalf("new entry should take seq 3, got %d", retry[1].Seq)
	}

	msgs, _, err := s.ListMessagesAfter(sess.ID, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("log has %d messages, want 3", len(msgs))
	}
}

func TestAddMessageToMissingSession(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.AddMessage("missing", "c", "l"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListMessagesAfterPagination(t *testing.T) {
	s := newTestStore(t)
	sess, _ := s.CreateSession("user-1", "", "")
	for i := 0; i < 5; i++ {
		if _, err := s.AddMessage(sess.ID, "cipher", ""); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}

	page, hasMore, err := s.ListMessagesAfter(sess.ID, 0, 2)
	if err != nil {
		t.Fatalf("ListMessagesAfter: %v", err)
	}
	if len(page) != 2 || !hasMore {
		t.Fatalf("expected 2 messages with more, got %d hasMore=%v", len(page), hasMore)
	}
	if page[0].Seq != 1 || page[1].Seq != 2 {
		t.Fatalf("wrong page order: %+v", page)
	}

	page, hasMore, err = s.ListMessagesAfter(sess.ID, 3, 10)
	if err != nil {
		t.Fatalf("ListMessagesAfter: %v", err)
	}
	if len(page) != 2 || hasMore {
		t.Fatalf("expected final 2 messages, got %d hasMore=%v", len(page), hasMore)
	}
	if page[1].Seq != 5 {
		t.Fatalf("expected last seq 5, got %d", page[1].Seq)
	}
}

func TestVersionedMetadataWrite(t *testing.T) {
	s := newTestStore(t)
	sess, _ := s.CreateSession("user-1", "", "v1-blob")

	newVersion, _, _, err := s.UpdateSessionMetadata(sess.ID, "v2-blob", 1)
	if err != nil {
		t.Fatalf("UpdateSessionMetadata: %v", err)
	}
	if newVersion != 2 {
		t.Fatalf("expected version 2, got %d", newVersion)
	}

	// Stale expected version: the caller gets the current state back.
	_, curValue, curVersion, err := s.UpdateSessionMetadata(sess.ID, "v3-blob", 1)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
	if curValue != "v2-blob" || curVersion != 2 {
		t.Fatalf("expected current state v2-blob/2, got %q/%d", curValue, curVersion)
	}

	// Retrying with the adopted version succeeds.
	if _, _, _, err := s.UpdateSessionMetadata(sess.ID, "v3-blob", curVersion); err != nil {
		t.Fatalf("retry after rebase: %v", err)
	}
}

func TestVersionedAgentStateWrite(t *testing.T) {
	s := newTestStore(t)
	sess, _ := s.CreateSession("user-1", "", "")

	newVersion, _, _, err := s.UpdateSessionAgentState(sess.ID, "state-blob", 0)
	if err != nil {
		t.Fatalf("UpdateSessionAgentState: %v", err)
	}
	if newVersion != 1 {
		t.Fatalf("expected version 1, got %d", newVersion)
	}

	got, _ := s.GetSession(sess.ID)
	if got.AgentState != "state-blob" || got.AgentStateVersion != 1 {
		t.Fatalf("agent state not persisted: %+v", got)
	}
}

func TestNextUpdateSeqPerUser(t *testing.T) {
	s := newTestStore(t)

	for want := int64(1); want <= 3; want++ {
		got, err := s.NextUpdateSeq("user-1")
		if err != nil {
			t.Fatalf("NextUpdateSeq: %v", err)
		}
		if got != want {
			t.Fatalf("expected seq %d, got %d", want, got)
		}
	}

	// Independent counter per user.
	got, err := s.NextUpdateSeq("user-2")
	if err != nil {
		t.Fatalf("NextUpdateSeq: %v", err)
	}
	if got != 1 {
		t.Fatalf("expected fresh counter for user-2, got %d", got)
	}
}

func TestMachineLifecycle(t *testing.T) {
	s := newTestStore(t)

	m, err := s.UpsertMachine("user-1", "machine-1", "host-metadata")
	if err != nil {
		t.Fatalf("UpsertMachine: %v", err)
	}
	if m.MetadataVersion != 1 {
		t.Fatalf("expected metadata version 1, got %d", m.MetadataVersion)
	}

	// Re-registering keeps existing metadata and version.
	m2, err := s.UpsertMachine("user-1", "machine-1", "other")
	if err != nil {
		t.Fatalf("UpsertMachine again: %v", err)
	}
	if m2.Metadata != "host-metadata" || m2.MetadataVersion != 1 {
		t.Fatalf("upsert must not clobber metadata: %+v", m2)
	}

	if _, _, _, err := s.UpdateMachineDaemonState("machine-1", "running", 0); err != nil {
		t.Fatalf("UpdateMachineDaemonState: %v", err)
	}
	got, _ := s.GetMachine("machine-1")
	if got.DaemonState != "running" || got.DaemonStateVersion != 1 {
		t.Fatalf("daemon state not persisted: %+v", got)
	}
}

func TestListSessions(t *testing.T) {
	s := newTestStore(t)
	s.CreateSession("user-1", "a", "")
	s.CreateSession("user-1", "b", "")
	s.CreateSession("user-2", "c", "")

	sessions, err := s.ListSessions("user-1")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
}

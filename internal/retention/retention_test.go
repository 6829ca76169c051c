package retention

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"suchak/pkg/models"
	"suchak/pkg/outbox"
	"suchak/pkg/store"
)

// TestRunOnceSweepsResidue verifies a sweep removes only versions and ack
// mappings older than their horizons.
func TestRunOnceSweepsResidue(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()

	if err := st.PutConversation(models.Conversation{ID: "c1", Participants: []string{"alice", "bob"}}); err != nil {
		t.Fatalf("PutConversation: %v", err)
	}
	m := models.Message{ID: "m1", Conversation: "c1", Sender: "alice", TS: 1,
		Content: models.Content{Type: models.ContentText, Text: "v1"}}
	if _, err := st.Append(&m); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := st.EditContent("m1", models.Content{Type: models.ContentText, Text: "v2"}, "alice"); err != nil {
		t.Fatalf("EditContent: %v", err)
	}

	now := time.Now().UTC().UnixNano()
	old := now - (48 * time.Hour).Nanoseconds()

	// plant an old version and old/new ack mappings alongside the fresh edit
	oldVersion, _ := json.Marshal(models.Message{ID: "m1", Conversation: "c1", Sender: "alice",
		Content: models.Content{Type: models.ContentText, Text: "ancient"}})
	if err := st.SaveKey(fmt.Sprintf("version:msg:m1:%020d", old), oldVersion); err != nil {
		t.Fatalf("SaveKey old version: %v", err)
	}
	oldAck, _ := json.Marshal(outbox.AckRef{MessageID: "m1", AckedTS: old})
	if err := st.SaveKey(outbox.MapKeyPrefix+"t-old", oldAck); err != nil {
		t.Fatalf("SaveKey old ack: %v", err)
	}
	newAck, _ := json.Marshal(outbox.AckRef{MessageID: "m1", AckedTS: now})
	if err := st.SaveKey(outbox.MapKeyPrefix+"t-new", newAck); err != nil {
		t.Fatalf("SaveKey new ack: %v", err)
	}

	if err := RunOnce(st, 24*time.Hour, 24*time.Hour); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	versions, err := st.ListVersions("m1")
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 1 || versions[0].Content.Text != "v1" {
		t.Fatalf("expected only the fresh edit version, got %+v", versions)
	}

	if _, err := st.GetKey(outbox.MapKeyPrefix + "t-old"); err == nil {
		t.Fatal("old ack mapping not pruned")
	}
	if _, err := st.GetKey(outbox.MapKeyPrefix + "t-new"); err != nil {
		t.Fatalf("fresh ack mapping pruned: %v", err)
	}

	// current message untouched
	got, err := st.GetMessage("m1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Content.Text != "v2" {
		t.Fatalf("live message damaged: %+v", got)
	}
}

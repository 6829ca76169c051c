package engine

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"suchak/pkg/errs"
	"suchak/pkg/index"
	"suchak/pkg/models"
	"suchak/pkg/outbox"
	"suchak/pkg/store"
	"suchak/pkg/transport"
)

func newEngine(t *testing.T) (*Engine, *store.Store, *transport.Loopback) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	lb := transport.NewLoopback()
	e, err := New(Options{
		Store:     st,
		Transport: lb,
		LocalID:   "alice",
		Outbox: outbox.Config{
			MaxAttempts:    3,
			InitialBackoff: 2 * time.Millisecond,
			MaxBackoff:     10 * time.Millisecond,
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return e, st, lb
}

func text(s string) models.Content {
	return models.Content{Type: models.ContentText, Text: s}
}

// TestSendCommitsAndResolves walks the full optimistic-send flow: enqueue,
// transport ack, commit under the permanent id, temp id resolution.
func TestSendCommitsAndResolves(t *testing.T) {
	e, st, _ := newEngine(t)
	conv, err := e.CreateConversation("", []string{"bob"}, false, false)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	tempID, err := e.SendMessage(conv.ID, text("hello bob"))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	require.Eventually(t, func() bool {
		_, ok := e.ResolveTempID(tempID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	msgID, _ := e.ResolveTempID(tempID)
	m, err := st.GetMessage(msgID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if m.Seq != 1 || m.Sender != "alice" || m.Content.Text != "hello bob" {
		t.Fatalf("unexpected committed message: %+v", m)
	}

	// outbox drained
	pending, err := e.PendingMessages(conv.ID)
	if err != nil {
		t.Fatalf("PendingMessages: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected empty outbox, got %+v", pending)
	}

	// delivery seeded and marked sent for the recipient
	agg, recs, err := e.MessageStatus(msgID)
	if err != nil {
		t.Fatalf("MessageStatus: %v", err)
	}
	if agg != models.StateSent {
		t.Fatalf("expected aggregate sent, got %s", agg)
	}
	if len(recs) != 1 || recs[0].Recipient != "bob" {
		t.Fatalf("unexpected records: %+v", recs)
	}
}

// TestSendRequiresMembership verifies a sender outside the conversation is
// rejected.
func TestSendRequiresMembership(t *testing.T) {
	e, st, _ := newEngine(t)
	if err := st.PutConversation(models.Conversation{ID: "c-other", Participants: []string{"bob", "carol"}}); err != nil {
		t.Fatalf("PutConversation: %v", err)
	}
	if _, err := e.SendMessage("c-other", text("intrude")); !stderrors.Is(err, errs.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := e.SendMessage("missing", text("x")); !stderrors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// TestFailedSendThenRetry verifies the failed send surfaces in the index
// and a manual retry delivers it.
func TestFailedSendThenRetry(t *testing.T) {
	e, _, lb := newEngine(t)
	conv, err := e.CreateConversation("", []string{"bob"}, false, false)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	lb.FailNext(3, errors.Wrap(errs.ErrTransportFailure, "offline"))

	tempID, err := e.SendMessage(conv.ID, text("flaky"))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	require.Eventually(t, func() bool {
		sum, ok := e.ix.Get(conv.ID)
		return ok && sum.HasFailed
	}, 2*time.Second, 5*time.Millisecond)

	if err := e.RetryFailed(tempID); err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	require.Eventually(t, func() bool {
		_, ok := e.ResolveTempID(tempID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	sum, _ := e.ix.Get(conv.ID)
	if sum.HasFailed || sum.Pending != nil {
		t.Fatalf("index not cleared after retry: %+v", sum)
	}
}

// TestIncomingMessageFlow verifies inbound transport messages commit,
// count as unread and auto-create unknown conversations.
func TestIncomingMessageFlow(t *testing.T) {
	e, st, lb := newEngine(t)

	lb.InjectIncoming(models.Message{
		ID: "remote-1", Conversation: "c-new", Sender: "bob", TS: 100,
		Content: text("first contact"),
	})

	conv, err := st.GetConversation("c-new")
	if err != nil {
		t.Fatalf("conversation not auto-created: %v", err)
	}
	if !conv.HasParticipant("alice") || !conv.HasParticipant("bob") {
		t.Fatalf("unexpected participants: %v", conv.Participants)
	}

	m, err := st.GetMessage("remote-1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if m.Seq != 1 {
		t.Fatalf("incoming message should get local seq 1, got %d", m.Seq)
	}

	sum, ok := e.ix.Get("c-new")
	if !ok || sum.Unread != 1 {
		t.Fatalf("expected 1 unread, got %+v", sum)
	}

	// duplicate delivery absorbed
	lb.InjectIncoming(models.Message{
		ID: "remote-1", Conversation: "c-new", Sender: "bob", TS: 100,
		Content: text("first contact"),
	})
	msgs, err := st.Get("c-new", 0, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("duplicate not absorbed: %d messages", len(msgs))
	}
	sum, _ = e.ix.Get("c-new")
	if sum.Unread != 1 {
		t.Fatalf("duplicate inflated unread: %d", sum.Unread)
	}
}

// TestDeliveryUpdatesFromTransport verifies receipt events advance the
// tracker and regressions are absorbed without corrupting state.
func TestDeliveryUpdatesFromTransport(t *testing.T) {
	e, _, lb := newEngine(t)
	conv, err := e.CreateConversation("", []string{"bob"}, false, false)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	tempID, err := e.SendMessage(conv.ID, text("track me"))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	require.Eventually(t, func() bool {
		_, ok := e.ResolveTempID(tempID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	msgID, _ := e.ResolveTempID(tempID)

	lb.InjectDeliveryUpdate(msgID, "bob", models.StateRead)
	agg, _, err := e.MessageStatus(msgID)
	if err != nil {
		t.Fatalf("MessageStatus: %v", err)
	}
	if agg != models.StateRead {
		t.Fatalf("expected read, got %s", agg)
	}

	// stale receipt arrives late: ignored, state stays read
	lb.InjectDeliveryUpdate(msgID, "bob", models.StateDelivered)
	agg, _, _ = e.MessageStatus(msgID)
	if agg != models.StateRead {
		t.Fatalf("regression leaked through: %s", agg)
	}
}

// TestFocusAdvancesWatermark verifies focusing a conversation clears unread
// and persists the read position.
func TestFocusAdvancesWatermark(t *testing.T) {
	e, st, lb := newEngine(t)
	conv, err := e.CreateConversation("", []string{"bob"}, false, false)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	lb.InjectIncoming(models.Message{ID: "r1", Conversation: conv.ID, Sender: "bob", TS: 1, Content: text("one")})
	lb.InjectIncoming(models.Message{ID: "r2", Conversation: conv.ID, Sender: "bob", TS: 2, Content: text("two")})

	if err := e.FocusConversation(conv.ID); err != nil {
		t.Fatalf("FocusConversation: %v", err)
	}
	lastRead, err := st.GetLastRead(conv.ID, "alice")
	if err != nil {
		t.Fatalf("GetLastRead: %v", err)
	}
	if lastRead != 2 {
		t.Fatalf("watermark not advanced: %d", lastRead)
	}
	if got := e.ListConversations(index.FilterUnread); len(got) != 0 {
		t.Fatalf("unread filter should be empty after focus: %+v", got)
	}
}

// TestMarkReadRecountsUnread verifies advancing the read watermark through
// MarkRead updates the chat list immediately, not just on the next focus or
// restart.
func TestMarkReadRecountsUnread(t *testing.T) {
	e, _, lb := newEngine(t)
	conv, err := e.CreateConversation("", []string{"bob"}, false, false)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	lb.InjectIncoming(models.Message{ID: "r1", Conversation: conv.ID, Sender: "bob", TS: 1, Content: text("one")})
	lb.InjectIncoming(models.Message{ID: "r2", Conversation: conv.ID, Sender: "bob", TS: 2, Content: text("two")})

	got := e.ListConversations(index.FilterUnread)
	if len(got) != 1 || got[0].Unread != 2 {
		t.Fatalf("expected 2 unread before mark-read: %+v", got)
	}

	if err := e.MarkRead(conv.ID, 1); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	sum, _ := e.ix.Get(conv.ID)
	if sum.Unread != 1 {
		t.Fatalf("partial read should leave 1 unread, got %d", sum.Unread)
	}

	if err := e.MarkRead(conv.ID, 2); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if got := e.ListConversations(index.FilterUnread); len(got) != 0 {
		t.Fatalf("unread filter should be empty after reading everything: %+v", got)
	}

	// stale mark-read arrives late: the watermark is monotonic, nothing
	// becomes unread again
	if err := e.MarkRead(conv.ID, 1); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	sum, _ = e.ix.Get(conv.ID)
	if sum.Unread != 0 {
		t.Fatalf("stale mark-read resurrected unread: %d", sum.Unread)
	}

	if err := e.MarkRead("missing", 1); !stderrors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// TestReadReceiptAdvancesRange verifies a ranged receipt from the transport
// marks every covered message read for that recipient.
func TestReadReceiptAdvancesRange(t *testing.T) {
	e, _, lb := newEngine(t)
	conv, err := e.CreateConversation("", []string{"bob"}, false, false)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	var msgIDs []string
	for _, body := range []string{"one", "two"} {
		tempID, serr := e.SendMessage(conv.ID, text(body))
		if serr != nil {
			t.Fatalf("SendMessage %s: %v", body, serr)
		}
		require.Eventually(t, func() bool {
			id, ok := e.ResolveTempID(tempID)
			if ok {
				msgIDs = append(msgIDs, id)
			}
			return ok
		}, 2*time.Second, 5*time.Millisecond)
	}

	lb.InjectReadReceipt(conv.ID, "bob", 2)

	for _, id := range msgIDs {
		agg, _, serr := e.MessageStatus(id)
		if serr != nil {
			t.Fatalf("MessageStatus %s: %v", id, serr)
		}
		if agg != models.StateRead {
			t.Fatalf("message %s not read after ranged receipt: %s", id, agg)
		}
	}
}

// TestEditAndDeleteOwnership verifies edit/delete run as the local
// participant and refresh the chat-list preview.
func TestEditAndDeleteOwnership(t *testing.T) {
	e, _, lb := newEngine(t)
	conv, err := e.CreateConversation("", []string{"bob"}, false, false)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	// bob's message: alice cannot edit it
	lb.InjectIncoming(models.Message{ID: "bobs", Conversation: conv.ID, Sender: "bob", TS: 1, Content: text("mine")})
	if _, err := e.EditMessage("bobs", text("hijack")); !stderrors.Is(err, errs.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	tempID, err := e.SendMessage(conv.ID, text("typo"))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	require.Eventually(t, func() bool {
		_, ok := e.ResolveTempID(tempID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	msgID, _ := e.ResolveTempID(tempID)

	m, err := e.EditMessage(msgID, text("fixed"))
	if err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	if m.Content.Text != "fixed" {
		t.Fatalf("edit not applied: %+v", m)
	}
	sum, _ := e.ix.Get(conv.ID)
	if sum.LastMessage == nil || sum.LastMessage.Content.Text != "fixed" {
		t.Fatalf("preview not refreshed: %+v", sum.LastMessage)
	}

	if err := e.DeleteMessage(msgID); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	sum, _ = e.ix.Get(conv.ID)
	if sum.LastMessage == nil || !sum.LastMessage.Deleted {
		t.Fatalf("tombstone not reflected in preview: %+v", sum.LastMessage)
	}
}

// TestRebuildAfterRestart verifies a fresh engine over an existing store
// reconstructs the chat list.
func TestRebuildAfterRestart(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	lb := transport.NewLoopback()
	e, err := New(Options{Store: st, Transport: lb, LocalID: "alice",
		Outbox: outbox.Config{InitialBackoff: time.Millisecond}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	conv, err := e.CreateConversation("team", []string{"bob", "carol"}, true, false)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	lb.InjectIncoming(models.Message{ID: "r1", Conversation: conv.ID, Sender: "bob", TS: 1, Content: text("hi")})
	e.Close()
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2, err := store.Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = st2.Close() }()
	e2, err := New(Options{Store: st2, Transport: transport.NewLoopback(), LocalID: "alice",
		Outbox: outbox.Config{InitialBackoff: time.Millisecond}})
	if err != nil {
		t.Fatalf("New after restart: %v", err)
	}
	defer e2.Close()

	rows := e2.ListConversations(index.FilterGroups)
	if len(rows) != 1 || rows[0].Conversation.ID != conv.ID {
		t.Fatalf("group conversation missing after rebuild: %+v", rows)
	}
	if rows[0].Unread != 1 {
		t.Fatalf("unread not recomputed: %d", rows[0].Unread)
	}
}

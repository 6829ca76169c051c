package outbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"suchak/pkg/errs"
	"suchak/pkg/models"
	"suchak/pkg/store"
	"suchak/pkg/transport"
)

func testConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		LaneCapacity:   16,
	}
}

type harness struct {
	st *store.Store
	lb *transport.Loopback
	ob *Outbox

	mu       sync.Mutex
	commits  []models.OutboxEntry
	notified []models.OutboxEntry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{st: st, lb: transport.NewLoopback()}
	commit := func(entry models.OutboxEntry, ack transport.Ack) error {
		h.mu.Lock()
		h.commits = append(h.commits, entry)
		h.mu.Unlock()
		return h.ob.Acknowledge(entry.TempID, &models.Message{ID: ack.MessageID})
	}
	notify := func(entry models.OutboxEntry) {
		h.mu.Lock()
		h.notified = append(h.notified, entry)
		h.mu.Unlock()
	}
	h.ob = New(st, h.lb, commit, notify, testConfig())
	t.Cleanup(h.ob.Close)
	return h
}

func (h *harness) committed() []models.OutboxEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.OutboxEntry(nil), h.commits...)
}

func text(s string) models.Content {
	return models.Content{Type: models.ContentText, Text: s}
}

// TestEnqueueAcknowledgeFlow verifies the happy path: enqueue returns a
// temp id, the transport ack commits the entry and the temp id resolves to
// the permanent id.
func TestEnqueueAcknowledgeFlow(t *testing.T) {
	h := newHarness(t)

	tempID, err := h.ob.Enqueue("c1", "alice", text("hello"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if tempID == "" {
		t.Fatal("empty temp id")
	}

	require.Eventually(t, func() bool { return len(h.committed()) == 1 }, time.Second, 5*time.Millisecond)

	msgID, ok := h.ob.Resolve(tempID)
	if !ok || msgID == "" {
		t.Fatalf("temp id not resolved: ok=%v id=%q", ok, msgID)
	}

	entries, err := h.ob.Entries("c1")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("acknowledged entry still pending: %+v", entries)
	}
}

// TestRetriesThenFails verifies a persistently failing transport exhausts
// MaxAttempts and parks the entry failed with the last error recorded.
func TestRetriesThenFails(t *testing.T) {
	h := newHarness(t)
	h.lb.FailNext(100, errors.Wrap(errs.ErrTransportFailure, "link down"))

	tempID, err := h.ob.Enqueue("c1", "alice", text("doomed"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	require.Eventually(t, func() bool {
		entries, eerr := h.ob.Entries("c1")
		return eerr == nil && len(entries) == 1 && entries[0].State == models.OutboxFailed
	}, 2*time.Second, 5*time.Millisecond)

	entries, _ := h.ob.Entries("c1")
	e := entries[0]
	if e.TempID != tempID || e.Attempts != 3 || e.LastError == "" {
		t.Fatalf("unexpected failed entry: %+v", e)
	}
	if len(h.committed()) != 0 {
		t.Fatal("failed entry must not commit")
	}
}

// TestPermanentFailureShortCircuits verifies a permanent rejection fails
// the entry on the first attempt without burning the retry budget.
func TestPermanentFailureShortCircuits(t *testing.T) {
	h := newHarness(t)
	h.lb.FailNext(1, errors.Wrap(errs.ErrPermanentFailure, "recipient rejected"))

	if _, err := h.ob.Enqueue("c1", "alice", text("rejected")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	require.Eventually(t, func() bool {
		entries, eerr := h.ob.Entries("c1")
		return eerr == nil && len(entries) == 1 && entries[0].State == models.OutboxFailed
	}, time.Second, 5*time.Millisecond)

	entries, _ := h.ob.Entries("c1")
	if entries[0].Attempts != 1 {
		t.Fatalf("permanent failure should not retry, attempts=%d", entries[0].Attempts)
	}
}

// TestManualRetryResetsAttempts verifies Retry resets the budget and the
// entry delivers once the transport recovers.
func TestManualRetryResetsAttempts(t *testing.T) {
	h := newHarness(t)
	h.lb.FailNext(3, errors.Wrap(errs.ErrTransportFailure, "offline"))

	tempID, err := h.ob.Enqueue("c1", "alice", text("eventually"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	require.Eventually(t, func() bool {
		entries, eerr := h.ob.Entries("c1")
		return eerr == nil && len(entries) == 1 && entries[0].State == models.OutboxFailed
	}, 2*time.Second, 5*time.Millisecond)

	// transport recovered; manual retry should deliver
	if err := h.ob.Retry(tempID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	require.Eventually(t, func() bool { return len(h.committed()) == 1 }, 2*time.Second, 5*time.Millisecond)

	if _, ok := h.ob.Resolve(tempID); !ok {
		t.Fatal("retried entry never resolved")
	}
}

// TestRetryRequiresFailedState verifies Retry rejects unknown ids and
// entries that are not parked failed.
func TestRetryRequiresFailedState(t *testing.T) {
	h := newHarness(t)
	if err := h.ob.Retry("t-unknown"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// TestAcknowledgeIdempotent verifies a duplicate acknowledge is absorbed.
func TestAcknowledgeIdempotent(t *testing.T) {
	h := newHarness(t)
	tempID, err := h.ob.Enqueue("c1", "alice", text("once"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	require.Eventually(t, func() bool { return len(h.committed()) == 1 }, time.Second, 5*time.Millisecond)

	if err := h.ob.Acknowledge(tempID, &models.Message{ID: "m-final"}); err != nil {
		t.Fatalf("duplicate Acknowledge: %v", err)
	}
	// the original mapping must survive the duplicate ack
	msgID, ok := h.ob.Resolve(tempID)
	if !ok {
		t.Fatal("mapping lost after duplicate ack")
	}
	if msgID == "" {
		t.Fatal("empty mapping")
	}
}

// TestCancelStopsRetries verifies cancelling a failed entry removes it and
// a later manual retry cannot resurrect it.
func TestCancelStopsRetries(t *testing.T) {
	h := newHarness(t)
	h.lb.FailNext(100, errors.Wrap(errs.ErrTransportFailure, "offline"))

	tempID, err := h.ob.Enqueue("c1", "alice", text("nevermind"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	require.Eventually(t, func() bool {
		entries, eerr := h.ob.Entries("c1")
		return eerr == nil && len(entries) == 1 && entries[0].State == models.OutboxFailed
	}, 2*time.Second, 5*time.Millisecond)

	removed, err := h.ob.Cancel(tempID)
	if err != nil || !removed {
		t.Fatalf("Cancel: removed=%v err=%v", removed, err)
	}
	if _, err := h.ob.Entries("c1"); err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if err := h.ob.Retry(tempID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("cancelled entry must not be retryable, got %v", err)
	}
	removed, err = h.ob.Cancel(tempID)
	if err != nil || removed {
		t.Fatalf("double cancel should report false, got removed=%v err=%v", removed, err)
	}
}

// TestCancelNotifiesCancelled verifies cancellation reaches the lifecycle
// observer with a terminal state, so a chat-list preview holding the failed
// entry drops it.
func TestCancelNotifiesCancelled(t *testing.T) {
	h := newHarness(t)
	h.lb.FailNext(100, errors.Wrap(errs.ErrTransportFailure, "offline"))

	tempID, err := h.ob.Enqueue("c1", "alice", text("discard me"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	require.Eventually(t, func() bool {
		entries, eerr := h.ob.Entries("c1")
		return eerr == nil && len(entries) == 1 && entries[0].State == models.OutboxFailed
	}, 2*time.Second, 5*time.Millisecond)

	removed, err := h.ob.Cancel(tempID)
	if err != nil || !removed {
		t.Fatalf("Cancel: removed=%v err=%v", removed, err)
	}

	h.mu.Lock()
	last := h.notified[len(h.notified)-1]
	h.mu.Unlock()
	if last.TempID != tempID || last.State != models.OutboxCancelled {
		t.Fatalf("observer never saw the cancellation: %+v", last)
	}
}

// stalledTransport blocks every send until released, signalling entry so
// tests know the dispatcher has taken an item off its lane.
type stalledTransport struct {
	entered chan struct{}
	release chan struct{}
}

func (s *stalledTransport) Send(ctx context.Context, env transport.Envelope) (transport.Ack, error) {
	s.entered <- struct{}{}
	select {
	case <-s.release:
		return transport.Ack{MessageID: "m-" + env.TempID}, nil
	case <-ctx.Done():
		return transport.Ack{}, ctx.Err()
	}
}

func (s *stalledTransport) Subscribe(transport.Handler) {}

// TestEnqueueLaneFullRollsBack verifies a send rejected with ErrLaneFull is
// not left persisted: the caller gets no temp id and nothing lingers for
// the next restart to dispatch.
func TestEnqueueLaneFullRollsBack(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()

	tr := &stalledTransport{entered: make(chan struct{}, 4), release: make(chan struct{})}
	cfg := testConfig()
	cfg.LaneCapacity = 1

	var mu sync.Mutex
	var commits int
	var ob *Outbox
	ob = New(st, tr, func(entry models.OutboxEntry, ack transport.Ack) error {
		mu.Lock()
		commits++
		mu.Unlock()
		return ob.Acknowledge(entry.TempID, &models.Message{ID: ack.MessageID})
	}, nil, cfg)
	defer ob.Close()

	if _, err := ob.Enqueue("c1", "alice", text("first")); err != nil {
		t.Fatalf("Enqueue first: %v", err)
	}
	<-tr.entered // first send in flight, lane buffer empty again

	if _, err := ob.Enqueue("c1", "alice", text("second")); err != nil {
		t.Fatalf("Enqueue second: %v", err)
	}

	tempID, err := ob.Enqueue("c1", "alice", text("third"))
	if !errors.Is(err, ErrLaneFull) {
		t.Fatalf("expected ErrLaneFull, got %v", err)
	}
	if tempID != "" {
		t.Fatalf("rejected enqueue leaked a temp id: %q", tempID)
	}

	entries, err := ob.Entries("c1")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("rejected entry left persisted: %+v", entries)
	}

	close(tr.release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return commits == 2
	}, 2*time.Second, 5*time.Millisecond)
}

// TestPerConversationOrder verifies entries within one conversation commit
// in enqueue order even with retries in between.
func TestPerConversationOrder(t *testing.T) {
	h := newHarness(t)
	// first send fails twice before succeeding; later sends must still wait
	h.lb.FailNext(2, errors.Wrap(errs.ErrTransportFailure, "flaky"))

	var temps []string
	for _, body := range []string{"first", "second", "third"} {
		id, err := h.ob.Enqueue("c1", "alice", text(body))
		if err != nil {
			t.Fatalf("Enqueue %s: %v", body, err)
		}
		temps = append(temps, id)
	}

	require.Eventually(t, func() bool { return len(h.committed()) == 3 }, 3*time.Second, 5*time.Millisecond)

	got := h.committed()
	for i, e := range got {
		if e.TempID != temps[i] {
			t.Fatalf("commit order broken at %d: got %s want %s", i, e.TempID, temps[i])
		}
	}
}

// TestRestoreRequeues verifies persisted entries survive a restart: queued
// and mid-send entries dispatch again, failed entries stay parked.
func TestRestoreRequeues(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()

	// simulate a crashed process: entries persisted directly, no dispatcher
	write := func(e models.OutboxEntry) {
		ob := New(st, transport.NewLoopback(), func(models.OutboxEntry, transport.Ack) error { return nil }, nil, testConfig())
		if err := ob.persist(e); err != nil {
			t.Fatalf("persist: %v", err)
		}
		ob.Close()
	}
	write(models.OutboxEntry{TempID: "t1", Conversation: "c1", Sender: "alice", Content: text("a"), State: models.OutboxQueued, EnqSeq: 1})
	write(models.OutboxEntry{TempID: "t2", Conversation: "c1", Sender: "alice", Content: text("b"), State: models.OutboxSending, EnqSeq: 2})
	write(models.OutboxEntry{TempID: "t3", Conversation: "c1", Sender: "alice", Content: text("c"), State: models.OutboxFailed, Attempts: 3, EnqSeq: 3})

	h := &harness{st: st, lb: transport.NewLoopback()}
	h.ob = New(st, h.lb, func(entry models.OutboxEntry, ack transport.Ack) error {
		h.mu.Lock()
		h.commits = append(h.commits, entry)
		h.mu.Unlock()
		return h.ob.Acknowledge(entry.TempID, &models.Message{ID: ack.MessageID})
	}, nil, testConfig())
	defer h.ob.Close()

	if err := h.ob.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	require.Eventually(t, func() bool { return len(h.committed()) == 2 }, 2*time.Second, 5*time.Millisecond)

	entries, err := h.ob.Entries("c1")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || entries[0].TempID != "t3" || entries[0].State != models.OutboxFailed {
		t.Fatalf("failed entry should stay parked: %+v", entries)
	}
}

// Package outbox buffers locally-authored messages until the transport
// acknowledges them, with bounded retry and per-conversation ordering.
package outbox

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"

	"suchak/pkg/errs"
	"suchak/pkg/logger"
	"suchak/pkg/models"
	"suchak/pkg/store"
	"suchak/pkg/telemetry"
	"suchak/pkg/transport"
	"suchak/pkg/utils"
)

// CommitFunc is invoked on the dispatch goroutine when the transport
// acknowledges an entry. The engine commits the message to the store and
// calls Acknowledge from inside it.
type CommitFunc func(entry models.OutboxEntry, ack transport.Ack) error

// NotifyFunc observes entry lifecycle changes (queued, sending, failed,
// acknowledged, cancelled) so the index can keep chat-list previews
// current.
type NotifyFunc func(entry models.OutboxEntry)

// Config bounds the retry policy.
type Config struct {
	MaxAttempts    int           // entries fail after this many send attempts
	InitialBackoff time.Duration // first retry delay (jittered)
	MaxBackoff     time.Duration // delay cap
	LaneCapacity   int           // buffered sends per conversation
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.LaneCapacity <= 0 {
		c.LaneCapacity = 1024
	}
}

// ErrLaneFull is returned by Enqueue when a conversation has too many
// unacknowledged sends buffered.
var ErrLaneFull = errors.New("outbox lane full")

// Outbox persists entries under "outbox:entry:<conv>:<tempID>" (temp ids
// are time-ordered, so a prefix scan is enqueue order) and dispatches one
// lane goroutine per conversation. A retrying entry blocks only its own
// conversation's lane.
type Outbox struct {
	st     *store.Store
	tr     transport.Transport
	commit CommitFunc
	notify NotifyFunc
	cfg    Config

	mu     sync.Mutex
	lanes  map[string]chan string
	closed bool

	stop   chan struct{}
	wg     sync.WaitGroup
	enqSeq uint64
}

// New builds an Outbox. commit must be non-nil; notify may be nil.
func New(st *store.Store, tr transport.Transport, commit CommitFunc, notify NotifyFunc, cfg Config) *Outbox {
	cfg.defaults()
	if notify == nil {
		notify = func(models.OutboxEntry) {}
	}
	return &Outbox{
		st:     st,
		tr:     tr,
		commit: commit,
		notify: notify,
		cfg:    cfg,
		lanes:  make(map[string]chan string),
		stop:   make(chan struct{}),
	}
}

func entryKey(convID, tempID string) string { return "outbox:entry:" + convID + ":" + tempID }
func entryPrefix(convID string) string      { return "outbox:entry:" + convID + ":" }
func mapKey(tempID string) string           { return "outbox:map:" + tempID }

// MapKeyPrefix is the key space holding acknowledged temp -> permanent id
// mappings; retention prunes old entries from it.
const MapKeyPrefix = "outbox:map:"

// AckRef is the value stored under an outbox:map key.
type AckRef struct {
	MessageID string `json:"message_id"`
	AckedTS   int64  `json:"acked_ts"`
}

// Enqueue accepts a user send and returns the placeholder temp id
// immediately. The entry is persisted before dispatch so it survives a
// restart.
func (o *Outbox) Enqueue(convID, senderID string, content models.Content) (string, error) {
	entry := models.OutboxEntry{
		TempID:       utils.GenTempID(),
		Conversation: convID,
		Sender:       senderID,
		Content:      content,
		State:        models.OutboxQueued,
		CreatedTS:    time.Now().UTC().UnixNano(),
		EnqSeq:       atomic.AddUint64(&o.enqSeq, 1),
	}
	if err := o.persist(entry); err != nil {
		return "", errors.Wrap(err, "persist outbox entry")
	}
	telemetry.OutboxDepth.Inc()
	o.notify(entry)
	if err := o.push(convID, entry.TempID); err != nil {
		// the lane cannot take the entry; roll the persisted record back so
		// the send is rejected outright instead of parking until a restart
		if derr := o.st.DeleteKey(entryKey(convID, entry.TempID)); derr != nil {
			logger.Error("outbox_rollback_failed", "temp_id", entry.TempID, "err", derr)
		}
		telemetry.OutboxDepth.Dec()
		entry.State = models.OutboxCancelled
		o.notify(entry)
		return "", err
	}
	logger.Debug("outbox_enqueued", "conversation", convID, "temp_id", entry.TempID)
	return entry.TempID, nil
}

// Acknowledge removes the entry and records the temp -> permanent id
// mapping. Safe to call repeatedly; duplicate acknowledgments are no-ops.
func (o *Outbox) Acknowledge(tempID string, committed *models.Message) error {
	entry, ok, err := o.load(tempID)
	if err != nil {
		return err
	}
	if !ok {
		return nil // already acknowledged or cancelled
	}
	ref, _ := json.Marshal(AckRef{MessageID: committed.ID, AckedTS: time.Now().UTC().UnixNano()})
	if err := o.st.SaveKey(mapKey(tempID), ref); err != nil {
		return err
	}
	if err := o.st.DeleteKey(entryKey(entry.Conversation, tempID)); err != nil {
		return err
	}
	telemetry.OutboxDepth.Dec()
	entry.State = models.OutboxAcknowledged
	o.notify(entry)
	logger.Debug("outbox_acknowledged", "temp_id", tempID, "message_id", committed.ID)
	return nil
}

// Resolve maps a temp id to the permanent message id it committed under.
func (o *Outbox) Resolve(tempID string) (string, bool) {
	v, err := o.st.GetKey(mapKey(tempID))
	if err != nil {
		return "", false
	}
	var ref AckRef
	if json.Unmarshal(v, &ref) != nil {
		return "", false
	}
	return ref.MessageID, ref.MessageID != ""
}

// Retry re-queues a failed entry with a fresh attempt budget.
func (o *Outbox) Retry(tempID string) error {
	entry, ok, err := o.load(tempID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(errs.ErrNotFound, "outbox entry %s", tempID)
	}
	if entry.State != models.OutboxFailed {
		return errors.Errorf("outbox entry %s is %s, only failed entries can be retried", tempID, entry.State)
	}
	entry.State = models.OutboxQueued
	entry.Attempts = 0
	entry.NextRetryTS = 0
	entry.LastError = ""
	if err := o.persist(entry); err != nil {
		return err
	}
	o.notify(entry)
	return o.push(entry.Conversation, tempID)
}

// Cancel drops an unacknowledged entry. If the transport already sent the
// payload the message may still arrive remotely; cancellation only stops
// local retries. Returns false if the entry no longer exists.
func (o *Outbox) Cancel(tempID string) (bool, error) {
	entry, ok, err := o.load(tempID)
	if err != nil || !ok {
		return false, err
	}
	if err := o.st.DeleteKey(entryKey(entry.Conversation, tempID)); err != nil {
		return false, err
	}
	telemetry.OutboxDepth.Dec()
	entry.State = models.OutboxCancelled
	o.notify(entry)
	logger.Info("outbox_cancelled", "temp_id", tempID)
	return true, nil
}

// Entries returns the pending entries for a conversation in enqueue order.
func (o *Outbox) Entries(convID string) ([]models.OutboxEntry, error) {
	var out []models.OutboxEntry
	err := o.st.ScanPrefix(entryPrefix(convID), func(_ string, val []byte) (bool, error) {
		var e models.OutboxEntry
		if uerr := json.Unmarshal(val, &e); uerr != nil {
			return false, uerr
		}
		out = append(out, e)
		return true, nil
	})
	return out, err
}

// Restore re-queues persisted entries after a restart: entries caught
// mid-send go back to queued, failed entries stay failed awaiting a manual
// retry.
func (o *Outbox) Restore() error {
	var depth int
	err := o.st.ScanPrefix("outbox:entry:", func(_ string, val []byte) (bool, error) {
		var e models.OutboxEntry
		if uerr := json.Unmarshal(val, &e); uerr != nil {
			return false, uerr
		}
		depth++
		if e.State == models.OutboxSending {
			e.State = models.OutboxQueued
			if perr := o.persist(e); perr != nil {
				return false, perr
			}
		}
		o.notify(e)
		if e.State == models.OutboxQueued {
			if perr := o.push(e.Conversation, e.TempID); perr != nil {
				return false, perr
			}
		}
		return true, nil
	})
	telemetry.OutboxDepth.Set(float64(depth))
	if depth > 0 {
		logger.Info("outbox_restored", "entries", depth)
	}
	return err
}

// Close stops all lanes and waits for in-flight dispatches to settle.
func (o *Outbox) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()
	close(o.stop)
	o.wg.Wait()
}

func (o *Outbox) persist(entry models.OutboxEntry) error {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	if err := json.NewEncoder(bb).Encode(entry); err != nil {
		return err
	}
	return o.st.SaveKey(entryKey(entry.Conversation, entry.TempID), bb.Bytes())
}

func (o *Outbox) load(tempID string) (models.OutboxEntry, bool, error) {
	var entry models.OutboxEntry
	var found bool
	err := o.st.ScanPrefix("outbox:entry:", func(key string, val []byte) (bool, error) {
		var e models.OutboxEntry
		if uerr := json.Unmarshal(val, &e); uerr != nil {
			return false, uerr
		}
		if e.TempID == tempID {
			entry = e
			found = true
			return false, nil
		}
		return true, nil
	})
	return entry, found, err
}

func (o *Outbox) push(convID, tempID string) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return errors.New("outbox closed")
	}
	ch, ok := o.lanes[convID]
	if !ok {
		ch = make(chan string, o.cfg.LaneCapacity)
		o.lanes[convID] = ch
		o.wg.Add(1)
		go o.runLane(convID, ch)
	}
	o.mu.Unlock()

	select {
	case ch <- tempID:
		return nil
	default:
		return ErrLaneFull
	}
}

// runLane dispatches a conversation's entries strictly in enqueue order.
func (o *Outbox) runLane(convID string, ch <-chan string) {
	defer o.wg.Done()
	for {
		select {
		case tempID := <-ch:
			o.dispatch(convID, tempID)
		case <-o.stop:
			return
		}
	}
}

func (o *Outbox) dispatch(convID, tempID string) {
	entry, ok, err := o.load(tempID)
	if err != nil {
		logger.Error("outbox_load_failed", "temp_id", tempID, "err", err)
		return
	}
	if !ok || entry.State == models.OutboxFailed {
		// cancelled while queued, or re-marked failed; nothing to do
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.cfg.InitialBackoff
	bo.MaxInterval = o.cfg.MaxBackoff
	bo.MaxElapsedTime = 0 // attempts are bounded by count, not wall time
	bo.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-o.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		// re-check existence each attempt so a cancel between retries wins
		cur, exists, lerr := o.load(tempID)
		if lerr != nil || !exists || cur.State == models.OutboxFailed {
			return
		}
		entry = cur
		entry.State = models.OutboxSending
		entry.Attempts++
		if entry.Attempts > 1 {
			telemetry.OutboxRetries.Inc()
		}
		if perr := o.persist(entry); perr != nil {
			logger.Error("outbox_persist_failed", "temp_id", tempID, "err", perr)
			return
		}
		o.notify(entry)

		ack, serr := o.tr.Send(ctx, transport.Envelope{
			TempID:       entry.TempID,
			Conversation: entry.Conversation,
			Sender:       entry.Sender,
			Content:      entry.Content,
			TS:           entry.CreatedTS,
		})
		if serr == nil {
			if cerr := o.commit(entry, ack); cerr != nil {
				logger.Error("outbox_commit_failed", "temp_id", tempID, "err", cerr)
			}
			return
		}

		if errors.Is(serr, errs.ErrPermanentFailure) || errors.Is(serr, context.Canceled) {
			o.fail(entry, serr)
			return
		}
		if entry.Attempts >= o.cfg.MaxAttempts {
			o.fail(entry, serr)
			return
		}

		wait := bo.NextBackOff()
		entry.State = models.OutboxQueued
		entry.NextRetryTS = time.Now().Add(wait).UTC().UnixNano()
		entry.LastError = serr.Error()
		if perr := o.persist(entry); perr != nil {
			logger.Error("outbox_persist_failed", "temp_id", tempID, "err", perr)
			return
		}
		o.notify(entry)
		logger.Debug("outbox_retry_scheduled", "temp_id", tempID, "attempt", entry.Attempts, "wait", wait)

		select {
		case <-time.After(wait):
		case <-o.stop:
			return
		}
	}
}

func (o *Outbox) fail(entry models.OutboxEntry, cause error) {
	entry.State = models.OutboxFailed
	entry.LastError = cause.Error()
	if perr := o.persist(entry); perr != nil {
		logger.Error("outbox_persist_failed", "temp_id", entry.TempID, "err", perr)
		return
	}
	telemetry.OutboxFailed.Inc()
	o.notify(entry)
	logger.Warn("outbox_entry_failed", "temp_id", entry.TempID, "attempts", entry.Attempts, "err", cause)
}

// Package engine composes the message store, delivery tracker, outbox and
// conversation index into the conversation core consumed by the API layer.
// Everything is constructed explicitly; no package-level state, so multiple
// engines can coexist in one process.
package engine

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"suchak/pkg/delivery"
	"suchak/pkg/errs"
	"suchak/pkg/index"
	"suchak/pkg/models"
	"suchak/pkg/outbox"
	"suchak/pkg/store"
	"suchak/pkg/transport"
	"suchak/pkg/utils"
	"suchak/pkg/validation"
)

// Options configures a new Engine.
type Options struct {
	Store     *store.Store
	Transport transport.Transport
	// LocalID identifies this device's participant; unread counts and
	// permission checks are relative to it.
	LocalID string
	Outbox  outbox.Config
}

// Engine is the conversation core facade.
type Engine struct {
	st      *store.Store
	tracker *delivery.Tracker
	ob      *outbox.Outbox
	ix      *index.Index
	tr      transport.Transport
	localID string
}

// New wires the engine: the outbox commits acknowledged sends back through
// the store, the index observes commits and outbox changes, and the engine
// subscribes to inbound transport events. Persisted outbox entries are
// restored before return.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil || !opts.Store.Ready() {
		return nil, fmt.Errorf("engine requires an open store")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("engine requires a transport")
	}
	if opts.LocalID == "" {
		return nil, fmt.Errorf("engine requires a local participant id")
	}
	e := &Engine{
		st:      opts.Store,
		tr:      opts.Transport,
		localID: opts.LocalID,
		ix:      index.New(opts.LocalID),
		tracker: delivery.New(opts.Store),
	}
	e.ob = outbox.New(opts.Store, opts.Transport, e.commitLocal, e.ix.OnOutboxUpdate, opts.Outbox)
	if err := e.ix.Rebuild(opts.Store); err != nil {
		return nil, errors.Wrap(err, "rebuild index")
	}
	opts.Transport.Subscribe(e)
	if err := e.ob.Restore(); err != nil {
		return nil, errors.Wrap(err, "restore outbox")
	}
	return e, nil
}

// Close stops the outbox dispatchers. The store is owned by the caller.
func (e *Engine) Close() { e.ob.Close() }

// LocalID returns the participant this engine acts as.
func (e *Engine) LocalID() string { return e.localID }

// --- write API -------------------------------------------------------------

// SendMessage validates and enqueues a user send, returning the temp id
// for immediate display as a pending message.
func (e *Engine) SendMessage(convID string, content models.Content) (string, error) {
	if err := validation.ValidateContent(content); err != nil {
		return "", err
	}
	conv, err := e.st.GetConversation(convID)
	if err != nil {
		return "", err
	}
	if !conv.HasParticipant(e.localID) {
		return "", errors.Wrapf(errs.ErrForbidden, "sender %s is not in conversation %s", e.localID, convID)
	}
	return e.ob.Enqueue(convID, e.localID, content)
}

// CreateConversation registers a new conversation including the local
// participant. Drafts may start with only the local participant.
func (e *Engine) CreateConversation(title string, participants []string, isGroup, isDraft bool) (models.Conversation, error) {
	set := append([]string(nil), participants...)
	found := false
	for _, p := range set {
		if p == e.localID {
			found = true
			break
		}
	}
	if !found {
		set = append(set, e.localID)
	}
	c := models.Conversation{
		ID:           utils.GenConversationID(),
		Title:        title,
		Participants: set,
		IsGroup:      isGroup,
		IsDraft:      isDraft,
		CreatedTS:    time.Now().UTC().UnixNano(),
	}
	if err := validation.ValidateConversation(c); err != nil {
		return models.Conversation{}, err
	}
	if err := e.st.PutConversation(c); err != nil {
		return models.Conversation{}, err
	}
	e.ix.OnConversationCreated(c)
	return c, nil
}

// SetFavorite toggles the favourites flag on a conversation.
func (e *Engine) SetFavorite(convID string, favorite bool) error {
	conv, err := e.st.GetConversation(convID)
	if err != nil {
		return err
	}
	conv.IsFavorite = favorite
	if err := e.st.PutConversation(conv); err != nil {
		return err
	}
	e.ix.OnConversationCreated(conv)
	return nil
}

// MarkRead records that the local participant has read the conversation up
// to uptoSeq and recounts the unread messages left above the watermark.
// The watermark is what a receipt-capable transport reads to emit read
// receipts upstream.
func (e *Engine) MarkRead(convID string, uptoSeq uint64) error {
	if _, err := e.st.GetConversation(convID); err != nil {
		return err
	}
	if err := e.st.SetLastRead(convID, e.localID, uptoSeq); err != nil {
		return err
	}
	// the watermark is monotonic, so re-read it rather than trusting uptoSeq
	watermark, err := e.st.GetLastRead(convID, e.localID)
	if err != nil {
		return err
	}
	msgs, err := e.st.Get(convID, watermark, 0)
	if err != nil {
		return err
	}
	unread := 0
	for i := range msgs {
		if msgs[i].Sender != e.localID {
			unread++
		}
	}
	e.ix.OnRead(convID, unread)
	return nil
}

// FocusConversation marks the conversation open on screen: unread resets
// and the last-read watermark advances to the newest committed sequence.
func (e *Engine) FocusConversation(convID string) error {
	if convID == "" {
		e.ix.OnConversationFocused("")
		return nil
	}
	if _, err := e.st.GetConversation(convID); err != nil {
		return err
	}
	seq := e.ix.OnConversationFocused(convID)
	if seq == 0 {
		return nil
	}
	return e.st.SetLastRead(convID, e.localID, seq)
}

// EditMessage replaces the content of a message authored by the local
// participant.
func (e *Engine) EditMessage(msgID string, content models.Content) (models.Message, error) {
	if err := validation.ValidateContent(content); err != nil {
		return models.Message{}, err
	}
	m, err := e.st.EditContent(msgID, content, e.localID)
	if err != nil {
		return models.Message{}, err
	}
	e.ix.OnMessageUpdated(m)
	return m, nil
}

// DeleteMessage tombstones a message authored by the local participant.
func (e *Engine) DeleteMessage(msgID string) error {
	if err := e.st.DeleteMessage(msgID, e.localID); err != nil {
		return err
	}
	if m, gerr := e.st.GetMessage(msgID); gerr == nil {
		e.ix.OnMessageUpdated(m)
	}
	return nil
}

// AddReaction records the local participant's reaction (idempotent).
func (e *Engine) AddReaction(msgID, emoji string) (models.Message, error) {
	m, err := e.st.AddReaction(msgID, e.localID, emoji)
	if err == nil {
		e.ix.OnMessageUpdated(m)
	}
	return m, err
}

// RemoveReaction removes the local participant's reaction (idempotent).
func (e *Engine) RemoveReaction(msgID, emoji string) (models.Message, error) {
	m, err := e.st.RemoveReaction(msgID, e.localID, emoji)
	if err == nil {
		e.ix.OnMessageUpdated(m)
	}
	return m, err
}

// RetryFailed resets a failed outbox entry for another round of delivery
// attempts.
func (e *Engine) RetryFailed(tempID string) error { return e.ob.Retry(tempID) }

// CancelPending drops an unacknowledged outbox entry. If the transport
// already carried the payload the message may still arrive remotely.
func (e *Engine) CancelPending(tempID string) (bool, error) { return e.ob.Cancel(tempID) }

// --- read API --------------------------------------------------------------

// ListConversations returns chat-list summaries for the filter, newest
// activity first. Served from the index; never blocks on I/O beyond memory.
func (e *Engine) ListConversations(f index.Filter) []index.Summary { return e.ix.List(f) }

// GetMessages returns committed messages with sequence > sinceSeq.
func (e *Engine) GetMessages(convID string, sinceSeq uint64, limit int) ([]models.Message, error) {
	return e.st.Get(convID, sinceSeq, limit)
}

// GetMessage returns one committed message by permanent id.
func (e *Engine) GetMessage(msgID string) (models.Message, error) {
	return e.st.GetMessage(msgID)
}

// ListVersions returns prior content versions of an edited message, oldest
// first.
func (e *Engine) ListVersions(msgID string) ([]models.Message, error) {
	return e.st.ListVersions(msgID)
}

// PendingMessages returns the conversation's unacknowledged outbox entries
// in enqueue order, for rendering after the committed tail.
func (e *Engine) PendingMessages(convID string) ([]models.OutboxEntry, error) {
	return e.ob.Entries(convID)
}

// MessageStatus returns the sender-facing aggregate state plus the
// per-recipient records behind it.
func (e *Engine) MessageStatus(msgID string) (models.DeliveryState, []models.DeliveryRecord, error) {
	agg, err := e.tracker.AggregateStatus(msgID)
	if err != nil {
		return "", nil, err
	}
	recs, err := e.tracker.Records(msgID)
	return agg, recs, err
}

// ResolveTempID maps an acknowledged temp id to its permanent message id.
func (e *Engine) ResolveTempID(tempID string) (string, bool) { return e.ob.Resolve(tempID) }

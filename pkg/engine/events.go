package engine

import (
	stderrors "errors"
	"time"

	"github.com/pkg/errors"

	"suchak/pkg/errs"
	"suchak/pkg/logger"
	"suchak/pkg/models"
	"suchak/pkg/transport"
)

// commitLocal runs on the outbox dispatch goroutine once the transport has
// acknowledged an entry: the message commits under its permanent id, the
// tracker seeds per-recipient records, and the outbox entry is retired.
func (e *Engine) commitLocal(entry models.OutboxEntry, ack transport.Ack) error {
	msgID := ack.MessageID
	if msgID == "" {
		// transport gave no id; the temp id is globally unique and stable,
		// so reuse it as the permanent id
		msgID = entry.TempID
	}
	msg := models.Message{
		ID:           msgID,
		Conversation: entry.Conversation,
		Sender:       entry.Sender,
		TS:           entry.CreatedTS,
		Content:      entry.Content,
	}
	_, err := e.st.Append(&msg)
	switch {
	case err == nil:
	case stderrors.Is(err, errs.ErrDuplicateMessage):
		// duplicate ack for an already-committed send
		if existing, gerr := e.st.GetMessage(msgID); gerr == nil {
			msg = existing
		}
	default:
		return errors.Wrapf(err, "commit send %s", entry.TempID)
	}

	if conv, cerr := e.st.GetConversation(entry.Conversation); cerr == nil {
		recipients := conv.Recipients(entry.Sender)
		if terr := e.tracker.Init(&msg, recipients); terr != nil {
			logger.Error("delivery_init_failed", "message", msg.ID, "err", terr)
		}
		for _, r := range recipients {
			if terr := e.tracker.MarkState(msg.ID, r, models.StateSent); terr != nil &&
				!stderrors.Is(terr, errs.ErrInvalidTransition) {
				logger.Error("delivery_mark_sent_failed", "message", msg.ID, "recipient", r, "err", terr)
			}
		}
	}

	e.ix.OnMessageCommitted(msg)
	return e.ob.Acknowledge(entry.TempID, &msg)
}

// HandleIncoming implements transport.Handler for messages originated by
// other participants or this user's other devices. Duplicate deliveries
// are absorbed; the conversation is created on first contact.
func (e *Engine) HandleIncoming(msg models.Message) {
	if msg.ID == "" || msg.Conversation == "" || msg.Sender == "" {
		logger.Warn("incoming_message_invalid", "id", msg.ID, "conversation", msg.Conversation)
		return
	}
	if _, err := e.st.GetConversation(msg.Conversation); stderrors.Is(err, errs.ErrNotFound) {
		c := models.Conversation{
			ID:           msg.Conversation,
			Participants: []string{e.localID, msg.Sender},
			CreatedTS:    time.Now().UTC().UnixNano(),
		}
		if msg.Sender == e.localID {
			// first sight of our own message from another device; peer set
			// unknown until metadata sync, keep a draft shell
			c.Participants = []string{e.localID}
			c.IsDraft = true
		}
		if perr := e.st.PutConversation(c); perr != nil {
			logger.Error("incoming_conversation_create_failed", "conversation", msg.Conversation, "err", perr)
			return
		}
		e.ix.OnConversationCreated(c)
	}

	msg.Seq = 0 // sequence is assigned locally at commit, never trusted
	if _, err := e.st.Append(&msg); err != nil {
		if stderrors.Is(err, errs.ErrDuplicateMessage) {
			return
		}
		logger.Error("incoming_append_failed", "id", msg.ID, "err", err)
		return
	}
	e.ix.OnMessageCommitted(msg)
}

// HandleDeliveryUpdate implements transport.Handler for receipt events.
// Regressions are rejected by the tracker and logged; they indicate
// out-of-order receipt delivery, not local state damage.
func (e *Engine) HandleDeliveryUpdate(msgID, recipientID string, state models.DeliveryState) {
	err := e.tracker.MarkState(msgID, recipientID, state)
	switch {
	case err == nil:
	case stderrors.Is(err, errs.ErrInvalidTransition):
		logger.Warn("delivery_update_regression", "message", msgID, "recipient", recipientID, "state", state)
	case stderrors.Is(err, errs.ErrNotFound):
		logger.Warn("delivery_update_unknown_message", "message", msgID, "recipient", recipientID)
	default:
		logger.Error("delivery_update_failed", "message", msgID, "err", err)
	}
}

// HandleReadReceipt implements transport.Handler for ranged receipts: the
// recipient read everything up to uptoSeq, so every covered record they
// hold advances to read in one pass.
func (e *Engine) HandleReadReceipt(convID, recipientID string, uptoSeq uint64) {
	if err := e.tracker.MarkConversationRead(convID, recipientID, uptoSeq); err != nil {
		logger.Error("read_receipt_failed", "conversation", convID, "recipient", recipientID, "err", err)
	}
}

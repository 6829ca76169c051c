// Package delivery tracks per-recipient delivery and read progress for
// committed messages.
//
// Policy: transitions may skip forward (sent -> read) when the transport
// cannot distinguish delivered from read; this is deployment-dependent and
// accepted here explicitly. Regressions always fail.
package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"suchak/pkg/errs"
	"suchak/pkg/logger"
	"suchak/pkg/models"
	"suchak/pkg/store"
	"suchak/pkg/telemetry"
)

// Tracker persists delivery records through the store under the
// "delivery:" namespace and serializes updates per conversation with the
// store's writer lock.
type Tracker struct {
	st *store.Store
}

// New builds a Tracker over the given store.
func New(st *store.Store) *Tracker { return &Tracker{st: st} }

func recordKey(msgID, recipientID string) string {
	return "delivery:" + msgID + ":" + recipientID
}

func recordPrefix(msgID string) string {
	return "delivery:" + msgID + ":"
}

// Init seeds pending records for every recipient of a freshly committed
// message. Existing records are left untouched (re-commit of a duplicate).
func (t *Tracker) Init(msg *models.Message, recipients []string) error {
	return t.st.WithConversationLock(msg.Conversation, func() error {
		now := time.Now().UTC().UnixNano()
		for _, r := range recipients {
			key := recordKey(msg.ID, r)
			if _, err := t.st.GetKey(key); err == nil {
				continue
			}
			rec := models.DeliveryRecord{MessageID: msg.ID, Recipient: r, State: models.StatePending, UpdatedTS: now}
			data, _ := json.Marshal(rec)
			if err := t.st.SaveKey(key, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkState records a recipient's new delivery state. Equal-state updates
// are absorbed as no-ops; regressions fail with errs.ErrInvalidTransition;
// unknown messages fail with errs.ErrNotFound.
func (t *Tracker) MarkState(msgID, recipientID string, state models.DeliveryState) error {
	if !state.Valid() {
		return fmt.Errorf("unknown delivery state %q", state)
	}
	msg, err := t.st.GetMessage(msgID)
	if err != nil {
		return err
	}
	return t.st.WithConversationLock(msg.Conversation, func() error {
		key := recordKey(msgID, recipientID)
		cur := models.DeliveryRecord{MessageID: msgID, Recipient: recipientID, State: models.StatePending}
		if v, gerr := t.st.GetKey(key); gerr == nil {
			if uerr := json.Unmarshal(v, &cur); uerr != nil {
				return fmt.Errorf("invalid delivery record %s: %w", key, uerr)
			}
		}
		switch {
		case state.Rank() < cur.State.Rank():
			return fmt.Errorf("%s -> %s for message %s recipient %s: %w",
				cur.State, state, msgID, recipientID, errs.ErrInvalidTransition)
		case state.Rank() == cur.State.Rank():
			return nil
		}
		cur.State = state
		cur.UpdatedTS = time.Now().UTC().UnixNano()
		data, _ := json.Marshal(cur)
		if serr := t.st.SaveKey(key, data); serr != nil {
			return serr
		}
		telemetry.DeliveryTransitions.WithLabelValues(string(state)).Inc()
		logger.Debug("delivery_marked", "message", msgID, "recipient", recipientID, "state", state)
		return nil
	})
}

// Records returns all delivery records for a message.
func (t *Tracker) Records(msgID string) ([]models.DeliveryRecord, error) {
	if _, err := t.st.GetMessage(msgID); err != nil {
		return nil, err
	}
	var out []models.DeliveryRecord
	err := t.st.ScanPrefix(recordPrefix(msgID), func(_ string, val []byte) (bool, error) {
		var rec models.DeliveryRecord
		if uerr := json.Unmarshal(val, &rec); uerr != nil {
			return false, uerr
		}
		out = append(out, rec)
		return true, nil
	})
	return out, err
}

// AggregateStatus returns the sender-facing overall state: the minimum
// state across all recipients. A message is read only when everyone read
// it; a recipient stuck at delivered pins the aggregate there. Messages
// with no recipients tracked report pending.
func (t *Tracker) AggregateStatus(msgID string) (models.DeliveryState, error) {
	recs, err := t.Records(msgID)
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return models.StatePending, nil
	}
	min := models.StateRead
	for _, rec := range recs {
		if rec.State.Rank() < min.Rank() {
			min = rec.State
		}
	}
	return min, nil
}

// MarkConversationRead advances every record for the recipient up to and
// including uptoSeq to read. Used when a read receipt covers a whole range.
func (t *Tracker) MarkConversationRead(convID, recipientID string, uptoSeq uint64) error {
	msgs, err := t.st.Get(convID, 0, 0)
	if err != nil {
		return err
	}
	for i := range msgs {
		m := &msgs[i]
		if m.Seq > uptoSeq || m.Sender == recipientID {
			continue
		}
		if merr := t.MarkState(m.ID, recipientID, models.StateRead); merr != nil && !errors.Is(merr, errs.ErrInvalidTransition) {
			return merr
		}
	}
	return nil
}

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/pebble"

	"suchak/pkg/errs"
	"suchak/pkg/logger"
	"suchak/pkg/models"
	"suchak/pkg/telemetry"
)

// Append commits a message, assigning the next sequence number for its
// conversation. The write is atomic: message record, id index and the
// conversation's LastSeq move together. Re-appending an already-seen id is
// a no-op that returns the original sequence together with
// errs.ErrDuplicateMessage, so retries are safe.
func (s *Store) Append(msg *models.Message) (uint64, error) {
	if s.db == nil {
		return 0, errNotOpen
	}
	if msg.ID == "" || msg.Conversation == "" {
		return 0, fmt.Errorf("append requires message id and conversation")
	}

	l := s.convLock(msg.Conversation)
	l.Lock()
	defer l.Unlock()

	// dedupe by global id
	if ref, err := s.getRef(msg.ID); err == nil {
		telemetry.MessagesDuplicate.Inc()
		logger.Debug("append_duplicate", "conversation", msg.Conversation, "id", msg.ID, "seq", ref.Seq)
		return ref.Seq, errs.ErrDuplicateMessage
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return 0, err
	}

	conv, err := s.getConversationRaw(msg.Conversation)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, fmt.Errorf("conversation %s: %w", msg.Conversation, errs.ErrNotFound)
		}
		return 0, err
	}

	seq := conv.LastSeq + 1
	msg.Seq = seq
	conv.LastSeq = seq
	conv.UpdatedTS = time.Now().UTC().UnixNano()
	conv.IsDraft = false

	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal message: %w", err)
	}
	refData, _ := json.Marshal(msgRef{Conversation: msg.Conversation, Seq: seq})
	convData, _ := json.Marshal(conv)

	b := s.db.NewBatch()
	_ = b.Set([]byte(msgKey(msg.Conversation, seq)), data, nil)
	_ = b.Set([]byte(msgIDKey(msg.ID)), refData, nil)
	_ = b.Set([]byte(convMetaKey(msg.Conversation)), convData, nil)
	if err := s.db.Apply(b, pebble.Sync); err != nil {
		logger.Error("append_failed", "conversation", msg.Conversation, "id", msg.ID, "err", err)
		return 0, err
	}
	telemetry.MessagesAppended.Inc()
	logger.Debug("message_committed", "conversation", msg.Conversation, "id", msg.ID, "seq", seq)
	return seq, nil
}

// Get returns committed messages with sequence > sinceSeq in ascending
// order. limit <= 0 returns all remaining; callers resume by passing the
// last sequence they saw.
func (s *Store) Get(convID string, sinceSeq uint64, limit int) ([]models.Message, error) {
	if s.db == nil {
		return nil, errNotOpen
	}
	var out []models.Message
	start := msgKey(convID, sinceSeq+1)
	pfx := []byte(msgPrefix(convID))
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(start),
		UpperBound: prefixUpperBound(pfx),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("invalid stored message at %s: %w", iter.Key(), err)
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

// GetMessage returns the committed message with the given global id.
func (s *Store) GetMessage(msgID string) (models.Message, error) {
	var m models.Message
	ref, err := s.getRef(msgID)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return m, fmt.Errorf("message %s: %w", msgID, errs.ErrNotFound)
		}
		return m, err
	}
	v, err := s.GetKey(msgKey(ref.Conversation, ref.Seq))
	if err != nil {
		return m, fmt.Errorf("message %s: %w", msgID, errs.ErrNotFound)
	}
	if err := json.Unmarshal(v, &m); err != nil {
		return m, fmt.Errorf("invalid stored message %s: %w", msgID, err)
	}
	return m, nil
}

// EditContent replaces a message's content, recording the prior version for
// audit. Only the original sender may edit. Sequence never changes on edit.
func (s *Store) EditContent(msgID string, newContent models.Content, editorID string) (models.Message, error) {
	var out models.Message
	ref, err := s.getRef(msgID)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return out, fmt.Errorf("message %s: %w", msgID, errs.ErrNotFound)
		}
		return out, err
	}
	err = s.WithConversationLock(ref.Conversation, func() error {
		m, gerr := s.GetMessage(msgID)
		if gerr != nil {
			return gerr
		}
		if m.Sender != editorID {
			return fmt.Errorf("edit by %s on message of %s: %w", editorID, m.Sender, errs.ErrForbidden)
		}
		prior, _ := json.Marshal(m)
		now := time.Now().UTC().UnixNano()
		m.Content = newContent
		m.EditedTS = now
		data, merr := json.Marshal(m)
		if merr != nil {
			return merr
		}
		b := s.db.NewBatch()
		_ = b.Set([]byte(versionKey(msgID, now)), prior, nil)
		_ = b.Set([]byte(msgKey(ref.Conversation, ref.Seq)), data, nil)
		if aerr := s.db.Apply(b, pebble.Sync); aerr != nil {
			return aerr
		}
		out = m
		return nil
	})
	if err == nil {
		logger.Debug("message_edited", "id", msgID, "editor", editorID)
	}
	return out, err
}

// DeleteMessage soft-deletes a message: content cleared, Deleted set, prior
// version retained, same sequence.
func (s *Store) DeleteMessage(msgID, requesterID string) error {
	ref, err := s.getRef(msgID)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return fmt.Errorf("message %s: %w", msgID, errs.ErrNotFound)
		}
		return err
	}
	return s.WithConversationLock(ref.Conversation, func() error {
		m, gerr := s.GetMessage(msgID)
		if gerr != nil {
			return gerr
		}
		if m.Sender != requesterID {
			return fmt.Errorf("delete by %s on message of %s: %w", requesterID, m.Sender, errs.ErrForbidden)
		}
		if m.Deleted {
			return nil
		}
		prior, _ := json.Marshal(m)
		now := time.Now().UTC().UnixNano()
		m.Deleted = true
		m.Content = models.Content{}
		m.EditedTS = now
		data, merr := json.Marshal(m)
		if merr != nil {
			return merr
		}
		b := s.db.NewBatch()
		_ = b.Set([]byte(versionKey(msgID, now)), prior, nil)
		_ = b.Set([]byte(msgKey(ref.Conversation, ref.Seq)), data, nil)
		return s.db.Apply(b, pebble.Sync)
	})
}

// AddReaction records user's reaction. Idempotent: reacting twice with the
// same emoji is a no-op.
func (s *Store) AddReaction(msgID, userID, emoji string) (models.Message, error) {
	return s.mutateReactions(msgID, func(m *models.Message) bool {
		if m.HasReaction(emoji, userID) {
			return false
		}
		if m.Reactions == nil {
			m.Reactions = make(map[string][]string)
		}
		users := append(m.Reactions[emoji], userID)
		sort.Strings(users)
		m.Reactions[emoji] = users
		return true
	})
}

// RemoveReaction removes user's reaction. No error if it was never present.
func (s *Store) RemoveReaction(msgID, userID, emoji string) (models.Message, error) {
	return s.mutateReactions(msgID, func(m *models.Message) bool {
		users, ok := m.Reactions[emoji]
		if !ok {
			return false
		}
		kept := users[:0]
		for _, u := range users {
			if u != userID {
				kept = append(kept, u)
			}
		}
		if len(kept) == len(users) {
			return false
		}
		if len(kept) == 0 {
			delete(m.Reactions, emoji)
		} else {
			m.Reactions[emoji] = kept
		}
		return true
	})
}

func (s *Store) mutateReactions(msgID string, mutate func(*models.Message) bool) (models.Message, error) {
	var out models.Message
	ref, err := s.getRef(msgID)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return out, fmt.Errorf("message %s: %w", msgID, errs.ErrNotFound)
		}
		return out, err
	}
	err = s.WithConversationLock(ref.Conversation, func() error {
		m, gerr := s.GetMessage(msgID)
		if gerr != nil {
			return gerr
		}
		if mutate(&m) {
			data, merr := json.Marshal(m)
			if merr != nil {
				return merr
			}
			if serr := s.db.Set([]byte(msgKey(ref.Conversation, ref.Seq)), data, pebble.Sync); serr != nil {
				return serr
			}
		}
		out = m
		return nil
	})
	return out, err
}

// ListVersions returns the retained prior versions of a message in
// chronological order. The current version is not included.
func (s *Store) ListVersions(msgID string) ([]models.Message, error) {
	var out []models.Message
	err := s.ScanPrefix(versionPrefix(msgID), func(_ string, val []byte) (bool, error) {
		var m models.Message
		if uerr := json.Unmarshal(val, &m); uerr != nil {
			return false, uerr
		}
		out = append(out, m)
		return true, nil
	})
	return out, err
}

func (s *Store) getRef(msgID string) (msgRef, error) {
	var ref msgRef
	if s.db == nil {
		return ref, errNotOpen
	}
	v, closer, err := s.db.Get([]byte(msgIDKey(msgID)))
	if err != nil {
		return ref, err
	}
	uerr := json.Unmarshal(v, &ref)
	if closer != nil {
		_ = closer.Close()
	}
	return ref, uerr
}

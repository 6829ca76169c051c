package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"

	"suchak/pkg/errs"
	"suchak/pkg/logger"
	"suchak/pkg/models"
)

// PutConversation creates or updates conversation metadata. LastSeq is owned
// by Append; on update the stored counter always wins over whatever the
// caller passed.
func (s *Store) PutConversation(c models.Conversation) error {
	if s.db == nil {
		return errNotOpen
	}
	if c.ID == "" {
		return fmt.Errorf("conversation id required")
	}
	return s.WithConversationLock(c.ID, func() error {
		now := time.Now().UTC().UnixNano()
		if existing, err := s.getConversationRaw(c.ID); err == nil {
			c.LastSeq = existing.LastSeq
			c.CreatedTS = existing.CreatedTS
		} else if errors.Is(err, pebble.ErrNotFound) {
			c.LastSeq = 0
			if c.CreatedTS == 0 {
				c.CreatedTS = now
			}
		} else {
			return err
		}
		c.UpdatedTS = now
		data, merr := json.Marshal(c)
		if merr != nil {
			return merr
		}
		if err := s.db.Set([]byte(convMetaKey(c.ID)), data, pebble.Sync); err != nil {
			logger.Error("save_conversation_failed", "conversation", c.ID, "err", err)
			return err
		}
		logger.Debug("conversation_saved", "conversation", c.ID, "participants", len(c.Participants))
		return nil
	})
}

// GetConversation returns conversation metadata by id.
func (s *Store) GetConversation(convID string) (models.Conversation, error) {
	c, err := s.getConversationRaw(convID)
	if errors.Is(err, pebble.ErrNotFound) {
		return c, fmt.Errorf("conversation %s: %w", convID, errs.ErrNotFound)
	}
	return c, err
}

func (s *Store) getConversationRaw(convID string) (models.Conversation, error) {
	var c models.Conversation
	if s.db == nil {
		return c, errNotOpen
	}
	v, closer, err := s.db.Get([]byte(convMetaKey(convID)))
	if err != nil {
		return c, err
	}
	uerr := json.Unmarshal(v, &c)
	if closer != nil {
		_ = closer.Close()
	}
	return c, uerr
}

// ListConversations returns all conversation metadata records.
func (s *Store) ListConversations() ([]models.Conversation, error) {
	var out []models.Conversation
	err := s.ScanPrefix("conv:", func(key string, val []byte) (bool, error) {
		if !strings.HasSuffix(key, ":meta") {
			return true, nil
		}
		var c models.Conversation
		if uerr := json.Unmarshal(val, &c); uerr != nil {
			return false, fmt.Errorf("invalid conversation at %s: %w", key, uerr)
		}
		out = append(out, c)
		return true, nil
	})
	return out, err
}

// SetLastRead records the participant's last-read sequence for the
// conversation. Monotonic: a lower value than currently stored is ignored.
func (s *Store) SetLastRead(convID, participantID string, seq uint64) error {
	if s.db == nil {
		return errNotOpen
	}
	return s.WithConversationLock(convID, func() error {
		cur, _ := s.lastReadRaw(convID, participantID)
		if seq <= cur {
			return nil
		}
		return s.db.Set([]byte(readKey(convID, participantID)), []byte(strconv.FormatUint(seq, 10)), pebble.Sync)
	})
}

// GetLastRead returns the participant's last-read sequence, zero if never
// recorded.
func (s *Store) GetLastRead(convID, participantID string) (uint64, error) {
	if s.db == nil {
		return 0, errNotOpen
	}
	return s.lastReadRaw(convID, participantID)
}

func (s *Store) lastReadRaw(convID, participantID string) (uint64, error) {
	v, closer, err := s.db.Get([]byte(readKey(convID, participantID)))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	n, perr := strconv.ParseUint(string(v), 10, 64)
	if closer != nil {
		_ = closer.Close()
	}
	return n, perr
}

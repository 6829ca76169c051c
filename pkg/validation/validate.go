package validation

import (
	"fmt"
	"sync"

	"suchak/pkg/models"
)

// Limits holds configurable validation bounds. Zero values fall back to
// package defaults.
type Limits struct {
	MaxTextLen  int
	MaxFileSize int64
}

var (
	limitsMu sync.RWMutex
	limits   = Limits{MaxTextLen: 64 * 1024, MaxFileSize: 512 * 1024 * 1024}
)

// SetLimits installs validation limits from config at startup.
func SetLimits(l Limits) {
	limitsMu.Lock()
	defer limitsMu.Unlock()
	if l.MaxTextLen > 0 {
		limits.MaxTextLen = l.MaxTextLen
	}
	if l.MaxFileSize > 0 {
		limits.MaxFileSize = l.MaxFileSize
	}
}

func current() Limits {
	limitsMu.RLock()
	defer limitsMu.RUnlock()
	return limits
}

// ValidateContent checks that the tagged union is well-formed: a known type
// tag and the matching payload present.
func ValidateContent(c models.Content) error {
	l := current()
	switch c.Type {
	case models.ContentText:
		if c.Text == "" {
			return fmt.Errorf("text content requires text")
		}
		if len(c.Text) > l.MaxTextLen {
			return fmt.Errorf("text exceeds max length %d", l.MaxTextLen)
		}
	case models.ContentImage:
		if c.Image == nil || c.Image.URL == "" {
			return fmt.Errorf("image content requires image payload with url")
		}
	case models.ContentFile:
		if c.File == nil || c.File.Name == "" {
			return fmt.Errorf("file content requires file payload with name")
		}
		if c.File.Size < 0 || c.File.Size > l.MaxFileSize {
			return fmt.Errorf("file size out of bounds")
		}
	case models.ContentAudio:
		if c.Audio == nil {
			return fmt.Errorf("audio content requires audio payload")
		}
	case models.ContentLink:
		if c.Link == nil || c.Link.URL == "" {
			return fmt.Errorf("link content requires link payload with url")
		}
	case "":
		return fmt.Errorf("missing content type")
	default:
		return fmt.Errorf("unknown content type %q", c.Type)
	}
	return nil
}

// ValidateMessage checks invariants required before a message may be
// committed to the store.
func ValidateMessage(m models.Message) error {
	if m.ID == "" {
		return fmt.Errorf("missing message id")
	}
	if m.Conversation == "" {
		return fmt.Errorf("missing conversation id")
	}
	if m.Sender == "" {
		return fmt.Errorf("missing sender id")
	}
	if m.Deleted {
		// tombstones carry no content
		return nil
	}
	return ValidateContent(m.Content)
}

// ValidateConversation checks conversation metadata before it is saved.
func ValidateConversation(c models.Conversation) error {
	if c.ID == "" {
		return fmt.Errorf("missing conversation id")
	}
	if !c.IsDraft && len(c.Participants) < 2 {
		return fmt.Errorf("conversation requires at least two participants")
	}
	seen := make(map[string]struct{}, len(c.Participants))
	for _, p := range c.Participants {
		if p == "" {
			return fmt.Errorf("empty participant id")
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("duplicate participant %q", p)
		}
		seen[p] = struct{}{}
	}
	return nil
}

package models

// ContentType tags the variant carried in a message Content.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentFile  ContentType = "file"
	ContentAudio ContentType = "audio"
	ContentLink  ContentType = "link"
)

// Content is a tagged union; exactly one payload field matching Type is set.
type Content struct {
	Type  ContentType   `json:"type"`
	Text  string        `json:"text,omitempty"`
	Image *ImagePayload `json:"image,omitempty"`
	File  *FilePayload  `json:"file,omitempty"`
	Audio *AudioPayload `json:"audio,omitempty"`
	Link  *LinkPayload  `json:"link,omitempty"`
}

type ImagePayload struct {
	URL    string `json:"url"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Size   int64  `json:"size,omitempty"`
}

type FilePayload struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Mime string `json:"mime,omitempty"`
	URL  string `json:"url,omitempty"`
}

type AudioPayload struct {
	URL        string `json:"url,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Size       int64  `json:"size,omitempty"`
}

type LinkPayload struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// Message is a committed message as owned by the store.
type Message struct {
	ID           string `json:"id"`
	Conversation string `json:"conversation"`
	Sender       string `json:"sender"`
	// Seq is the per-conversation sequence assigned at commit time. It is
	// the source of truth for display order; TS is sender-supplied and
	// untrusted (display only).
	Seq      uint64  `json:"seq,omitempty"`
	TS       int64   `json:"ts"`
	EditedTS int64   `json:"edited_ts,omitempty"`
	Content  Content `json:"content"`
	// Deleted flag; soft-delete stored as a tombstone at the same sequence.
	Deleted bool `json:"deleted,omitempty"`
	// Reactions maps emoji -> sorted set of participant ids.
	Reactions map[string][]string `json:"reactions,omitempty"`
}

// HasReaction reports whether user already reacted with emoji.
func (m *Message) HasReaction(emoji, user string) bool {
	for _, u := range m.Reactions[emoji] {
		if u == user {
			return true
		}
	}
	return false
}

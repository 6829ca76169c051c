// Package index maintains the derived chat-list view: last message, unread
// count and ordering per conversation. It is a cache over the store, never
// a source of truth, and can be rebuilt at any time.
package index

import (
	"sort"
	"sync"

	"suchak/pkg/logger"
	"suchak/pkg/models"
	"suchak/pkg/store"
	"suchak/pkg/telemetry"
)

// Filter selects the chat-list tab taxonomy from the UI.
type Filter string

const (
	FilterAll       Filter = "all"
	FilterUnread    Filter = "unread"
	FilterFavorites Filter = "favorites"
	FilterGroups    Filter = "groups"
	FilterContacts  Filter = "contacts"
	FilterDrafts    Filter = "drafts"
)

// Summary is the read model for one chat-list row.
type Summary struct {
	Conversation models.Conversation `json:"conversation"`
	LastMessage  *models.Message     `json:"last_message,omitempty"`
	// Pending is the newest unacknowledged outbox entry, shown as the
	// provisional last message while a send is in flight or failed.
	Pending        *models.OutboxEntry `json:"pending,omitempty"`
	Unread         int                 `json:"unread"`
	HasFailed      bool                `json:"has_failed,omitempty"`
	LastActivityTS int64               `json:"last_activity_ts"`
}

// Index holds summaries keyed by conversation id. All methods are safe for
// concurrent use; reads never touch storage.
type Index struct {
	mu      sync.RWMutex
	localID string
	focused string
	sums    map[string]*Summary
}

// New builds an empty index for the given local participant.
func New(localID string) *Index {
	return &Index{localID: localID, sums: make(map[string]*Summary)}
}

// Rebuild recomputes every summary from the store. Used at startup and as
// a recovery path; incremental updates keep it current afterwards.
func (ix *Index) Rebuild(st *store.Store) error {
	convs, err := st.ListConversations()
	if err != nil {
		return err
	}
	sums := make(map[string]*Summary, len(convs))
	for _, c := range convs {
		sum := &Summary{Conversation: c, LastActivityTS: c.UpdatedTS}
		if c.LastSeq > 0 {
			if msgs, gerr := st.Get(c.ID, c.LastSeq-1, 1); gerr == nil && len(msgs) > 0 {
				m := msgs[0]
				sum.LastMessage = &m
			}
			lastRead, _ := st.GetLastRead(c.ID, ix.localID)
			if lastRead < c.LastSeq {
				msgs, gerr := st.Get(c.ID, lastRead, 0)
				if gerr != nil {
					return gerr
				}
				for i := range msgs {
					if msgs[i].Sender != ix.localID {
						sum.Unread++
					}
				}
			}
		}
		sums[c.ID] = sum
	}
	ix.mu.Lock()
	ix.sums = sums
	ix.mu.Unlock()
	telemetry.IndexRebuilds.Inc()
	logger.Debug("index_rebuilt", "conversations", len(convs))
	return nil
}

// OnConversationCreated registers a new conversation row.
func (ix *Index) OnConversationCreated(c models.Conversation) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if sum, ok := ix.sums[c.ID]; ok {
		sum.Conversation = c
		return
	}
	ix.sums[c.ID] = &Summary{Conversation: c, LastActivityTS: c.UpdatedTS}
}

// OnMessageCommitted folds a freshly committed message into the summary.
// Unread grows only for remote senders while the conversation is not
// focused.
func (ix *Index) OnMessageCommitted(msg models.Message) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	sum, ok := ix.sums[msg.Conversation]
	if !ok {
		sum = &Summary{Conversation: models.Conversation{ID: msg.Conversation}}
		ix.sums[msg.Conversation] = sum
	}
	m := msg
	sum.LastMessage = &m
	sum.Conversation.LastSeq = msg.Seq
	sum.Conversation.IsDraft = false
	sum.LastActivityTS = msg.TS
	if msg.Sender != ix.localID && ix.focused != msg.Conversation {
		sum.Unread++
	}
	// an acknowledged send supersedes the provisional preview
	if sum.Pending != nil && msg.Sender == ix.localID {
		sum.Pending = nil
	}
}

// OnMessageUpdated refreshes the preview when the current last message was
// edited, soft-deleted or reacted to. Other messages don't affect the row.
func (ix *Index) OnMessageUpdated(msg models.Message) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	sum, ok := ix.sums[msg.Conversation]
	if !ok || sum.LastMessage == nil || sum.LastMessage.ID != msg.ID {
		return
	}
	m := msg
	sum.LastMessage = &m
}

// OnConversationFocused marks the conversation as open on screen, clears
// its unread count and returns the sequence the local participant has now
// read up to (for read-receipt emission). Pass "" to clear focus.
func (ix *Index) OnConversationFocused(convID string) uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.focused = convID
	if convID == "" {
		return 0
	}
	sum, ok := ix.sums[convID]
	if !ok {
		return 0
	}
	sum.Unread = 0
	return sum.Conversation.LastSeq
}

// OnRead records the unread count left after the last-read watermark
// moved through the mark-read path rather than a focus change.
func (ix *Index) OnRead(convID string, unread int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if sum, ok := ix.sums[convID]; ok {
		sum.Unread = unread
	}
}

// OnOutboxUpdate keeps the provisional last-message preview in sync with
// outbox lifecycle changes. Acknowledged and cancelled entries clear the
// pending preview.
func (ix *Index) OnOutboxUpdate(entry models.OutboxEntry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	sum, ok := ix.sums[entry.Conversation]
	if !ok {
		sum = &Summary{Conversation: models.Conversation{ID: entry.Conversation}}
		ix.sums[entry.Conversation] = sum
	}
	switch entry.State {
	case models.OutboxQueued, models.OutboxSending:
		if sum.Pending == nil || sum.Pending.EnqSeq <= entry.EnqSeq {
			e := entry
			sum.Pending = &e
		}
		if entry.CreatedTS > sum.LastActivityTS {
			sum.LastActivityTS = entry.CreatedTS
		}
	case models.OutboxFailed:
		e := entry
		sum.Pending = &e
		sum.HasFailed = true
	case models.OutboxAcknowledged, models.OutboxCancelled:
		if sum.Pending != nil && sum.Pending.TempID == entry.TempID {
			sum.Pending = nil
		}
		sum.HasFailed = false
	}
}

// Get returns the summary for one conversation.
func (ix *Index) Get(convID string) (Summary, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	sum, ok := ix.sums[convID]
	if !ok {
		return Summary{}, false
	}
	return *sum, true
}

// List returns summaries matching the filter, most recent activity first.
// Pure function over index state; no I/O.
func (ix *Index) List(f Filter) []Summary {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]Summary, 0, len(ix.sums))
	for _, sum := range ix.sums {
		if matches(f, sum) {
			out = append(out, *sum)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivityTS != out[j].LastActivityTS {
			return out[i].LastActivityTS > out[j].LastActivityTS
		}
		return out[i].Conversation.ID < out[j].Conversation.ID
	})
	return out
}

func matches(f Filter, sum *Summary) bool {
	c := sum.Conversation
	switch f {
	case FilterUnread:
		return sum.Unread > 0
	case FilterFavorites:
		return c.IsFavorite
	case FilterGroups:
		return c.IsGroup
	case FilterContacts:
		return !c.IsGroup
	case FilterDrafts:
		return c.IsDraft
	default:
		return true
	}
}

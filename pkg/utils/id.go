package utils

import (
	"fmt"
	"sync/atomic"
	"time"
)

// idSeq disambiguates ids generated within the same nanosecond.
var idSeq uint64

// genSortable produces a time-ordered identifier: zero-padded unix nanos
// plus a small counter, so lexicographic order matches creation order and
// ids stay stable across retries.
func genSortable(prefix string) string {
	ts := time.Now().UTC().UnixNano()
	s := atomic.AddUint64(&idSeq, 1) % 1000000
	return fmt.Sprintf("%s%020d-%06d", prefix, ts, s)
}

// GenMessageID returns a globally unique, monotonically sortable message id.
func GenMessageID() string { return genSortable("m") }

// GenConversationID returns a new conversation id.
func GenConversationID() string { return genSortable("c") }

// GenTempID returns a client-local placeholder id for outbox entries.
func GenTempID() string { return genSortable("t") }

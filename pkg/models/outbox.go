package models

// OutboxState is the lifecycle marker for a locally-authored, not yet
// acknowledged message.
type OutboxState string

const (
	OutboxQueued       OutboxState = "queued"
	OutboxSending      OutboxState = "sending"
	OutboxFailed       OutboxState = "failed"
	OutboxAcknowledged OutboxState = "acknowledged"
	OutboxCancelled    OutboxState = "cancelled"
)

// OutboxEntry buffers a user send until the transport acknowledges it. The
// entry is deleted on acknowledgment; TempID then maps to the committed
// message id for UI reconciliation.
type OutboxEntry struct {
	TempID       string      `json:"temp_id"`
	Conversation string      `json:"conversation"`
	Sender       string      `json:"sender"`
	Content      Content     `json:"content"`
	State        OutboxState `json:"state"`
	Attempts     int         `json:"attempts"`
	NextRetryTS  int64       `json:"next_retry_ts,omitempty"`
	LastError    string      `json:"last_error,omitempty"`
	CreatedTS    int64       `json:"created_ts"`
	// EnqSeq preserves enqueue order for per-conversation dispatch.
	EnqSeq uint64 `json:"enq_seq"`
}

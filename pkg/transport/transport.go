// Package transport defines the external collaborator that carries
// messages off-device. The engine treats send failures as retryable unless
// wrapped with errs.ErrPermanentFailure.
package transport

import (
	"context"

	"suchak/pkg/models"
)

// Envelope is an outgoing, not-yet-committed message submission.
type Envelope struct {
	TempID       string         `json:"temp_id"`
	Conversation string         `json:"conversation"`
	Sender       string         `json:"sender"`
	Content      models.Content `json:"content"`
	TS           int64          `json:"ts"`
}

// Ack is the transport's acknowledgment of a submission. MessageID is the
// permanent, globally unique id the envelope committed under.
type Ack struct {
	MessageID string `json:"message_id"`
	TS        int64  `json:"ts"`
}

// Handler receives inbound transport events.
type Handler interface {
	// HandleIncoming delivers a message originated elsewhere (another
	// participant, or this user's other device).
	HandleIncoming(msg models.Message)
	// HandleDeliveryUpdate delivers a recipient's delivery state change
	// for a message this device sent.
	HandleDeliveryUpdate(msgID, recipientID string, state models.DeliveryState)
	// HandleReadReceipt delivers a ranged receipt: the recipient has read
	// every message in the conversation up to and including uptoSeq.
	HandleReadReceipt(convID, recipientID string, uptoSeq uint64)
}

// Transport sends envelopes and feeds inbound events to subscribers.
type Transport interface {
	Send(ctx context.Context, env Envelope) (Ack, error)
	Subscribe(h Handler)
}

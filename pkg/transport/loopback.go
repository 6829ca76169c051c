package transport

import (
	"context"
	"sync"
	"time"

	"suchak/pkg/models"
	"suchak/pkg/utils"
)

// Loopback is an in-process transport for local development and tests. It
// acknowledges every send with a fresh permanent id and lets callers inject
// inbound events. Failures can be scripted per-send.
type Loopback struct {
	mu       sync.Mutex
	handlers []Handler
	sent     []Envelope

	failRemaining int
	failErr       error
}

// NewLoopback returns an empty loopback transport.
func NewLoopback() *Loopback { return &Loopback{} }

// Send acknowledges the envelope immediately unless a scripted failure is
// pending.
func (l *Loopback) Send(ctx context.Context, env Envelope) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}
	l.mu.Lock()
	if l.failRemaining > 0 {
		l.failRemaining--
		err := l.failErr
		l.mu.Unlock()
		return Ack{}, err
	}
	l.sent = append(l.sent, env)
	l.mu.Unlock()
	return Ack{MessageID: utils.GenMessageID(), TS: time.Now().UTC().UnixNano()}, nil
}

// Subscribe registers a handler for inbound events.
func (l *Loopback) Subscribe(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// FailNext scripts the next n Send calls to return err.
func (l *Loopback) FailNext(n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failRemaining = n
	l.failErr = err
}

// Sent returns a copy of all successfully sent envelopes.
func (l *Loopback) Sent() []Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Envelope(nil), l.sent...)
}

// InjectIncoming fans an inbound message out to subscribers.
func (l *Loopback) InjectIncoming(msg models.Message) {
	for _, h := range l.snapshot() {
		h.HandleIncoming(msg)
	}
}

// InjectDeliveryUpdate fans an inbound delivery update out to subscribers.
func (l *Loopback) InjectDeliveryUpdate(msgID, recipientID string, state models.DeliveryState) {
	for _, h := range l.snapshot() {
		h.HandleDeliveryUpdate(msgID, recipientID, state)
	}
}

// InjectReadReceipt fans a ranged read receipt out to subscribers.
func (l *Loopback) InjectReadReceipt(convID, recipientID string, uptoSeq uint64) {
	for _, h := range l.snapshot() {
		h.HandleReadReceipt(convID, recipientID, uptoSeq)
	}
}

func (l *Loopback) snapshot() []Handler {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Handler(nil), l.handlers...)
}

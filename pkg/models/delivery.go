package models

// DeliveryState is the per-recipient progress marker for a message.
// States order as pending < sent < delivered < read and never regress.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateSent      DeliveryState = "sent"
	StateDelivered DeliveryState = "delivered"
	StateRead      DeliveryState = "read"
)

var stateRank = map[DeliveryState]int{
	StatePending:   0,
	StateSent:      1,
	StateDelivered: 2,
	StateRead:      3,
}

// Rank returns the ordering position of s, or -1 for unknown states.
func (s DeliveryState) Rank() int {
	if r, ok := stateRank[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is one of the four known states.
func (s DeliveryState) Valid() bool { return s.Rank() >= 0 }

// DeliveryRecord tracks one recipient's progress for one message.
type DeliveryRecord struct {
	MessageID string        `json:"message_id"`
	Recipient string        `json:"recipient"`
	State     DeliveryState `json:"state"`
	UpdatedTS int64         `json:"updated_ts"`
}

package domain

import (
	"time"
)

// DeliveryQueueState is the retry state of one destination instance
type DeliveryQueueState struct {
	Destination              string
	LastSuccessfulSequenceID int64
	FailCount                int
	LastRetryAt              *time.Time // set only after a failed attempt
	InFlightSequenceID       *int64     // attempt started but not yet confirmed
	Inactive                 bool
	InactiveReason           string
	UpdatedAt                time.Time
}

// NewDeliveryQueueState returns the state of a destination seen for the first time
func NewDeliveryQueueState(destination string) *DeliveryQueueState {
	return &DeliveryQueueState{
		Destination: destination,
		UpdatedAt:   time.Now(),
	}
}

// SentActivity is an outgoing activity with its origin sequence number
type SentActivity struct {
	Sequence   int64
	ActivityID string
	Actor      string
	Kind       Kind
	Payload    []byte // serialized with context
	CreatedAt  time.Time
}

// PendingDelivery is one sent activity addressed to one destination
type PendingDelivery struct {
	Sequence    int64
	ActivityID  string
	Actor       string
	Destination string
	Inboxes     []string
	Payload     []byte
}

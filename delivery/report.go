package delivery

import (
	"context"
	"sort"
	"time"

	"github.com/deemkeen/federate/domain"
)

// QueueReport is the operator view of one destination
type QueueReport struct {
	Destination              string     `json:"destination"`
	LastSuccessfulSequenceID int64      `json:"last_successful_sequence_id"`
	FailCount                int        `json:"fail_count"`
	LastRetryAt              *time.Time `json:"last_retry_at,omitempty"`
	NextRetry                *time.Time `json:"next_retry,omitempty"`
	InFlightSequenceID       *int64     `json:"in_flight_sequence_id,omitempty"`
	Inactive                 bool       `json:"inactive"`
	InactiveReason           string     `json:"inactive_reason,omitempty"`
}

// Report builds the operator view of states, sorted by destination.
// NextRetry is set only for destinations that are backing off.
func Report(states []domain.DeliveryQueueState, backoff Backoff) []QueueReport {
	out := make([]QueueReport, 0, len(states))
	for _, s := range states {
		out = append(out, QueueReport{
			Destination:              s.Destination,
			LastSuccessfulSequenceID: s.LastSuccessfulSequenceID,
			FailCount:                s.FailCount,
			LastRetryAt:              s.LastRetryAt,
			NextRetry:                backoff.NextRetry(s.FailCount, s.LastRetryAt),
			InFlightSequenceID:       s.InFlightSequenceID,
			Inactive:                 s.Inactive,
			InactiveReason:           s.InactiveReason,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Destination < out[j].Destination
	})
	return out
}

// Report returns the operator view of every known destination
func (m *Manager) Report(ctx context.Context) ([]QueueReport, error) {
	states, err := m.store.ListStates(ctx)
	if err != nil {
		return nil, err
	}
	return Report(states, m.opts.Backoff), nil
}

package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/deemkeen/federate/activitypub"
	"github.com/deemkeen/federate/domain"
	"github.com/deemkeen/federate/metrics"
	"go.uber.org/zap"
)

// Store persists sent activities and the per destination queue state.
// *db.DB implements it.
type Store interface {
	// AppendActivity stores the activity with its inboxes grouped by
	// destination and returns its sequence number
	AppendActivity(ctx context.Context, sent *domain.SentActivity, inboxes map[string][]string) (int64, error)
	// PendingDestinations lists active destinations with undelivered activities
	PendingDestinations(ctx context.Context) ([]string, error)
	// NextDeliveries returns up to limit activities after the given sequence, in order
	NextDeliveries(ctx context.Context, destination string, after int64, limit int) ([]domain.PendingDelivery, error)
	// LoadState returns nil when the destination has no state yet
	LoadState(ctx context.Context, destination string) (*domain.DeliveryQueueState, error)
	SaveState(ctx context.Context, state *domain.DeliveryQueueState) error
	ListStates(ctx context.Context) ([]domain.DeliveryQueueState, error)
	DeleteDestination(ctx context.Context, destination string) error
}

// Preflight decides whether a destination may be contacted. It is consulted
// on enqueue and again before every delivery attempt. *activitypub.Policy
// implements it.
type Preflight interface {
	Enabled() bool
	AllowDomain(domain string) error
}

// Waker is told when new work was queued
type Waker interface {
	Wake()
}

// Queue accepts outgoing activities. Persisting an activity is all it does;
// the Manager's workers deliver it.
type Queue struct {
	store   Store
	policy  Preflight
	waker   Waker
	logger  *zap.Logger
	metrics *metrics.FederationMetrics
}

func NewQueue(store Store, policy Preflight, waker Waker, logger *zap.Logger, m *metrics.FederationMetrics) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Queue{
		store:   store,
		policy:  policy,
		waker:   waker,
		logger:  logger.Named("queue"),
		metrics: m,
	}
}

// Enqueue stores activity for delivery to inboxes and returns its sequence
// number. Inboxes on blocked domains are dropped. When none are left nothing
// is stored and an error wrapping activitypub.ErrDestinationBlocked is
// returned.
func (q *Queue) Enqueue(ctx context.Context, activity *domain.Activity, inboxes []string) (int64, error) {
	if !q.policy.Enabled() {
		return 0, activitypub.ErrFederationDisabled
	}

	byDestination := make(map[string][]string)
	seen := make(map[string]struct{}, len(inboxes))
	for _, inbox := range inboxes {
		if _, ok := seen[inbox]; ok {
			continue
		}
		seen[inbox] = struct{}{}

		dest, err := activitypub.DomainOf(inbox)
		if err != nil {
			q.logger.Warn("dropping invalid inbox", zap.String("inbox", inbox), zap.Error(err))
			continue
		}
		if err := q.policy.AllowDomain(dest); err != nil {
			q.metrics.InboxesBlocked.Inc()
			q.logger.Info("dropping inbox of blocked destination",
				zap.String("activity", activity.ID), zap.String("inbox", inbox), zap.Error(err))
			continue
		}
		byDestination[dest] = append(byDestination[dest], inbox)
	}
	if len(byDestination) == 0 {
		return 0, fmt.Errorf("no deliverable inbox for %s: %w", activity.ID, activitypub.ErrDestinationBlocked)
	}

	payload, err := activitypub.WithContext(activity)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize %s: %w", activity.ID, err)
	}

	seq, err := q.store.AppendActivity(ctx, &domain.SentActivity{
		ActivityID: activity.ID,
		Actor:      activity.Actor,
		Kind:       activity.Kind,
		Payload:    payload,
		CreatedAt:  time.Now(),
	}, byDestination)
	if err != nil {
		return 0, fmt.Errorf("failed to queue %s: %w", activity.ID, err)
	}

	q.metrics.ActivitiesEnqueued.Inc()
	q.logger.Debug("queued activity",
		zap.String("activity", activity.ID),
		zap.Int64("sequence", seq),
		zap.Int("destinations", len(byDestination)))
	if q.waker != nil {
		q.waker.Wake()
	}
	return seq, nil
}

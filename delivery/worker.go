package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/federate/activitypub"
	"github.com/deemkeen/federate/domain"
	"github.com/deemkeen/federate/metrics"
	"go.uber.org/zap"
)

// Sender performs one delivery. It returns *activitypub.PermanentError when
// the destination refused for good; any other error is retried.
type Sender interface {
	Deliver(ctx context.Context, inbox, actor string, body []byte) error
}

type outcome int

const (
	delivered outcome = iota
	retryLater
	deactivated
)

// worker drains the queue of one destination in sequence order. At most one
// worker per destination runs at any time.
type worker struct {
	dest    string
	store   Store
	sender  Sender
	policy  Preflight
	backoff Backoff
	timeout time.Duration
	batch   int
	logger  *zap.Logger
	metrics *metrics.FederationMetrics
	now     func() time.Time
}

// run returns nil once the destination has nothing left to deliver, was
// deactivated or is no longer allowed by the policy, and ctx.Err() when
// stopped.
func (w *worker) run(ctx context.Context) error {
	for {
		if !w.allowed() {
			return nil
		}
		state, err := w.store.LoadState(ctx, w.dest)
		if err != nil {
			return fmt.Errorf("failed to load state of %s: %w", w.dest, err)
		}
		if state == nil {
			state = domain.NewDeliveryQueueState(w.dest)
		}
		if state.Inactive {
			return nil
		}

		if next := w.backoff.NextRetry(state.FailCount, state.LastRetryAt); next != nil {
			if err := sleep(ctx, next.Sub(w.now())); err != nil {
				return err
			}
		}

		batch, err := w.store.NextDeliveries(ctx, w.dest, state.LastSuccessfulSequenceID, w.batch)
		if err != nil {
			return fmt.Errorf("failed to read deliveries of %s: %w", w.dest, err)
		}
		if len(batch) == 0 {
			return nil
		}

	attempts:
		for _, d := range batch {
			if !w.allowed() {
				return nil
			}
			res, err := w.attempt(ctx, state, d)
			if err != nil {
				return err
			}
			switch res {
			case delivered:
			case retryLater:
				break attempts
			case deactivated:
				return nil
			}
		}
	}
}

// allowed checks the policy right before an attempt, so a block or a
// disabled federation takes effect on activities queued earlier
func (w *worker) allowed() bool {
	if err := w.policy.AllowDomain(w.dest); err != nil {
		w.logger.Info("destination not allowed, parking its queue", zap.Error(err))
		return false
	}
	return true
}

// attempt delivers one activity and records the outcome in state. When ctx
// is cancelled mid-attempt the in-flight marker stays persisted and is
// counted as a failure on the next start.
func (w *worker) attempt(ctx context.Context, state *domain.DeliveryQueueState, d domain.PendingDelivery) (outcome, error) {
	seq := d.Sequence
	state.InFlightSequenceID = &seq
	state.UpdatedAt = w.now()
	if err := w.store.SaveState(ctx, state); err != nil {
		return 0, fmt.Errorf("failed to save state of %s: %w", w.dest, err)
	}

	start := time.Now()
	sendErr := w.send(ctx, d)
	w.metrics.DeliveryLatency.Observe(time.Since(start).Seconds())
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	now := w.now()
	state.InFlightSequenceID = nil
	state.UpdatedAt = now

	var res outcome
	var permanent *activitypub.PermanentError
	switch {
	case sendErr == nil:
		state.LastSuccessfulSequenceID = seq
		state.FailCount = 0
		res = delivered
		w.metrics.DeliveryAttempts.WithLabelValues(metrics.OutcomeSuccess).Inc()
		w.logger.Debug("delivered", zap.Int64("sequence", seq), zap.String("activity", d.ActivityID))
	case errors.As(sendErr, &permanent):
		state.Inactive = true
		state.InactiveReason = permanent.Error()
		res = deactivated
		w.metrics.DeliveryAttempts.WithLabelValues(metrics.OutcomePermanent).Inc()
		w.metrics.InactiveDestinations.Inc()
		w.logger.Warn("destination refused delivery, marking inactive",
			zap.Int64("sequence", seq), zap.String("activity", d.ActivityID), zap.Error(sendErr))
	default:
		state.FailCount++
		state.LastRetryAt = &now
		res = retryLater
		w.metrics.DeliveryAttempts.WithLabelValues(metrics.OutcomeTransient).Inc()
		w.logger.Info("delivery failed",
			zap.Int64("sequence", seq),
			zap.Int("fail_count", state.FailCount),
			zap.Duration("retry_in", w.backoff.Duration(state.FailCount)),
			zap.Error(sendErr))
	}
	w.metrics.DestinationFailCount.WithLabelValues(w.dest).Set(float64(state.FailCount))

	// the outcome must be recorded even if shutdown starts right now
	if err := w.store.SaveState(context.WithoutCancel(ctx), state); err != nil {
		return 0, fmt.Errorf("failed to save state of %s: %w", w.dest, err)
	}
	return res, nil
}

// send posts the activity to every inbox the destination hosts for it
func (w *worker) send(ctx context.Context, d domain.PendingDelivery) error {
	for _, inbox := range d.Inboxes {
		actx, cancel := context.WithTimeout(ctx, w.timeout)
		err := w.sender.Deliver(actx, inbox, d.Actor, d.Payload)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

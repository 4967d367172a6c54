package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/deemkeen/federate/domain"
	"go.uber.org/zap"
)

// ErrUnknownDestination is returned by admin operations on a destination
// that has no queue state
var ErrUnknownDestination = errors.New("unknown destination")

// Skip gives up on the activity blocking dest: the destination moves past it,
// its failure count is reset and it is reactivated. It returns the skipped
// sequence number, or 0 when nothing was pending.
func (m *Manager) Skip(ctx context.Context, dest string) (int64, error) {
	release := m.hold(dest)
	defer release()

	state, err := m.heldState(ctx, dest)
	if err != nil {
		return 0, err
	}
	next, err := m.store.NextDeliveries(ctx, dest, state.LastSuccessfulSequenceID, 1)
	if err != nil {
		return 0, err
	}

	var skipped int64
	if len(next) > 0 {
		skipped = next[0].Sequence
		state.LastSuccessfulSequenceID = skipped
	}
	m.reactivate(state)
	if err := m.store.SaveState(ctx, state); err != nil {
		return 0, err
	}
	m.logger.Warn("skipped activity",
		zap.String("destination", dest),
		zap.Int64("sequence", skipped))
	return skipped, nil
}

// Reactivate puts a destination marked inactive back into rotation. Delivery
// resumes at the activity that was refused.
func (m *Manager) Reactivate(ctx context.Context, dest string) error {
	release := m.hold(dest)
	defer release()

	state, err := m.heldState(ctx, dest)
	if err != nil {
		return err
	}
	m.reactivate(state)
	if err := m.store.SaveState(ctx, state); err != nil {
		return err
	}
	m.logger.Info("destination reactivated", zap.String("destination", dest))
	return nil
}

// RemoveDestination forgets dest, including everything still queued for it
func (m *Manager) RemoveDestination(ctx context.Context, dest string) error {
	release := m.hold(dest)
	defer release()

	state, err := m.store.LoadState(ctx, dest)
	if err != nil {
		return err
	}
	if err := m.store.DeleteDestination(ctx, dest); err != nil {
		return err
	}
	if state != nil && state.Inactive {
		m.metrics.InactiveDestinations.Dec()
	}
	m.metrics.DestinationFailCount.DeleteLabelValues(dest)
	m.logger.Info("destination removed", zap.String("destination", dest))
	return nil
}

// heldState loads the state of a destination whose worker is held and turns
// an interrupted attempt into a failure first
func (m *Manager) heldState(ctx context.Context, dest string) (*domain.DeliveryQueueState, error) {
	state, err := m.store.LoadState(ctx, dest)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, fmt.Errorf("%s: %w", dest, ErrUnknownDestination)
	}
	if state.InFlightSequenceID != nil {
		if err := m.failInFlight(ctx, state); err != nil {
			return nil, err
		}
	}
	return state, nil
}

func (m *Manager) reactivate(state *domain.DeliveryQueueState) {
	if state.Inactive {
		m.metrics.InactiveDestinations.Dec()
	}
	state.Inactive = false
	state.InactiveReason = ""
	state.FailCount = 0
	state.InFlightSequenceID = nil
	state.UpdatedAt = m.now()
	m.metrics.DestinationFailCount.WithLabelValues(state.Destination).Set(0)
}

package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/deemkeen/federate/domain"
	"github.com/deemkeen/federate/metrics"
	"github.com/deemkeen/federate/util"
	"go.uber.org/zap"
)

type Options struct {
	Backoff         Backoff
	DeliveryTimeout time.Duration // bound of a single attempt
	PollInterval    time.Duration // how often pending destinations are looked up without a wake-up
	BatchSize       int           // activities read per destination per round
}

func OptionsFromConfig(conf *util.AppConfig) Options {
	f := conf.Conf.Federation
	return Options{
		Backoff:         Backoff{Base: f.RetryBase, Max: f.RetryMax},
		DeliveryTimeout: f.DeliveryTimeout,
		PollInterval:    f.PollInterval,
		BatchSize:       f.BatchSize,
	}
}

func (o Options) withDefaults() Options {
	if o.Backoff.Base <= 0 {
		o.Backoff.Base = DefaultRetryBase
	}
	if o.Backoff.Max <= 0 {
		o.Backoff.Max = DefaultRetryMax
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	return o
}

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs one worker goroutine per destination with pending
// deliveries. Destinations never wait on each other. Destinations the
// policy refuses are parked: their activities stay stored and no attempt
// is made until the policy allows them again.
type Manager struct {
	store   Store
	sender  Sender
	policy  Preflight
	opts    Options
	logger  *zap.Logger
	metrics *metrics.FederationMetrics
	now     func() time.Time

	wake chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	workers map[string]*handle
	held    map[string]struct{} // destinations under an admin operation
}

func NewManager(store Store, sender Sender, policy Preflight, opts Options, logger *zap.Logger, m *metrics.FederationMetrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Manager{
		store:   store,
		sender:  sender,
		policy:  policy,
		opts:    opts.withDefaults(),
		logger:  logger.Named("delivery"),
		metrics: m,
		now:     time.Now,
		wake:    make(chan struct{}, 1),
		workers: make(map[string]*handle),
		held:    make(map[string]struct{}),
	}
}

// Backoff returns the retry schedule in use
func (m *Manager) Backoff() Backoff {
	return m.opts.Backoff
}

// Wake makes Run look for pending destinations without waiting for the next poll
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run reconciles attempts interrupted by the last shutdown, then delivers
// until ctx is cancelled. It returns after every worker has stopped.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.reconcile(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	m.logger.Info("delivery started", zap.Duration("poll_interval", m.opts.PollInterval))
	m.spawnDue(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("delivery stopping, waiting for workers")
			m.wg.Wait()
			return nil
		case <-ticker.C:
			m.spawnDue(ctx)
		case <-m.wake:
			m.spawnDue(ctx)
		}
	}
}

// reconcile turns every in-flight marker left by a previous run into a
// failure, so the interrupted activity is retried after the backoff.
func (m *Manager) reconcile(ctx context.Context) error {
	states, err := m.store.ListStates(ctx)
	if err != nil {
		return err
	}
	inactive := 0
	for i := range states {
		state := &states[i]
		if state.Inactive {
			inactive++
		}
		if state.InFlightSequenceID == nil {
			continue
		}
		m.logger.Warn("reconciling interrupted delivery",
			zap.String("destination", state.Destination),
			zap.Int64("sequence", *state.InFlightSequenceID))
		if err := m.failInFlight(ctx, state); err != nil {
			return err
		}
	}
	m.metrics.InactiveDestinations.Set(float64(inactive))
	return nil
}

func (m *Manager) failInFlight(ctx context.Context, state *domain.DeliveryQueueState) error {
	now := m.now()
	state.InFlightSequenceID = nil
	state.FailCount++
	state.LastRetryAt = &now
	state.UpdatedAt = now
	m.metrics.DestinationFailCount.WithLabelValues(state.Destination).Set(float64(state.FailCount))
	return m.store.SaveState(ctx, state)
}

func (m *Manager) spawnDue(ctx context.Context) {
	dests, err := m.store.PendingDestinations(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.logger.Error("failed to list pending destinations", zap.Error(err))
		}
		return
	}
	for _, dest := range dests {
		if err := m.policy.AllowDomain(dest); err != nil {
			m.logger.Debug("destination parked", zap.String("destination", dest), zap.Error(err))
			continue
		}
		m.start(ctx, dest)
	}
}

// start launches the worker of dest unless one is running
func (m *Manager) start(parent context.Context, dest string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, running := m.workers[dest]; running {
		return
	}
	if _, ok := m.held[dest]; ok {
		return
	}
	if parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	h := &handle{cancel: cancel, done: make(chan struct{})}
	m.workers[dest] = h
	m.wg.Add(1)
	m.metrics.ActiveWorkers.Inc()

	w := &worker{
		dest:    dest,
		store:   m.store,
		sender:  m.sender,
		policy:  m.policy,
		backoff: m.opts.Backoff,
		timeout: m.opts.DeliveryTimeout,
		batch:   m.opts.BatchSize,
		logger:  m.logger.With(zap.String("destination", dest)),
		metrics: m.metrics,
		now:     m.now,
	}
	go func() {
		defer m.wg.Done()
		defer close(h.done)
		defer cancel()

		err := w.run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("worker stopped", zap.String("destination", dest), zap.Error(err))
		}

		m.mu.Lock()
		if m.workers[dest] == h {
			delete(m.workers, dest)
		}
		m.mu.Unlock()
		m.metrics.ActiveWorkers.Dec()
	}()
}

// hold stops the worker of dest, if any, and keeps a new one from starting
// until the returned release is called.
func (m *Manager) hold(dest string) (release func()) {
	m.mu.Lock()
	m.held[dest] = struct{}{}
	h, ok := m.workers[dest]
	m.mu.Unlock()
	if ok {
		h.cancel()
		<-h.done
	}
	return func() {
		m.mu.Lock()
		delete(m.held, dest)
		m.mu.Unlock()
		m.Wake()
	}
}

// Running lists destinations with a live worker
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.workers))
	for dest := range m.workers {
		out = append(out, dest)
	}
	return out
}

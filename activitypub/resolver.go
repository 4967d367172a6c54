package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/deemkeen/federate/domain"
	"github.com/deemkeen/federate/metrics"
	"github.com/deemkeen/federate/util"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Fetcher dereferences a remote uri
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// ObjectStore persists resolved objects keyed by uri
type ObjectStore interface {
	// ReadRemoteObject returns nil when nothing is stored for uri
	ReadRemoteObject(ctx context.Context, uri string) (*domain.RemoteObject, error)
	// UpsertRemoteObject keeps the local id of an already known uri
	UpsertRemoteObject(ctx context.Context, obj *domain.RemoteObject) (*domain.RemoteObject, error)
	DeleteRemoteObject(ctx context.Context, uri string) error
}

// ResolutionError is returned when a uri could not be turned into a local
// object. Err tells why; it may wrap ErrObjectGone or ErrDestinationBlocked.
type ResolutionError struct {
	URI string
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("failed to resolve %s: %v", e.URI, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

type ResolverOptions struct {
	FetchTimeout time.Duration // bound of one network fetch
	TTL          time.Duration // age after which a cached object is refetched
	FailureTTL   time.Duration // how long a failed fetch is remembered
}

func ResolverOptionsFromConfig(conf *util.AppConfig) ResolverOptions {
	f := conf.Conf.Federation
	return ResolverOptions{
		FetchTimeout: f.FetchTimeout,
		TTL:          f.ObjectTTL,
		FailureTTL:   f.FetchFailureTTL,
	}
}

type refEntry struct {
	state domain.RefState
	obj   *domain.RemoteObject
	err   error
	until time.Time
}

// Resolver dereferences remote objects with at most one fetch in flight per
// uri. Concurrent callers for the same uri share the result of that fetch.
type Resolver struct {
	fetcher Fetcher
	store   ObjectStore
	policy  *Policy
	opts    ResolverOptions
	logger  *zap.Logger
	metrics *metrics.FederationMetrics
	now     func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*refEntry
	sets    int
}

func NewResolver(fetcher Fetcher, store ObjectStore, policy *Policy, opts ResolverOptions, logger *zap.Logger, m *metrics.FederationMetrics) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.FailureTTL <= 0 {
		opts.FailureTTL = time.Minute
	}
	return &Resolver{
		fetcher: fetcher,
		store:   store,
		policy:  policy,
		opts:    opts,
		logger:  logger.Named("resolver"),
		metrics: m,
		now:     time.Now,
		entries: make(map[string]*refEntry),
	}
}

// Resolve returns the local representation of uri, fetching it when it is
// not cached or the cached copy is older than the TTL.
func (r *Resolver) Resolve(ctx context.Context, uri string) (*domain.RemoteObject, error) {
	key, err := NormalizeURL(uri)
	if err != nil {
		return nil, &ResolutionError{URI: uri, Err: err}
	}
	if r.policy != nil {
		if err := r.policy.AllowURL(key); err != nil {
			r.metrics.Resolutions.WithLabelValues(metrics.ResultBlocked).Inc()
			return nil, &ResolutionError{URI: uri, Err: err}
		}
	}

	if obj, err, ok := r.lookup(key); ok {
		return obj, err
	}

	ch := r.group.DoChan(key, func() (any, error) {
		return r.fetch(key)
	})
	select {
	case <-ctx.Done():
		return nil, &ResolutionError{URI: uri, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.RemoteObject), nil
	}
}

// lookup answers from memory when possible
func (r *Resolver) lookup(key string) (*domain.RemoteObject, error, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return nil, nil, false
	}
	now := r.now()
	switch e.state {
	case domain.RefCached:
		if now.Sub(e.obj.FetchedAt) < r.opts.TTL {
			r.metrics.Resolutions.WithLabelValues(metrics.ResultCached).Inc()
			return e.obj, nil, true
		}
	case domain.RefFetchFailed:
		if now.Before(e.until) {
			r.metrics.Resolutions.WithLabelValues(metrics.ResultNegative).Inc()
			return nil, e.err, true
		}
	case domain.RefNotFetched, domain.RefInFlight:
	}
	return nil, nil, false
}

// fetch runs once per key at a time. It is detached from the callers'
// contexts so that one caller giving up does not fail the others.
func (r *Resolver) fetch(key string) (obj *domain.RemoteObject, err error) {
	// a fetch that finished between the caller's lookup and this call
	// already has an answer
	if obj, err, ok := r.lookup(key); ok {
		return obj, err
	}

	r.setState(key, &refEntry{state: domain.RefInFlight})
	defer func() {
		if err != nil {
			r.setState(key, &refEntry{state: domain.RefFetchFailed, err: err, until: r.now().Add(r.opts.FailureTTL)})
			return
		}
		r.setState(key, &refEntry{state: domain.RefCached, obj: obj})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.FetchTimeout)
	defer cancel()

	stored, err := r.store.ReadRemoteObject(ctx, key)
	if err != nil {
		r.logger.Warn("failed to read stored object", zap.String("uri", key), zap.Error(err))
	}
	if stored != nil && r.now().Sub(stored.FetchedAt) < r.opts.TTL {
		r.metrics.Resolutions.WithLabelValues(metrics.ResultCached).Inc()
		return stored, nil
	}

	start := time.Now()
	r.metrics.Fetches.Inc()
	body, err := r.fetcher.Fetch(ctx, key)
	r.metrics.FetchLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, r.fail(ctx, key, err)
	}

	kind, err := r.checkPayload(key, body)
	if err != nil {
		return nil, r.fail(ctx, key, err)
	}

	obj, err = r.store.UpsertRemoteObject(ctx, &domain.RemoteObject{
		URI:       key,
		Kind:      kind,
		Data:      json.RawMessage(body),
		FetchedAt: r.now(),
	})
	if err != nil {
		return nil, r.fail(ctx, key, err)
	}
	r.metrics.Resolutions.WithLabelValues(metrics.ResultFetched).Inc()
	r.logger.Debug("resolved", zap.String("uri", key), zap.Stringer("kind", kind), zap.Stringer("id", obj.ID))
	return obj, nil
}

// checkPayload refuses objects whose self-declared id is not the requested
// uri, so a server cannot plant content under somebody else's id.
func (r *Resolver) checkPayload(key string, body []byte) (domain.ObjectKind, error) {
	var head struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return 0, fmt.Errorf("malformed payload: %w", err)
	}
	if head.Type == "Tombstone" {
		return 0, ErrObjectGone
	}
	if !VerifyUrlsMatch(head.ID, key).Accepted {
		return 0, fmt.Errorf("payload id %q does not match: %w", head.ID, &VerificationError{Reason: domain.RejectUrlMismatch, Subject: key})
	}
	return domain.ObjectKindFromType(head.Type)
}

func (r *Resolver) fail(ctx context.Context, key string, err error) error {
	if errors.Is(err, ErrObjectGone) {
		r.metrics.Resolutions.WithLabelValues(metrics.ResultGone).Inc()
		if derr := r.store.DeleteRemoteObject(ctx, key); derr != nil {
			r.logger.Warn("failed to delete gone object", zap.String("uri", key), zap.Error(derr))
		}
	} else {
		r.metrics.Resolutions.WithLabelValues(metrics.ResultFailed).Inc()
	}
	r.logger.Info("resolution failed", zap.String("uri", key), zap.Error(err))
	return &ResolutionError{URI: key, Err: err}
}

const pruneEvery = 256

func (r *Resolver) setState(key string, e *refEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = e
	r.sets++
	if r.sets%pruneEvery == 0 {
		r.prune(r.now())
	}
}

// prune drops expired negative entries and cached objects past the TTL;
// the latter are still in the store. Callers hold r.mu.
func (r *Resolver) prune(now time.Time) int {
	n := 0
	for key, e := range r.entries {
		switch e.state {
		case domain.RefFetchFailed:
			if !now.Before(e.until) {
				delete(r.entries, key)
				n++
			}
		case domain.RefCached:
			if now.Sub(e.obj.FetchedAt) >= r.opts.TTL {
				delete(r.entries, key)
				n++
			}
		case domain.RefNotFetched, domain.RefInFlight:
		}
	}
	return n
}

// State reports the resolver's view of uri
func (r *Resolver) State(uri string) domain.RefState {
	key, err := NormalizeURL(uri)
	if err != nil {
		return domain.RefNotFetched
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return domain.RefNotFetched
	}
	if e.state == domain.RefFetchFailed && !r.now().Before(e.until) {
		return domain.RefNotFetched
	}
	return e.state
}

// Forget drops the in-memory entry of uri; the stored object is kept
func (r *Resolver) Forget(uri string) {
	key, err := NormalizeURL(uri)
	if err != nil {
		return
	}
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

package activitypub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deemkeen/federate/domain"
	"github.com/deemkeen/federate/metrics"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubFetcher answers from a map. When gate is set every fetch waits on it.
type stubFetcher struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	gate      chan struct{}
	calls     atomic.Int32
}

func (f *stubFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[uri]; ok {
		return nil, err
	}
	body, ok := f.responses[uri]
	if !ok {
		return nil, fmt.Errorf("no response for %s", uri)
	}
	return []byte(body), nil
}

type memObjects struct {
	mu      sync.Mutex
	objects map[string]domain.RemoteObject
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string]domain.RemoteObject)}
}

func (s *memObjects) ReadRemoteObject(_ context.Context, uri string) (*domain.RemoteObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[uri]
	if !ok {
		return nil, nil
	}
	return &obj, nil
}

func (s *memObjects) UpsertRemoteObject(_ context.Context, obj *domain.RemoteObject) (*domain.RemoteObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *obj
	if existing, ok := s.objects[obj.URI]; ok {
		stored.ID = existing.ID
	} else {
		stored.ID = uuid.New()
	}
	s.objects[obj.URI] = stored
	return &stored, nil
}

func (s *memObjects) DeleteRemoteObject(_ context.Context, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, uri)
	return nil
}

const bobURI = "https://remote.example/u/bob"

func personJSON(id string) string {
	return fmt.Sprintf(`{"id":%q,"type":"Person","inbox":%q}`, id, id+"/inbox")
}

func newTestResolver(t *testing.T, fetcher Fetcher, store ObjectStore, blocked ...string) (*Resolver, *metrics.FederationMetrics) {
	t.Helper()
	policy, err := NewPolicy(true, "local.example", nil, blocked)
	require.NoError(t, err)
	m := metrics.NewNop()
	r := NewResolver(fetcher, store, policy, ResolverOptions{
		FetchTimeout: time.Second,
		TTL:          time.Hour,
		FailureTTL:   time.Minute,
	}, nil, m)
	return r, m
}

func TestResolveFetchesOnceThenCaches(t *testing.T) {
	fetcher := &stubFetcher{responses: map[string]string{bobURI: personJSON(bobURI)}}
	store := newMemObjects()
	r, m := newTestResolver(t, fetcher, store)

	obj, err := r.Resolve(context.Background(), bobURI)
	require.NoError(t, err)
	assert.Equal(t, domain.ObjectPerson, obj.Kind)
	assert.Equal(t, "https://remote.example/u/bob/inbox", obj.Inbox())
	assert.Equal(t, domain.RefCached, r.State(bobURI))

	again, err := r.Resolve(context.Background(), "HTTPS://REMOTE.EXAMPLE:443/u/bob")
	require.NoError(t, err)
	assert.Equal(t, obj.ID, again.ID)
	assert.Equal(t, int32(1), fetcher.calls.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Resolutions.WithLabelValues(metrics.ResultCached)))
}

func TestResolveConcurrentCallersShareOneFetch(t *testing.T) {
	fetcher := &stubFetcher{
		responses: map[string]string{bobURI: personJSON(bobURI)},
		gate:      make(chan struct{}),
	}
	r, _ := newTestResolver(t, fetcher, newMemObjects())

	const callers = 16
	results := make([]*domain.RemoteObject, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Resolve(context.Background(), bobURI)
		}(i)
	}

	require.Eventually(t, func() bool {
		return r.State(bobURI) == domain.RefInFlight
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(fetcher.gate)
	wg.Wait()

	assert.Equal(t, int32(1), fetcher.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].ID, results[i].ID)
	}
}

func TestResolveCallerCancellationDoesNotStrandOthers(t *testing.T) {
	fetcher := &stubFetcher{
		responses: map[string]string{bobURI: personJSON(bobURI)},
		gate:      make(chan struct{}),
	}
	r, _ := newTestResolver(t, fetcher, newMemObjects())

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctx, bobURI)
		first <- err
	}()
	require.Eventually(t, func() bool {
		return r.State(bobURI) == domain.RefInFlight
	}, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := r.Resolve(context.Background(), bobURI)
		second <- err
	}()

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	close(fetcher.gate)
	assert.NoError(t, <-second)
	assert.Equal(t, domain.RefCached, r.State(bobURI))
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestResolveRejectsMismatchedID(t *testing.T) {
	fetcher := &stubFetcher{responses: map[string]string{
		bobURI: personJSON("https://remote.example/u/mallory"),
	}}
	store := newMemObjects()
	r, _ := newTestResolver(t, fetcher, store)

	_, err := r.Resolve(context.Background(), bobURI)
	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, domain.RejectUrlMismatch, verr.Reason)

	assert.Equal(t, domain.RefFetchFailed, r.State(bobURI))
	stored, _ := store.ReadRemoteObject(context.Background(), bobURI)
	assert.Nil(t, stored)
}

func TestResolveNegativeCache(t *testing.T) {
	fetcher := &stubFetcher{errs: map[string]error{bobURI: errors.New("connection refused")}}
	r, m := newTestResolver(t, fetcher, newMemObjects())

	_, err := r.Resolve(context.Background(), bobURI)
	require.Error(t, err)
	_, err = r.Resolve(context.Background(), bobURI)
	require.Error(t, err)
	assert.Equal(t, int32(1), fetcher.calls.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Resolutions.WithLabelValues(metrics.ResultNegative)))

	// past the failure ttl the uri is fetched again
	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.Equal(t, domain.RefNotFetched, r.State(bobURI))
	_, err = r.Resolve(context.Background(), bobURI)
	require.Error(t, err)
	assert.Equal(t, int32(2), fetcher.calls.Load())
}

func TestFetchHonoursLiveFailure(t *testing.T) {
	fetcher := &stubFetcher{errs: map[string]error{bobURI: errors.New("connection refused")}}
	r, _ := newTestResolver(t, fetcher, newMemObjects())

	_, err := r.Resolve(context.Background(), bobURI)
	require.Error(t, err)

	// a caller that missed the failure marker lands in fetch directly
	key, err := NormalizeURL(bobURI)
	require.NoError(t, err)
	_, err = r.fetch(key)
	require.Error(t, err)
	assert.Equal(t, int32(1), fetcher.calls.Load())
	assert.Equal(t, domain.RefFetchFailed, r.State(bobURI))
}

func TestFetchHonoursFreshCache(t *testing.T) {
	fetcher := &stubFetcher{responses: map[string]string{bobURI: personJSON(bobURI)}}
	r, _ := newTestResolver(t, fetcher, newMemObjects())

	first, err := r.Resolve(context.Background(), bobURI)
	require.NoError(t, err)

	key, err := NormalizeURL(bobURI)
	require.NoError(t, err)
	again, err := r.fetch(key)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestPruneDropsExpiredEntries(t *testing.T) {
	const aliceURI = "https://remote.example/u/alice"
	fetcher := &stubFetcher{
		responses: map[string]string{bobURI: personJSON(bobURI)},
		errs:      map[string]error{aliceURI: errors.New("connection refused")},
	}
	r, _ := newTestResolver(t, fetcher, newMemObjects())

	_, err := r.Resolve(context.Background(), bobURI)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), aliceURI)
	require.Error(t, err)

	r.mu.Lock()
	assert.Zero(t, r.prune(time.Now()))
	assert.Len(t, r.entries, 2)

	// the failure marker expires first
	assert.Equal(t, 1, r.prune(time.Now().Add(2*time.Minute)))
	assert.Len(t, r.entries, 1)

	assert.Equal(t, 1, r.prune(time.Now().Add(2*time.Hour)))
	assert.Empty(t, r.entries)
	r.mu.Unlock()
}

func TestSetStatePrunesPeriodically(t *testing.T) {
	r, _ := newTestResolver(t, &stubFetcher{}, newMemObjects())
	past := time.Now().Add(-time.Minute)
	for i := 0; i < pruneEvery-1; i++ {
		r.setState(fmt.Sprintf("https://remote.example/u/%d", i), &refEntry{
			state: domain.RefFetchFailed,
			err:   errors.New("gone away"),
			until: past,
		})
	}
	r.mu.Lock()
	assert.Len(t, r.entries, pruneEvery-1)
	r.mu.Unlock()

	r.setState("https://remote.example/u/last", &refEntry{state: domain.RefInFlight})
	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Len(t, r.entries, 1)
}

func TestResolveGoneDeletesStoredObject(t *testing.T) {
	fetcher := &stubFetcher{responses: map[string]string{bobURI: personJSON(bobURI)}}
	store := newMemObjects()
	r, _ := newTestResolver(t, fetcher, store)

	_, err := r.Resolve(context.Background(), bobURI)
	require.NoError(t, err)

	fetcher.mu.Lock()
	fetcher.errs = map[string]error{bobURI: ErrObjectGone}
	fetcher.mu.Unlock()
	r.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, err = r.Resolve(context.Background(), bobURI)
	assert.ErrorIs(t, err, ErrObjectGone)
	stored, _ := store.ReadRemoteObject(context.Background(), bobURI)
	assert.Nil(t, stored)
}

func TestResolveTombstoneIsGone(t *testing.T) {
	uri := "https://remote.example/post/9"
	fetcher := &stubFetcher{responses: map[string]string{
		uri: fmt.Sprintf(`{"id":%q,"type":"Tombstone"}`, uri),
	}}
	r, _ := newTestResolver(t, fetcher, newMemObjects())

	_, err := r.Resolve(context.Background(), uri)
	assert.ErrorIs(t, err, ErrObjectGone)
}

func TestResolveRefreshKeepsLocalID(t *testing.T) {
	fetcher := &stubFetcher{responses: map[string]string{bobURI: personJSON(bobURI)}}
	r, _ := newTestResolver(t, fetcher, newMemObjects())

	first, err := r.Resolve(context.Background(), bobURI)
	require.NoError(t, err)

	r.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	second, err := r.Resolve(context.Background(), bobURI)
	require.NoError(t, err)

	assert.Equal(t, int32(2), fetcher.calls.Load())
	assert.Equal(t, first.ID, second.ID)
}

func TestResolveUsesStoreAfterForget(t *testing.T) {
	fetcher := &stubFetcher{responses: map[string]string{bobURI: personJSON(bobURI)}}
	r, _ := newTestResolver(t, fetcher, newMemObjects())

	_, err := r.Resolve(context.Background(), bobURI)
	require.NoError(t, err)
	r.Forget(bobURI)
	assert.Equal(t, domain.RefNotFetched, r.State(bobURI))

	_, err = r.Resolve(context.Background(), bobURI)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestResolveBlockedDomainIsNeverFetched(t *testing.T) {
	uri := "https://blocked.example/u/eve"
	fetcher := &stubFetcher{responses: map[string]string{uri: personJSON(uri)}}
	r, _ := newTestResolver(t, fetcher, newMemObjects(), "blocked.example")

	_, err := r.Resolve(context.Background(), uri)
	assert.ErrorIs(t, err, ErrDestinationBlocked)
	assert.Zero(t, fetcher.calls.Load())
}

func TestResolveUnsupportedType(t *testing.T) {
	uri := "https://remote.example/thing/1"
	fetcher := &stubFetcher{responses: map[string]string{
		uri: fmt.Sprintf(`{"id":%q,"type":"Hologram"}`, uri),
	}}
	r, _ := newTestResolver(t, fetcher, newMemObjects())

	_, err := r.Resolve(context.Background(), uri)
	var resErr *ResolutionError
	assert.ErrorAs(t, err, &resErr)
}

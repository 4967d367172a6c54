package delivery

import (
	"context"
	"sort"
	"sync"

	"github.com/deemkeen/federate/domain"
)

// memStore is an in-memory Store
type memStore struct {
	mu      sync.Mutex
	nextSeq int64
	sent    map[int64]domain.SentActivity
	inboxes map[int64]map[string][]string // sequence -> destination -> inboxes
	states  map[string]domain.DeliveryQueueState
	saves   map[string][]domain.DeliveryQueueState // every SaveState, in order
}

func newMemStore() *memStore {
	return &memStore{
		sent:    make(map[int64]domain.SentActivity),
		inboxes: make(map[int64]map[string][]string),
		states:  make(map[string]domain.DeliveryQueueState),
		saves:   make(map[string][]domain.DeliveryQueueState),
	}
}

func (s *memStore) AppendActivity(_ context.Context, sent *domain.SentActivity, inboxes map[string][]string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	a := *sent
	a.Sequence = s.nextSeq
	s.sent[a.Sequence] = a
	s.inboxes[a.Sequence] = inboxes
	return a.Sequence, nil
}

// add queues payload for a single inbox on dest
func (s *memStore) add(dest, payload string) int64 {
	seq, _ := s.AppendActivity(context.Background(), &domain.SentActivity{
		ActivityID: "https://local.example/activities/" + payload,
		Actor:      "https://local.example/u/alice",
		Payload:    []byte(payload),
	}, map[string][]string{dest: {"https://" + dest + "/inbox"}})
	return seq
}

func (s *memStore) sequences() []int64 {
	seqs := make([]int64, 0, len(s.sent))
	for seq := range s.sent {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

func (s *memStore) PendingDestinations(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	maxSeq := make(map[string]int64)
	for seq, byDest := range s.inboxes {
		for dest := range byDest {
			if seq > maxSeq[dest] {
				maxSeq[dest] = seq
			}
		}
	}
	var out []string
	for dest, last := range maxSeq {
		state, ok := s.states[dest]
		if !ok || (!state.Inactive && last > state.LastSuccessfulSequenceID) {
			out = append(out, dest)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) NextDeliveries(_ context.Context, dest string, after int64, limit int) ([]domain.PendingDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PendingDelivery
	for _, seq := range s.sequences() {
		if seq <= after {
			continue
		}
		inboxes, ok := s.inboxes[seq][dest]
		if !ok {
			continue
		}
		a := s.sent[seq]
		out = append(out, domain.PendingDelivery{
			Sequence:    seq,
			ActivityID:  a.ActivityID,
			Actor:       a.Actor,
			Destination: dest,
			Inboxes:     inboxes,
			Payload:     a.Payload,
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) LoadState(_ context.Context, dest string) (*domain.DeliveryQueueState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[dest]
	if !ok {
		return nil, nil
	}
	return copyState(state), nil
}

func (s *memStore) SaveState(_ context.Context, state *domain.DeliveryQueueState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.Destination] = *copyState(*state)
	s.saves[state.Destination] = append(s.saves[state.Destination], *copyState(*state))
	return nil
}

func (s *memStore) ListStates(_ context.Context) ([]domain.DeliveryQueueState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DeliveryQueueState, 0, len(s.states))
	for _, state := range s.states {
		out = append(out, *copyState(state))
	}
	return out, nil
}

func (s *memStore) DeleteDestination(_ context.Context, dest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, byDest := range s.inboxes {
		delete(byDest, dest)
	}
	delete(s.states, dest)
	return nil
}

// state returns a snapshot of the stored state of dest, nil when absent
func (s *memStore) state(dest string) *domain.DeliveryQueueState {
	state, _ := s.LoadState(context.Background(), dest)
	return state
}

// outcomes returns the saved states of dest that recorded an attempt's
// outcome, leaving out the in-flight markers written before each attempt
func (s *memStore) outcomes(dest string) []domain.DeliveryQueueState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DeliveryQueueState
	for _, st := range s.saves[dest] {
		if st.InFlightSequenceID == nil {
			out = append(out, st)
		}
	}
	return out
}

func (s *memStore) destinationsOf(seq int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for dest := range s.inboxes[seq] {
		out = append(out, dest)
	}
	sort.Strings(out)
	return out
}

func copyState(s domain.DeliveryQueueState) *domain.DeliveryQueueState {
	c := s
	if s.LastRetryAt != nil {
		t := *s.LastRetryAt
		c.LastRetryAt = &t
	}
	if s.InFlightSequenceID != nil {
		seq := *s.InFlightSequenceID
		c.InFlightSequenceID = &seq
	}
	return &c
}

type sentCall struct {
	Inbox   string
	Payload string
}

// scriptedSender records deliveries and answers with respond. attempt counts
// earlier deliveries of the same payload to the same inbox.
type scriptedSender struct {
	mu      sync.Mutex
	calls   []sentCall
	respond func(ctx context.Context, inbox, payload string, attempt int) error
}

func (s *scriptedSender) Deliver(ctx context.Context, inbox, _ string, body []byte) error {
	s.mu.Lock()
	attempt := 0
	for _, c := range s.calls {
		if c.Inbox == inbox && c.Payload == string(body) {
			attempt++
		}
	}
	s.calls = append(s.calls, sentCall{Inbox: inbox, Payload: string(body)})
	respond := s.respond
	s.mu.Unlock()

	if respond == nil {
		return nil
	}
	return respond(ctx, inbox, string(body), attempt)
}

// payloads returns what was sent to inbox, in order
func (s *scriptedSender) payloads(inbox string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.calls {
		if c.Inbox == inbox {
			out = append(out, c.Payload)
		}
	}
	return out
}

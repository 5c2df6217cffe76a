package converge_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ramiqadoumi/ticketflow/internal/domain"
	"github.com/ramiqadoumi/ticketflow/internal/sink"
)

// memStore is an in-memory record store. Every performed write and every
// Touch queues an update event carrying the snapshot taken right after it.
type memStore struct {
	mu       sync.Mutex
	tickets  map[string]*domain.Ticket
	claims   map[string]string
	leases   map[string]time.Duration
	settled  map[string]bool
	deferred map[string]time.Time
	events   []*domain.Ticket
	dlq      []*domain.Ticket
	failMark error
}

func newMemStore() *memStore {
	return &memStore{
		tickets:  map[string]*domain.Ticket{},
		claims:   map[string]string{},
		leases:   map[string]time.Duration{},
		settled:  map[string]bool{},
		deferred: map[string]time.Time{},
	}
}

func clone(t *domain.Ticket) *domain.Ticket {
	cp := *t
	if t.Tags != nil {
		tags := append([]string(nil), (*t.Tags)...)
		cp.Tags = &tags
	}
	return &cp
}

func (s *memStore) put(t *domain.Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[t.Key] = clone(t)
}

func (s *memStore) Snapshot(_ context.Context, key string) (*domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[key]
	if !ok {
		return nil, &domain.TicketNotFoundError{Key: key}
	}
	return clone(t), nil
}

func (s *memStore) SetFieldIfAbsent(_ context.Context, key string, f domain.Field, v string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f == domain.FieldDownstreamID && s.failMark != nil {
		return false, s.failMark
	}
	t, ok := s.tickets[key]
	if !ok {
		return false, &domain.TicketNotFoundError{Key: key}
	}
	if t.Has(f) {
		return false, nil
	}
	if err := apply(t, f, v); err != nil {
		return false, err
	}
	s.events = append(s.events, clone(t))
	return true, nil
}

func (s *memStore) IncrField(_ context.Context, key string, f domain.Field, by int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[key]
	if !ok {
		return 0, &domain.TicketNotFoundError{Key: key}
	}
	if f != domain.FieldSyncFailures {
		return 0, errors.New("unsupported counter " + string(f))
	}
	t.SyncFailures += int(by)
	return int64(t.SyncFailures), nil
}

func (s *memStore) Touch(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[key]
	if !ok {
		return &domain.TicketNotFoundError{Key: key}
	}
	s.events = append(s.events, clone(t))
	return nil
}

func (s *memStore) Claim(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.claims[key]; held {
		return false, nil
	}
	s.claims[key] = owner
	s.leases[key] = ttl
	return true, nil
}

func (s *memStore) Extend(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claims[key] != owner {
		return false, nil
	}
	s.leases[key] = ttl
	return true, nil
}

// expire drops the claim as if its lease ran out.
func (s *memStore) expire(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, key)
}

func (s *memStore) lease(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leases[key]
}

func (s *memStore) Defer(_ context.Context, key string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deferred[key] = until
	return nil
}

func (s *memStore) Release(_ context.Context, key, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claims[key] != owner {
		return false, nil
	}
	delete(s.claims, key)
	return true, nil
}

func (s *memStore) Settle(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settled[key] = true
	return nil
}

func (s *memStore) DeadLetter(_ context.Context, t *domain.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dlq = append(s.dlq, clone(t))
	return nil
}

func (s *memStore) claimed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, held := s.claims[key]
	return held
}

// takeEvents drains the queued update events.
func (s *memStore) takeEvents() []*domain.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.events
	s.events = nil
	return out
}

func apply(t *domain.Ticket, f domain.Field, v string) error {
	switch f {
	case domain.FieldPredictedPriority:
		t.PredictedPriority = &v
	case domain.FieldPredictedResolutionTime, domain.FieldPredictedSentiment:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		if f == domain.FieldPredictedSentiment {
			t.PredictedSentiment = &n
		} else {
			t.PredictedResolutionTime = &n
		}
	case domain.FieldTags:
		tags, err := domain.DecodeTags(v)
		if err != nil {
			return err
		}
		t.Tags = &tags
	case domain.FieldDownstreamID:
		t.DownstreamID = &v
	case domain.FieldDeadLetter:
		t.DeadLetter = &v
	default:
		return errors.New("unsupported field " + string(f))
	}
	return nil
}

// fakeSink counts creates and fails according to errs, one entry per call.
type fakeSink struct {
	mu        sync.Mutex
	creates   atomic.Int32
	logins    atomic.Int32
	summaries []domain.Summary
	errs      []error
	always    error
	delay     time.Duration
}

func (f *fakeSink) Authenticate(context.Context) (*sink.Session, error) {
	f.logins.Add(1)
	return &sink.Session{AccessToken: "tok", InstanceURL: "https://org.example"}, nil
}

func (f *fakeSink) Create(_ context.Context, _ *sink.Session, s domain.Summary) (string, error) {
	n := f.creates.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.always != nil {
		return "", f.always
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	f.summaries = append(f.summaries, s)
	return "500xx" + strconv.Itoa(int(n)), nil
}

// blockingSink never answers; Create returns once its context ends.
type blockingSink struct{}

func (blockingSink) Authenticate(context.Context) (*sink.Session, error) {
	return &sink.Session{AccessToken: "tok", InstanceURL: "https://org.example"}, nil
}

func (blockingSink) Create(ctx context.Context, _ *sink.Session, _ domain.Summary) (string, error) {
	<-ctx.Done()
	return "", &domain.TransportError{Service: "sink", Err: ctx.Err()}
}

type memLedger struct {
	mu       sync.Mutex
	attempts []*domain.SyncAttempt
	lookErr  error
}

func (l *memLedger) RecordSync(_ context.Context, a *domain.SyncAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *a
	l.attempts = append(l.attempts, &cp)
	return nil
}

func (l *memLedger) LastSucceededSync(_ context.Context, key string) (*domain.SyncAttempt, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lookErr != nil {
		return nil, false, l.lookErr
	}
	for i := len(l.attempts) - 1; i >= 0; i-- {
		if a := l.attempts[i]; a.TicketKey == key && a.Outcome == domain.SyncSucceeded {
			return a, true, nil
		}
	}
	return nil, false, nil
}

func (l *memLedger) outcomes() []domain.SyncOutcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.SyncOutcome
	for _, a := range l.attempts {
		out = append(out, a.Outcome)
	}
	return out
}

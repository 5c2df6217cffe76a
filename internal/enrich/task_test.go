package enrich_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/ticketflow/internal/domain"
	"github.com/ramiqadoumi/ticketflow/internal/enrich"
	"github.com/ramiqadoumi/ticketflow/internal/predictor"
)

// fieldStore is a set-if-absent map guarded by a mutex.
type fieldStore struct {
	mu     sync.Mutex
	fields map[domain.Field]string
	err    error
}

func newFieldStore() *fieldStore { return &fieldStore{fields: map[domain.Field]string{}} }

func (s *fieldStore) SetFieldIfAbsent(_ context.Context, _ string, f domain.Field, v string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if _, ok := s.fields[f]; ok {
		return false, nil
	}
	s.fields[f] = v
	return true, nil
}

func (s *fieldStore) get(f domain.Field) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.fields[f]
	return v, ok
}

// predictorFunc adapts a function to predictor.Client and counts calls.
type predictorFunc struct {
	calls atomic.Int32
	fn    func(ctx context.Context, model string, req predictor.Request) (predictor.Result, error)
}

func (p *predictorFunc) Predict(ctx context.Context, model string, req predictor.Request) (predictor.Result, error) {
	p.calls.Add(1)
	return p.fn(ctx, model, req)
}

func returning(res predictor.Result, err error) *predictorFunc {
	return &predictorFunc{fn: func(context.Context, string, predictor.Request) (predictor.Result, error) { return res, err }}
}

type memLedger struct {
	mu   sync.Mutex
	runs []*domain.EnrichmentRun
	err  error
}

func (l *memLedger) RecordEnrichment(_ context.Context, run *domain.EnrichmentRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs = append(l.runs, run)
	return l.err
}

func deps(store enrich.Store) enrich.Deps {
	return enrich.Deps{Store: store, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func ptr[T any](v T) *T { return &v }

func ticket() *domain.Ticket {
	return &domain.Ticket{
		Key:         "t-1",
		Description: "login fails for EU users at checkout",
		Seniority:   3,
		Experience:  2,
		Category:    "bug",
		Type:        "incident",
		Impact:      "high",
	}
}

func TestPriorityTask_WritesLabel(t *testing.T) {
	store := newFieldStore()
	var gotReq predictor.Request
	var gotModel string
	p := &predictorFunc{fn: func(_ context.Context, model string, req predictor.Request) (predictor.Result, error) {
		gotModel, gotReq = model, req
		return predictor.Result{Label: "P1"}, nil
	}}

	outcome, err := enrich.NewPriorityTask(deps(store), p, "mdl_priority").Handle(context.Background(), ticket())
	require.NoError(t, err)
	assert.Equal(t, domain.EnrichmentWritten, outcome)
	assert.Equal(t, "mdl_priority", gotModel)
	assert.Equal(t, "t-1,3,2,bug,incident,high", gotReq.Instance)

	v, ok := store.get(domain.FieldPredictedPriority)
	assert.True(t, ok)
	assert.Equal(t, "P1", v)
}

func TestTask_PresentFieldSkipsPredictor(t *testing.T) {
	store := newFieldStore()
	p := returning(predictor.Result{Label: "P4"}, nil)
	tk := ticket()
	tk.PredictedPriority = ptr("P1")

	outcome, err := enrich.NewPriorityTask(deps(store), p, "mdl").Handle(context.Background(), tk)
	require.NoError(t, err)
	assert.Equal(t, domain.EnrichmentSkipped, outcome)
	assert.Zero(t, p.calls.Load())
	_, written := store.get(domain.FieldPredictedPriority)
	assert.False(t, written)
}

func TestTask_NeutralSentimentCountsAsPresent(t *testing.T) {
	p := returning(predictor.Result{Score: 0.4, HasScore: true}, nil)
	tk := ticket()
	tk.PredictedSentiment = ptr(0.0)

	outcome, err := enrich.NewSentimentTask(deps(newFieldStore()), p).Handle(context.Background(), tk)
	require.NoError(t, err)
	assert.Equal(t, domain.EnrichmentSkipped, outcome)
	assert.Zero(t, p.calls.Load())
}

func TestTask_RepeatedInvocationWritesOnce(t *testing.T) {
	store := newFieldStore()
	p := returning(predictor.Result{Score: 2.5, HasScore: true}, nil)
	task := enrich.NewResolutionTimeTask(deps(store), p, "mdl_resolution")

	first, err := task.Handle(context.Background(), ticket())
	require.NoError(t, err)
	second, err := task.Handle(context.Background(), ticket()) // stale snapshot, field missing
	require.NoError(t, err)

	assert.Equal(t, domain.EnrichmentWritten, first)
	assert.Equal(t, domain.EnrichmentConflict, second)
	v, _ := store.get(domain.FieldPredictedResolutionTime)
	assert.Equal(t, "2.5", v)
}

func TestTask_PredictorFailureLeavesFieldAbsent(t *testing.T) {
	store := newFieldStore()
	p := returning(predictor.Result{}, &domain.TransportError{Service: "predictor", Err: errors.New("503")})

	outcome, err := enrich.NewSentimentTask(deps(store), p).Handle(context.Background(), ticket())
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, domain.EnrichmentFailed, outcome)
	assert.Equal(t, int32(1), p.calls.Load(), "no internal retry")
	_, written := store.get(domain.FieldPredictedSentiment)
	assert.False(t, written)
}

func TestResolutionTimeTask_RejectsNonNumeric(t *testing.T) {
	store := newFieldStore()
	p := returning(predictor.Result{Label: "soon"}, nil)

	_, err := enrich.NewResolutionTimeTask(deps(store), p, "mdl").Handle(context.Background(), ticket())
	var pe *domain.PredictorError
	require.ErrorAs(t, err, &pe)
	_, written := store.get(domain.FieldPredictedResolutionTime)
	assert.False(t, written)
}

func TestSentimentTask_SendsDescription(t *testing.T) {
	store := newFieldStore()
	var gotReq predictor.Request
	p := &predictorFunc{fn: func(_ context.Context, model string, req predictor.Request) (predictor.Result, error) {
		assert.Equal(t, predictor.ModelSentiment, model)
		gotReq = req
		return predictor.Result{Score: -0.6, HasScore: true}, nil
	}}

	_, err := enrich.NewSentimentTask(deps(store), p).Handle(context.Background(), ticket())
	require.NoError(t, err)
	assert.Equal(t, "login fails for EU users at checkout", gotReq.Text)
	v, _ := store.get(domain.FieldPredictedSentiment)
	assert.Equal(t, "-0.6", v)
}

func TestTagsTask_WritesFullSet(t *testing.T) {
	store := newFieldStore()
	p := returning(predictor.Result{Entities: []string{"login", "EU", "checkout"}}, nil)

	outcome, err := enrich.NewTagsTask(deps(store), p).Handle(context.Background(), ticket())
	require.NoError(t, err)
	assert.Equal(t, domain.EnrichmentWritten, outcome)
	v, _ := store.get(domain.FieldTags)
	assert.JSONEq(t, `["login","EU","checkout"]`, v)
}

func TestTagsTask_NoEntitiesWritesEmptySet(t *testing.T) {
	store := newFieldStore()
	p := returning(predictor.Result{}, nil)

	_, err := enrich.NewTagsTask(deps(store), p).Handle(context.Background(), ticket())
	require.NoError(t, err)
	v, ok := store.get(domain.FieldTags)
	assert.True(t, ok)
	assert.Equal(t, "[]", v)
}

func TestTask_TimeoutIsRetryable(t *testing.T) {
	p := &predictorFunc{fn: func(ctx context.Context, _ string, _ predictor.Request) (predictor.Result, error) {
		<-ctx.Done()
		return predictor.Result{}, ctx.Err()
	}}
	d := deps(newFieldStore())
	d.Timeout = 20 * time.Millisecond

	_, err := enrich.NewPriorityTask(d, p, "mdl").Handle(context.Background(), ticket())
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTask_StoreFailures(t *testing.T) {
	t.Run("missing ticket is final", func(t *testing.T) {
		store := newFieldStore()
		store.err = &domain.TicketNotFoundError{Key: "t-1"}
		_, err := enrich.NewPriorityTask(deps(store), returning(predictor.Result{Label: "P1"}, nil), "mdl").
			Handle(context.Background(), ticket())
		var nf *domain.TicketNotFoundError
		require.ErrorAs(t, err, &nf)
		assert.False(t, domain.IsRetryable(err))
	})
	t.Run("unavailable store is retryable", func(t *testing.T) {
		store := newFieldStore()
		store.err = errors.New("connection refused")
		_, err := enrich.NewPriorityTask(deps(store), returning(predictor.Result{Label: "P1"}, nil), "mdl").
			Handle(context.Background(), ticket())
		assert.True(t, domain.IsRetryable(err))
	})
}

func TestTask_RecordsRunsInLedger(t *testing.T) {
	ledger := &memLedger{err: errors.New("ledger down")}
	d := deps(newFieldStore())
	d.Ledger = ledger
	task := enrich.NewPriorityTask(d, returning(predictor.Result{Label: "P1"}, nil), "mdl")

	_, err := task.Handle(context.Background(), ticket())
	require.NoError(t, err, "ledger failures never fail the task")

	require.Len(t, ledger.runs, 1)
	run := ledger.runs[0]
	assert.Equal(t, "t-1", run.TicketKey)
	assert.Equal(t, domain.FieldPredictedPriority, run.Field)
	assert.Equal(t, "mdl", run.Model)
	assert.Equal(t, domain.EnrichmentWritten, run.Outcome)
}

// All four tasks racing on one ticket each own a different field, so every
// write lands.
func TestTasks_ConcurrentDisjointWrites(t *testing.T) {
	store := newFieldStore()
	d := deps(store)
	slow := func(res predictor.Result) *predictorFunc {
		return &predictorFunc{fn: func(context.Context, string, predictor.Request) (predictor.Result, error) {
			time.Sleep(5 * time.Millisecond)
			return res, nil
		}}
	}
	tasks := []enrich.Handler{
		enrich.NewPriorityTask(d, slow(predictor.Result{Label: "P1"}), "mdl_priority"),
		enrich.NewResolutionTimeTask(d, slow(predictor.Result{Score: 2.5, HasScore: true}), "mdl_resolution"),
		enrich.NewSentimentTask(d, slow(predictor.Result{Score: -0.6, HasScore: true})),
		enrich.NewTagsTask(d, slow(predictor.Result{Entities: []string{"login"}})),
	}

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := task.Handle(context.Background(), ticket())
			assert.NoError(t, err)
			assert.Equal(t, domain.EnrichmentWritten, outcome)
		}()
	}
	wg.Wait()

	for _, f := range []domain.Field{
		domain.FieldPredictedPriority, domain.FieldPredictedResolutionTime,
		domain.FieldPredictedSentiment, domain.FieldTags,
	} {
		_, ok := store.get(f)
		assert.True(t, ok, "field %s must be written", f)
	}
}

package enrich_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/ticketflow/internal/domain"
	"github.com/ramiqadoumi/ticketflow/internal/enrich"
)

// stub is a minimal Handler implementation for registry tests.
type stub struct{ field domain.Field }

func (s *stub) Field() domain.Field { return s.field }
func (s *stub) Handle(context.Context, *domain.Ticket) (domain.EnrichmentOutcome, error) {
	return domain.EnrichmentSkipped, nil
}

func TestRegistry_Get(t *testing.T) {
	reg := enrich.NewRegistry()
	reg.Register(&stub{field: domain.FieldTags})

	h, err := reg.Get(domain.FieldTags)
	require.NoError(t, err)
	assert.Equal(t, domain.FieldTags, h.Field())

	_, err = reg.Get(domain.FieldPredictedPriority)
	require.Error(t, err)
}

func TestRegistry_AllIsOrdered(t *testing.T) {
	reg := enrich.NewRegistry()
	reg.Register(&stub{field: domain.FieldTags})
	reg.Register(&stub{field: domain.FieldPredictedPriority})
	reg.Register(&stub{field: domain.FieldPredictedSentiment})
	reg.Register(&stub{field: domain.FieldTags}) // replaces

	var fields []domain.Field
	for _, h := range reg.All() {
		fields = append(fields, h.Field())
	}
	assert.Equal(t, []domain.Field{
		domain.FieldPredictedPriority, domain.FieldPredictedSentiment, domain.FieldTags,
	}, fields)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := enrich.NewRegistry()
	reg.Register(&stub{field: domain.FieldTags})

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(2)
		go func() { defer wg.Done(); reg.Register(&stub{field: domain.FieldPredictedSentiment}) }()
		go func() { defer wg.Done(); _, _ = reg.Get(domain.FieldTags) }()
	}
	wg.Wait()
}

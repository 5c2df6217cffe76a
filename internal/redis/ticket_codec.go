package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ramiqadoumi/ticketflow/internal/domain"
)

// encodeTicket flattens a ticket into HSET field/value pairs. Absent
// optional fields are left out so they stay absent in the hash.
func encodeTicket(t *domain.Ticket) []any {
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	args := []any{
		string(domain.FieldDescription), t.Description,
		string(domain.FieldSeniority), strconv.Itoa(t.Seniority),
		string(domain.FieldExperience), strconv.Itoa(t.Experience),
		string(domain.FieldCategory), t.Category,
		string(domain.FieldType), t.Type,
		string(domain.FieldImpact), t.Impact,
		string(domain.FieldCreatedAt), createdAt.Format(time.RFC3339Nano),
	}
	add := func(f domain.Field, v string) { args = append(args, string(f), v) }

	if t.Priority != "" {
		add(domain.FieldPriority, t.Priority)
	}
	if t.ResolutionTime != nil {
		add(domain.FieldResolutionTime, domain.EncodeFloat(*t.ResolutionTime))
	}
	if t.PredictedPriority != nil {
		add(domain.FieldPredictedPriority, *t.PredictedPriority)
	}
	if t.PredictedResolutionTime != nil {
		add(domain.FieldPredictedResolutionTime, domain.EncodeFloat(*t.PredictedResolutionTime))
	}
	if t.PredictedSentiment != nil {
		add(domain.FieldPredictedSentiment, domain.EncodeFloat(*t.PredictedSentiment))
	}
	if t.Tags != nil {
		add(domain.FieldTags, domain.EncodeTags(*t.Tags))
	}
	return args
}

// decodeTicket validates a raw hash and turns it into a typed ticket.
func decodeTicket(key string, h map[string]string) (*domain.Ticket, error) {
	t := &domain.Ticket{
		Key:         key,
		Description: h[string(domain.FieldDescription)],
		Category:    h[string(domain.FieldCategory)],
		Type:        h[string(domain.FieldType)],
		Impact:      h[string(domain.FieldImpact)],
		Priority:    h[string(domain.FieldPriority)],
	}
	invalid := func(f domain.Field, err error) error {
		return &domain.InvalidTicketError{Key: key, Reason: fmt.Sprintf("field %s: %v", f, err)}
	}

	var err error
	if t.Seniority, err = intField(h, domain.FieldSeniority); err != nil {
		return nil, invalid(domain.FieldSeniority, err)
	}
	if t.Experience, err = intField(h, domain.FieldExperience); err != nil {
		return nil, invalid(domain.FieldExperience, err)
	}
	if t.SyncFailures, err = intField(h, domain.FieldSyncFailures); err != nil {
		return nil, invalid(domain.FieldSyncFailures, err)
	}
	if t.ResolutionTime, err = floatField(h, domain.FieldResolutionTime); err != nil {
		return nil, invalid(domain.FieldResolutionTime, err)
	}
	if t.PredictedResolutionTime, err = floatField(h, domain.FieldPredictedResolutionTime); err != nil {
		return nil, invalid(domain.FieldPredictedResolutionTime, err)
	}
	if t.PredictedSentiment, err = floatField(h, domain.FieldPredictedSentiment); err != nil {
		return nil, invalid(domain.FieldPredictedSentiment, err)
	}
	if v, ok := h[string(domain.FieldTags)]; ok {
		tags, err := domain.DecodeTags(v)
		if err != nil {
			return nil, invalid(domain.FieldTags, err)
		}
		t.Tags = &tags
	}
	t.PredictedPriority = stringField(h, domain.FieldPredictedPriority)
	t.DownstreamID = stringField(h, domain.FieldDownstreamID)
	t.DeadLetter = stringField(h, domain.FieldDeadLetter)

	if v, ok := h[string(domain.FieldCreatedAt)]; ok {
		if t.CreatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, invalid(domain.FieldCreatedAt, err)
		}
	}
	return t, nil
}

func intField(h map[string]string, f domain.Field) (int, error) {
	v, ok := h[string(f)]
	if !ok || v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func floatField(h map[string]string, f domain.Field) (*float64, error) {
	v, ok := h[string(f)]
	if !ok {
		return nil, nil
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func stringField(h map[string]string, f domain.Field) *string {
	v, ok := h[string(f)]
	if !ok {
		return nil
	}
	return &v
}

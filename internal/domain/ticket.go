package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Field names one attribute of a ticket as it is kept in the record store.
type Field string

const (
	FieldDescription    Field = "description"
	FieldSeniority      Field = "seniority"
	FieldExperience     Field = "experience"
	FieldCategory       Field = "category"
	FieldType           Field = "type"
	FieldImpact         Field = "impact"
	FieldPriority       Field = "priority"
	FieldResolutionTime Field = "t_resolution"
	FieldCreatedAt      Field = "created_at"

	FieldPredictedPriority       Field = "pred_priority"
	FieldPredictedResolutionTime Field = "pred_resolution_time"
	FieldPredictedSentiment      Field = "pred_sentiment"
	FieldTags                    Field = "tags"

	FieldDownstreamID Field = "downstream_id"
	FieldSyncFailures Field = "sync_failures"
	FieldDeadLetter   Field = "sync_dead_letter"
)

// GateFields must all be present before the downstream sync may run.
// Tags are deliberately not part of the gate.
var GateFields = []Field{
	FieldPredictedPriority,
	FieldPredictedSentiment,
	FieldPredictedResolutionTime,
}

// IsDerived reports whether f is written by an enrichment task.
func (f Field) IsDerived() bool {
	switch f {
	case FieldPredictedPriority, FieldPredictedResolutionTime, FieldPredictedSentiment, FieldTags:
		return true
	}
	return false
}

// ConvergenceStatus is where a ticket stands with respect to the downstream sync.
type ConvergenceStatus string

const (
	StatusPending      ConvergenceStatus = "PENDING"
	StatusClaimed      ConvergenceStatus = "CLAIMED"
	StatusConverged    ConvergenceStatus = "CONVERGED"
	StatusDeadLettered ConvergenceStatus = "DEAD_LETTERED"
)

// IsTerminal returns true if no further convergence attempt can happen.
func (s ConvergenceStatus) IsTerminal() bool {
	return s == StatusConverged || s == StatusDeadLettered
}

// Ticket is a support case and the fields derived from it.
// Derived fields are nil until their enrichment task has written them.
type Ticket struct {
	Key         string `json:"key"`
	Description string `json:"description"`
	Seniority   int    `json:"seniority"`
	Experience  int    `json:"experience"`
	Category    string `json:"category"`
	Type        string `json:"type"`
	Impact      string `json:"impact"`

	// Priority and ResolutionTime are hints supplied at creation. They only
	// travel to the downstream payload.
	Priority       string   `json:"priority,omitempty"`
	ResolutionTime *float64 `json:"t_resolution,omitempty"`

	PredictedPriority       *string   `json:"pred_priority,omitempty"`
	PredictedResolutionTime *float64  `json:"pred_resolution_time,omitempty"`
	PredictedSentiment      *float64  `json:"pred_sentiment,omitempty"`
	Tags                    *[]string `json:"tags,omitempty"`

	DownstreamID *string `json:"downstream_id,omitempty"`
	SyncFailures int     `json:"sync_failures,omitempty"`
	DeadLetter   *string `json:"sync_dead_letter,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Has reports whether field f carries a value.
func (t *Ticket) Has(f Field) bool {
	switch f {
	case FieldPredictedPriority:
		return t.PredictedPriority != nil
	case FieldPredictedResolutionTime:
		return t.PredictedResolutionTime != nil
	case FieldPredictedSentiment:
		return t.PredictedSentiment != nil
	case FieldTags:
		return t.Tags != nil
	case FieldDownstreamID:
		return t.DownstreamID != nil
	case FieldDeadLetter:
		return t.DeadLetter != nil
	case FieldResolutionTime:
		return t.ResolutionTime != nil
	case FieldPriority:
		return t.Priority != ""
	}
	return false
}

// Missing returns the gate fields that are still absent.
func (t *Ticket) Missing() []Field {
	var missing []Field
	for _, f := range GateFields {
		if !t.Has(f) {
			missing = append(missing, f)
		}
	}
	return missing
}

// Complete reports whether every gate field is present.
func (t *Ticket) Complete() bool { return len(t.Missing()) == 0 }

// Status derives the convergence status visible on the snapshot alone.
// A held claim is not part of the record and is reported by the store.
func (t *Ticket) Status() ConvergenceStatus {
	switch {
	case t.DownstreamID != nil:
		return StatusConverged
	case t.DeadLetter != nil:
		return StatusDeadLettered
	}
	return StatusPending
}

// FeatureVector is the comma-separated instance sent to the tabular models:
// key, seniority, experience, category, type, impact.
func (t *Ticket) FeatureVector() string {
	return strings.Join([]string{
		t.Key,
		strconv.Itoa(t.Seniority),
		strconv.Itoa(t.Experience),
		t.Category,
		t.Type,
		t.Impact,
	}, ",")
}

// Validate checks the input fields an external actor must supply.
func (t *Ticket) Validate() error {
	if strings.TrimSpace(t.Key) == "" {
		return &InvalidTicketError{Key: t.Key, Reason: "key is required"}
	}
	if strings.ContainsAny(t.Key, ": ,") {
		return &InvalidTicketError{Key: t.Key, Reason: "key must not contain ':', ',' or spaces"}
	}
	if strings.TrimSpace(t.Description) == "" {
		return &InvalidTicketError{Key: t.Key, Reason: "description is required"}
	}
	if t.Seniority < 0 || t.Experience < 0 {
		return &InvalidTicketError{Key: t.Key, Reason: "seniority and experience must not be negative"}
	}
	// These are columns of the feature vector.
	for name, v := range map[string]string{"category": t.Category, "type": t.Type, "impact": t.Impact} {
		if strings.Contains(v, ",") {
			return &InvalidTicketError{Key: t.Key, Reason: name + " must not contain ','"}
		}
	}
	return nil
}

// EncodeFloat renders a numeric field value for the record store.
func EncodeFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// EncodeTags renders a full tag set. A nil set encodes as an empty list so
// that "no entities found" is still a present value.
func EncodeTags(tags []string) string {
	if tags == nil {
		tags = []string{}
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

// DecodeTags parses a value written by EncodeTags.
func DecodeTags(s string) ([]string, error) {
	tags := []string{}
	if err := json.Unmarshal([]byte(s), &tags); err != nil {
		return nil, fmt.Errorf("decode tags %q: %w", s, err)
	}
	return tags, nil
}

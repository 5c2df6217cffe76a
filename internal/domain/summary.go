package domain

import "fmt"

// Summary is the enriched record pushed to the downstream sink once per ticket.
type Summary struct {
	TicketKey      string
	Description    string
	Type           string
	Category       string
	Priority       string
	ResolutionTime *float64

	PredictedPriority       string
	PredictedResolutionTime float64
	Sentiment               float64
	// Tags are included when already present; they never gate the sync.
	Tags []string
}

// NewSummary builds the downstream payload from a complete ticket.
func NewSummary(t *Ticket) (Summary, error) {
	if missing := t.Missing(); len(missing) > 0 {
		return Summary{}, &InvalidTicketError{
			Key:    t.Key,
			Reason: fmt.Sprintf("missing gate fields %v", missing),
		}
	}
	s := Summary{
		TicketKey:               t.Key,
		Description:             t.Description,
		Type:                    t.Type,
		Category:                t.Category,
		Priority:                t.Priority,
		ResolutionTime:          t.ResolutionTime,
		PredictedPriority:       *t.PredictedPriority,
		PredictedResolutionTime: *t.PredictedResolutionTime,
		Sentiment:               *t.PredictedSentiment,
	}
	if t.Tags != nil {
		s.Tags = append([]string(nil), (*t.Tags)...)
	}
	return s, nil
}

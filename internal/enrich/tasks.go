package enrich

import (
	"math"

	"github.com/ramiqadoumi/ticketflow/internal/domain"
	"github.com/ramiqadoumi/ticketflow/internal/predictor"
)

func featureVector(t *domain.Ticket) predictor.Request {
	return predictor.Request{Instance: t.FeatureVector()}
}

func descriptionText(t *domain.Ticket) predictor.Request {
	return predictor.Request{Text: t.Description}
}

// NewPriorityTask predicts pred_priority with a tabular classification model.
func NewPriorityTask(d Deps, client predictor.Client, model string) *Task {
	return newTask(d, domain.FieldPredictedPriority, client, model, featureVector,
		func(res predictor.Result) (string, error) {
			if res.Label == "" {
				return "", &domain.PredictorError{Model: model, Reason: "empty priority label"}
			}
			return res.Label, nil
		})
}

// NewResolutionTimeTask predicts pred_resolution_time with a tabular
// regression model.
func NewResolutionTimeTask(d Deps, client predictor.Client, model string) *Task {
	return newTask(d, domain.FieldPredictedResolutionTime, client, model, featureVector,
		func(res predictor.Result) (string, error) {
			if !res.HasScore || math.IsNaN(res.Score) || math.IsInf(res.Score, 0) {
				return "", &domain.PredictorError{Model: model, Reason: "resolution time is not a number: " + res.Label}
			}
			return domain.EncodeFloat(res.Score), nil
		})
}

// NewSentimentTask scores the description's sentiment.
func NewSentimentTask(d Deps, client predictor.Client) *Task {
	return newTask(d, domain.FieldPredictedSentiment, client, predictor.ModelSentiment, descriptionText,
		func(res predictor.Result) (string, error) {
			if !res.HasScore {
				return "", &domain.PredictorError{Model: predictor.ModelSentiment, Reason: "no sentiment score"}
			}
			return domain.EncodeFloat(res.Score), nil
		})
}

// NewTagsTask extracts entity names from the description. The whole tag set
// is written at once; an empty set is a valid result.
func NewTagsTask(d Deps, client predictor.Client) *Task {
	return newTask(d, domain.FieldTags, client, predictor.ModelEntities, descriptionText,
		func(res predictor.Result) (string, error) {
			return domain.EncodeTags(res.Entities), nil
		})
}

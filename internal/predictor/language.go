package predictor

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/ticketflow/internal/domain"
)

// Model selectors understood by Language.
const (
	ModelSentiment = "sentiment"
	ModelEntities  = "entities"
)

type document struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type analyzeRequest struct {
	Document     document `json:"document"`
	EncodingType string   `json:"encodingType"`
}

type sentimentResponse struct {
	DocumentSentiment *struct {
		Score     float64 `json:"score"`
		Magnitude float64 `json:"magnitude"`
	} `json:"documentSentiment"`
}

// Empty entity lists are usually omitted from the reply.
type entitiesResponse struct {
	Entities []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"entities"`
}

// Language calls a natural-language analysis API for document sentiment and
// entity extraction.
type Language struct {
	client   *http.Client
	endpoint string
}

func NewLanguage(client *http.Client, endpoint string) *Language {
	return &Language{client: client, endpoint: strings.TrimRight(endpoint, "/")}
}

func (l *Language) Predict(ctx context.Context, model string, req Request) (Result, error) {
	ctx, span := otel.Tracer("predictor").Start(ctx, "predictor.language")
	defer span.End()
	span.SetAttributes(attribute.String("predictor.model", model))

	var (
		res Result
		err error
	)
	switch {
	case strings.TrimSpace(req.Text) == "":
		err = &domain.PredictorError{Model: model, Reason: "empty document"}
	case model == ModelSentiment:
		res, err = l.sentiment(ctx, req.Text)
	case model == ModelEntities:
		res, err = l.entities(ctx, req.Text)
	default:
		err = &domain.PredictorError{Model: model, Reason: "unknown language model"}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "analysis failed")
	}
	return res, err
}

func (l *Language) sentiment(ctx context.Context, text string) (Result, error) {
	var resp sentimentResponse
	if err := postJSON(ctx, l.client, ModelSentiment, l.endpoint+"/v1/documents:analyzeSentiment", newAnalyzeRequest(text), &resp); err != nil {
		return Result{}, err
	}
	if resp.DocumentSentiment == nil {
		return Result{}, &domain.PredictorError{Model: ModelSentiment, Reason: "response has no documentSentiment"}
	}
	score := resp.DocumentSentiment.Score
	return Result{Label: strconv.FormatFloat(score, 'f', -1, 64), Score: score, HasScore: true}, nil
}

func (l *Language) entities(ctx context.Context, text string) (Result, error) {
	var resp entitiesResponse
	if err := postJSON(ctx, l.client, ModelEntities, l.endpoint+"/v1/documents:analyzeEntities", newAnalyzeRequest(text), &resp); err != nil {
		return Result{}, err
	}
	seen := make(map[string]bool)
	names := []string{}
	for _, e := range resp.Entities {
		if e.Name == "" || seen[e.Name] {
			continue
		}
		seen[e.Name] = true
		names = append(names, e.Name)
	}
	return Result{Label: strings.Join(names, ","), Entities: names}, nil
}

func newAnalyzeRequest(text string) analyzeRequest {
	return analyzeRequest{
		Document:     document{Type: "PLAIN_TEXT", Content: text},
		EncodingType: "UTF8",
	}
}

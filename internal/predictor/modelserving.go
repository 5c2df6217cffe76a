package predictor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/ticketflow/internal/domain"
)

type predictRequest struct {
	Instances []string `json:"instances"`
}

type predictResponse struct {
	Predictions []struct {
		Predicted json.RawMessage `json:"predicted"`
	} `json:"predictions"`
	Error string `json:"error"`
}

// ModelServing calls custom tabular models hosted under one project.
type ModelServing struct {
	client   *http.Client
	endpoint string
	project  string
}

// NewModelServing creates a client for {endpoint}/v1/projects/{project}/models.
func NewModelServing(client *http.Client, endpoint, project string) *ModelServing {
	return &ModelServing{
		client:   client,
		endpoint: strings.TrimRight(endpoint, "/"),
		project:  project,
	}
}

func (m *ModelServing) Predict(ctx context.Context, model string, req Request) (Result, error) {
	ctx, span := otel.Tracer("predictor").Start(ctx, "predictor.model_serving")
	defer span.End()
	span.SetAttributes(attribute.String("predictor.model", model))

	res, err := m.predict(ctx, model, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prediction failed")
	}
	return res, err
}

func (m *ModelServing) predict(ctx context.Context, model string, req Request) (Result, error) {
	if req.Instance == "" {
		return Result{}, &domain.PredictorError{Model: model, Reason: "empty feature vector"}
	}
	u := fmt.Sprintf("%s/v1/projects/%s/models/%s:predict",
		m.endpoint, url.PathEscape(m.project), url.PathEscape(model))

	var resp predictResponse
	if err := postJSON(ctx, m.client, model, u, predictRequest{Instances: []string{req.Instance}}, &resp); err != nil {
		return Result{}, err
	}
	if resp.Error != "" {
		return Result{}, &domain.PredictorError{Model: model, Reason: resp.Error}
	}
	if len(resp.Predictions) == 0 {
		return Result{}, &domain.PredictorError{Model: model, Reason: "no predictions returned"}
	}
	return decodePredicted(model, resp.Predictions[0].Predicted)
}

// decodePredicted accepts either a JSON string or a JSON number.
func decodePredicted(model string, raw json.RawMessage) (Result, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Result{}, &domain.PredictorError{Model: model, Reason: "prediction has no predicted value"}
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return Result{Label: strconv.FormatFloat(n, 'f', -1, 64), Score: n, HasScore: true}, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return Result{}, &domain.PredictorError{Model: model, Reason: fmt.Sprintf("unsupported predicted value %s", raw)}
	}
	if s == "" {
		return Result{}, &domain.PredictorError{Model: model, Reason: "prediction has no predicted value"}
	}
	res := Result{Label: s}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		res.Score, res.HasScore = f, true
	}
	return res, nil
}

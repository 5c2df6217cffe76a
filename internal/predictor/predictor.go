// Package predictor talks to the hosted models that derive ticket fields:
// tabular models behind a model-serving endpoint and a language analysis API.
package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ramiqadoumi/ticketflow/internal/domain"
)

// Request is the payload for one prediction. Tabular models read Instance,
// language models read Text.
type Request struct {
	Instance string
	Text     string
}

// Result is a model's answer. Which parts are filled depends on the model.
type Result struct {
	// Label is the prediction rendered as text.
	Label string
	// Score is set when the prediction is numeric.
	Score    float64
	HasScore bool
	Entities []string
}

// Client performs one model inference.
type Client interface {
	Predict(ctx context.Context, model string, req Request) (Result, error)
}

// AuthConfig holds OAuth2 client-credentials settings. An empty TokenURL
// disables authentication.
type AuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// NewHTTPClient returns an HTTP client that attaches bearer tokens obtained
// with the client-credentials grant and refreshes them as they expire.
func NewHTTPClient(ctx context.Context, auth AuthConfig, timeout time.Duration) *http.Client {
	base := &http.Client{Timeout: timeout}
	if auth.TokenURL == "" {
		return base
	}
	cc := clientcredentials.Config{
		ClientID:     auth.ClientID,
		ClientSecret: auth.ClientSecret,
		TokenURL:     auth.TokenURL,
		Scopes:       auth.Scopes,
	}
	// Token fetches use the same timeout as predictions.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	client := cc.Client(ctx)
	client.Timeout = timeout
	return client
}

// postJSON sends in as JSON and decodes a 2xx reply into out, mapping every
// failure onto the domain error taxonomy.
func postJSON(ctx context.Context, client *http.Client, model, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &domain.PredictorError{Model: model, Reason: fmt.Sprintf("encode request: %v", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &domain.PredictorError{Model: model, Reason: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		var retrieve *oauth2.RetrieveError
		if errors.As(err, &retrieve) {
			return &domain.AuthenticationError{Service: "predictor", Err: err}
		}
		return &domain.TransportError{Service: "predictor", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &domain.TransportError{Service: "predictor", Err: fmt.Errorf("read body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &domain.AuthenticationError{Service: "predictor", Err: fmt.Errorf("status %d: %s", resp.StatusCode, snippet(raw))}
	case resp.StatusCode >= http.StatusInternalServerError:
		return &domain.TransportError{Service: "predictor", Err: fmt.Errorf("status %d: %s", resp.StatusCode, snippet(raw))}
	case resp.StatusCode >= http.StatusBadRequest:
		return &domain.PredictorError{Model: model, Reason: fmt.Sprintf("status %d: %s", resp.StatusCode, snippet(raw))}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return &domain.PredictorError{Model: model, Reason: fmt.Sprintf("malformed response: %v", err)}
	}
	return nil
}

func snippet(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

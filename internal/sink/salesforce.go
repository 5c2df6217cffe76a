package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"

	"github.com/ramiqadoumi/ticketflow/internal/domain"
)

// Config holds the Salesforce connection settings.
type Config struct {
	LoginURL      string
	ClientID      string
	ClientSecret  string
	Username      string
	Password      string
	SecurityToken string
	APIVersion    string
	Object        string
	SuppliedEmail string
	Timeout       time.Duration
}

type caseRecord struct {
	SuppliedEmail           string   `json:"SuppliedEmail,omitempty"`
	Description             string   `json:"Description"`
	Type                    string   `json:"Type,omitempty"`
	Reason                  string   `json:"Reason,omitempty"`
	Priority                string   `json:"Priority,omitempty"`
	ResolutionTime          *float64 `json:"ResolutionTime__c,omitempty"`
	PredictedPriority       string   `json:"PredictedPriority__c"`
	PredictedResolutionTime float64  `json:"PredictedResolutionTime__c"`
	Sentiment               float64  `json:"Sentiment__c"`
	Tags                    string   `json:"Tags__c,omitempty"`
}

type createResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Errors  []struct {
		StatusCode string `json:"statusCode"`
		Message    string `json:"message"`
	} `json:"errors"`
}

// Salesforce creates one sobject record per ticket through the REST API.
type Salesforce struct {
	cfg    Config
	oauth  oauth2.Config
	client *http.Client

	mu      sync.Mutex
	session *Session
	expiry  time.Time
}

// NewSalesforce returns a sink client. Sessions are cached across creates.
func NewSalesforce(cfg Config) *Salesforce {
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v59.0"
	}
	if cfg.Object == "" {
		cfg.Object = "Case"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Salesforce{
		cfg: cfg,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  strings.TrimRight(cfg.LoginURL, "/") + "/services/oauth2/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Authenticate logs in with the password grant, using password plus security
// token, unless a cached session is still valid.
func (s *Salesforce) Authenticate(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil && (s.expiry.IsZero() || time.Now().Before(s.expiry)) {
		return s.session, nil
	}

	ctx, span := otel.Tracer("sink").Start(ctx, "sink.authenticate")
	defer span.End()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)
	tok, err := s.oauth.PasswordCredentialsToken(ctx, s.cfg.Username, s.cfg.Password+s.cfg.SecurityToken)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "login failed")
		var retrieve *oauth2.RetrieveError
		if errors.As(err, &retrieve) {
			return nil, &domain.AuthenticationError{Service: "sink", Err: err}
		}
		return nil, &domain.TransportError{Service: "sink", Err: err}
	}

	instance, _ := tok.Extra("instance_url").(string)
	if instance == "" {
		err := errors.New("token response has no instance_url")
		span.RecordError(err)
		span.SetStatus(codes.Error, "login failed")
		return nil, &domain.AuthenticationError{Service: "sink", Err: err}
	}
	s.session = &Session{AccessToken: tok.AccessToken, InstanceURL: strings.TrimRight(instance, "/")}
	s.expiry = tok.Expiry
	return s.session, nil
}

// Create inserts the summary as a new record and returns its id. A 401
// invalidates the cached session so the next Authenticate logs in again.
func (s *Salesforce) Create(ctx context.Context, session *Session, summary domain.Summary) (string, error) {
	ctx, span := otel.Tracer("sink").Start(ctx, "sink.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("ticket.key", summary.TicketKey),
		attribute.String("sink.object", s.cfg.Object),
	)

	id, err := s.create(ctx, session, summary)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		return "", err
	}
	span.SetAttributes(attribute.String("sink.record_id", id))
	return id, nil
}

func (s *Salesforce) create(ctx context.Context, session *Session, summary domain.Summary) (string, error) {
	if session == nil {
		return "", &domain.AuthenticationError{Service: "sink", Err: errors.New("no session")}
	}
	body, err := json.Marshal(s.toRecord(summary))
	if err != nil {
		return "", &domain.SinkError{Reason: fmt.Sprintf("encode record: %v", err)}
	}
	url := fmt.Sprintf("%s/services/data/%s/sobjects/%s/", session.InstanceURL, s.cfg.APIVersion, s.cfg.Object)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &domain.SinkError{Reason: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+session.AccessToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &domain.TransportError{Service: "sink", Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &domain.TransportError{Service: "sink", Err: fmt.Errorf("read body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		s.invalidate(session)
		return "", &domain.AuthenticationError{Service: "sink", Err: fmt.Errorf("session rejected: %s", raw)}
	case resp.StatusCode >= http.StatusInternalServerError:
		return "", &domain.TransportError{Service: "sink", Err: fmt.Errorf("status %d: %s", resp.StatusCode, raw)}
	}

	var res createResult
	decodeErr := json.Unmarshal(raw, &res)
	if resp.StatusCode >= http.StatusBadRequest {
		return "", &domain.SinkError{StatusCode: resp.StatusCode, Reason: errorReason(raw)}
	}
	if decodeErr != nil {
		return "", &domain.SinkError{StatusCode: resp.StatusCode, Reason: fmt.Sprintf("malformed response: %v", decodeErr)}
	}
	if !res.Success || res.ID == "" {
		reasons := make([]string, 0, len(res.Errors))
		for _, e := range res.Errors {
			reasons = append(reasons, e.StatusCode+": "+e.Message)
		}
		return "", &domain.SinkError{StatusCode: resp.StatusCode, Reason: "create not successful: " + strings.Join(reasons, "; ")}
	}
	return res.ID, nil
}

func (s *Salesforce) invalidate(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == session {
		s.session = nil
	}
}

func (s *Salesforce) toRecord(sum domain.Summary) caseRecord {
	return caseRecord{
		SuppliedEmail:           s.cfg.SuppliedEmail,
		Description:             sum.Description,
		Type:                    sum.Type,
		Reason:                  sum.Category,
		Priority:                sum.Priority,
		ResolutionTime:          sum.ResolutionTime,
		PredictedPriority:       sum.PredictedPriority,
		PredictedResolutionTime: sum.PredictedResolutionTime,
		Sentiment:               sum.Sentiment,
		Tags:                    strings.Join(sum.Tags, ";"),
	}
}

// errorReason extracts messages from the REST API's error array, falling
// back to the raw body.
func errorReason(raw []byte) string {
	var errs []struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(raw, &errs); err != nil || len(errs) == 0 {
		return string(raw)
	}
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.ErrorCode+": "+e.Message)
	}
	return strings.Join(parts, "; ")
}

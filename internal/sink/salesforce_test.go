package sink_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/ticketflow/internal/domain"
	"github.com/ramiqadoumi/ticketflow/internal/sink"
)

// fakeOrg is an httptest server playing both the login and the REST endpoints.
type fakeOrg struct {
	srv        *httptest.Server
	logins     atomic.Int32
	creates    atomic.Int32
	lastRecord map[string]any
	lastAuth   string
	loginCode  int
	createCode int
	createBody string
}

func newFakeOrg(t *testing.T) *fakeOrg {
	t.Helper()
	org := &fakeOrg{
		loginCode:  http.StatusOK,
		createCode: http.StatusCreated,
		createBody: `{"id":"500xx01","success":true,"errors":[]}`,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/services/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		org.logins.Add(1)
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		if org.loginCode != http.StatusOK {
			w.WriteHeader(org.loginCode)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		assert.Equal(t, "password", r.PostForm.Get("grant_type"))
		assert.Equal(t, "support@example.com", r.PostForm.Get("username"))
		assert.Equal(t, "hunter2TOKEN", r.PostForm.Get("password"), "password and security token are concatenated")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": "sess-1",
			"token_type":   "Bearer",
			"instance_url": org.srv.URL,
		})
	})
	mux.HandleFunc("/services/data/v59.0/sobjects/Case/", func(w http.ResponseWriter, r *http.Request) {
		org.creates.Add(1)
		org.lastAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&org.lastRecord)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(org.createCode)
		_, _ = w.Write([]byte(org.createBody))
	})
	org.srv = httptest.NewServer(mux)
	t.Cleanup(org.srv.Close)
	return org
}

func (o *fakeOrg) client() *sink.Salesforce {
	return sink.NewSalesforce(sink.Config{
		LoginURL:      o.srv.URL,
		ClientID:      "cid",
		ClientSecret:  "csecret",
		Username:      "support@example.com",
		Password:      "hunter2",
		SecurityToken: "TOKEN",
		SuppliedEmail: "helpdesk@example.com",
	})
}

func summary() domain.Summary {
	rt := 4.0
	return domain.Summary{
		TicketKey:               "t-1",
		Description:             "checkout fails for EU users",
		Type:                    "incident",
		Category:                "bug",
		Priority:                "P2",
		ResolutionTime:          &rt,
		PredictedPriority:       "P1",
		PredictedResolutionTime: 2.5,
		Sentiment:               -0.6,
		Tags:                    []string{"login", "EU"},
	}
}

func TestSalesforce_AuthenticateAndCreate(t *testing.T) {
	org := newFakeOrg(t)
	sf := org.client()
	ctx := context.Background()

	sess, err := sf.Authenticate(ctx)
	require.NoError(t, err)
	assert.Equal(t, org.srv.URL, sess.InstanceURL)

	id, err := sf.Create(ctx, sess, summary())
	require.NoError(t, err)
	assert.Equal(t, "500xx01", id)
	assert.Equal(t, "Bearer sess-1", org.lastAuth)

	rec := org.lastRecord
	assert.Equal(t, "helpdesk@example.com", rec["SuppliedEmail"])
	assert.Equal(t, "checkout fails for EU users", rec["Description"])
	assert.Equal(t, "incident", rec["Type"])
	assert.Equal(t, "bug", rec["Reason"])
	assert.Equal(t, "P2", rec["Priority"])
	assert.Equal(t, 4.0, rec["ResolutionTime__c"])
	assert.Equal(t, "P1", rec["PredictedPriority__c"])
	assert.Equal(t, 2.5, rec["PredictedResolutionTime__c"])
	assert.Equal(t, -0.6, rec["Sentiment__c"])
	assert.Equal(t, "login;EU", rec["Tags__c"])
}

func TestSalesforce_SessionIsCached(t *testing.T) {
	org := newFakeOrg(t)
	sf := org.client()
	ctx := context.Background()

	first, err := sf.Authenticate(ctx)
	require.NoError(t, err)
	second, err := sf.Authenticate(ctx)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), org.logins.Load())
}

func TestSalesforce_UnauthorizedCreateDropsSession(t *testing.T) {
	org := newFakeOrg(t)
	sf := org.client()
	ctx := context.Background()

	sess, err := sf.Authenticate(ctx)
	require.NoError(t, err)

	org.createCode = http.StatusUnauthorized
	org.createBody = `[{"errorCode":"INVALID_SESSION_ID","message":"Session expired"}]`
	_, err = sf.Create(ctx, sess, summary())
	var ae *domain.AuthenticationError
	require.ErrorAs(t, err, &ae)
	assert.True(t, domain.IsRetryable(err))

	_, err = sf.Authenticate(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), org.logins.Load(), "a rejected session forces a fresh login")
}

func TestSalesforce_LoginRejected(t *testing.T) {
	org := newFakeOrg(t)
	org.loginCode = http.StatusBadRequest

	_, err := org.client().Authenticate(context.Background())
	var ae *domain.AuthenticationError
	require.ErrorAs(t, err, &ae)
}

func TestSalesforce_CreateFailures(t *testing.T) {
	cases := []struct {
		name      string
		code      int
		body      string
		retryable bool
	}{
		{"validation error", http.StatusBadRequest, `[{"errorCode":"REQUIRED_FIELD_MISSING","message":"Subject"}]`, false},
		{"success false", http.StatusCreated, `{"id":"","success":false,"errors":[{"statusCode":"DUPLICATE","message":"dup"}]}`, false},
		{"malformed", http.StatusCreated, `not json`, false},
		{"server error", http.StatusServiceUnavailable, `maintenance`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			org := newFakeOrg(t)
			org.createCode, org.createBody = tc.code, tc.body
			sf := org.client()
			sess, err := sf.Authenticate(context.Background())
			require.NoError(t, err)

			_, err = sf.Create(context.Background(), sess, summary())
			require.Error(t, err)
			assert.Equal(t, tc.retryable, domain.IsRetryable(err))
			if !tc.retryable {
				var se *domain.SinkError
				require.ErrorAs(t, err, &se)
			}
		})
	}
}

func TestSalesforce_OmitsAbsentHints(t *testing.T) {
	org := newFakeOrg(t)
	sf := org.client()
	sess, err := sf.Authenticate(context.Background())
	require.NoError(t, err)

	s := summary()
	s.Priority, s.ResolutionTime, s.Tags = "", nil, nil
	_, err = sf.Create(context.Background(), sess, s)
	require.NoError(t, err)

	assert.NotContains(t, org.lastRecord, "Priority")
	assert.NotContains(t, org.lastRecord, "ResolutionTime__c")
	assert.NotContains(t, org.lastRecord, "Tags__c")
	assert.Contains(t, org.lastRecord, "Sentiment__c")
}

package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nextconvert/composer/internal/api/handlers"
	"github.com/nextconvert/composer/internal/api/middleware"
	"github.com/nextconvert/composer/internal/modules/jobs"
	"github.com/nextconvert/composer/internal/modules/media"
	"github.com/nextconvert/composer/internal/shared/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubJobs struct {
	created int
	owner   string
}

func (s *stubJobs) CreateJob(_ context.Context, p jobs.CreateJobParams) (*jobs.Job, error) {
	s.created++
	s.owner = p.Owner
	return &jobs.Job{ID: "job-1", Operation: p.Request.Operation, Status: jobs.StatusQueued}, nil
}

func (s *stubJobs) GetJob(context.Context, string, string) (*jobs.Job, error) {
	return nil, jobs.ErrNotFound
}

func (s *stubJobs) ListJobs(_ context.Context, owner string, _ jobs.Status, _ int) ([]*jobs.Job, error) {
	s.owner = owner
	return nil, nil
}

func (s *stubJobs) CancelJob(context.Context, string, string) error { return nil }

type stubHub struct{}

func (stubHub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusSwitchingProtocols)
}
func (stubHub) Clients() int { return 0 }

type countingLimiter struct{ n int64 }

func (c *countingLimiter) IncrWindow(context.Context, string, time.Duration) (int64, error) {
	c.n++
	return c.n, nil
}

func newTestServer(t *testing.T, rateLimit int) (http.Handler, *stubJobs, *prometheus.Registry) {
	return newAuthTestServer(t, rateLimit, nil)
}

func newAuthTestServer(t *testing.T, rateLimit int, auth *middleware.ClerkAuth) (http.Handler, *stubJobs, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	svc := &stubJobs{}
	srv := NewServer(ServerConfig{
		Auth:           auth,
		AllowedOrigins: []string{"https://app.example"},
		MaxBodySize:    1 << 16,
		RateLimit:      rateLimit,
		Checks:         map[string]handlers.Checker{},
		Counter:        &countingLimiter{},
		Jobs:           svc,
		Catalog:        media.NewModule(media.NewProcessor("ffmpeg", nil), nil),
		Hub:            stubHub{},
		Metrics:        metrics.New(reg),
		Gatherer:       reg,
	})
	return srv.Router(), svc, reg
}

func do(h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	for k, v := range header {
		r.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

var jsonHeader = map[string]string{"Content-Type": "application/json"}

func TestRoutes(t *testing.T) {
	h, _, _ := newTestServer(t, 0)

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"health", http.MethodGet, "/api/v1/health", "", http.StatusOK},
		{"ready", http.MethodGet, "/api/v1/ready", "", http.StatusOK},
		{"create export", http.MethodPost, "/api/v1/exports", `{"operation":"merge","inputs":["output/a.mp4"]}`, http.StatusCreated},
		{"list exports", http.MethodGet, "/api/v1/exports", "", http.StatusOK},
		{"missing export", http.MethodGet, "/api/v1/exports/nope", "", http.StatusNotFound},
		{"cancel export", http.MethodPost, "/api/v1/exports/job-1/cancel", "", http.StatusNoContent},
		{"presets", http.MethodGet, "/api/v1/media/presets", "", http.StatusOK},
		{"preset", http.MethodGet, "/api/v1/media/presets/portrait", "", http.StatusOK},
		{"formats", http.MethodGet, "/api/v1/media/formats", "", http.StatusOK},
		{"websocket", http.MethodGet, "/api/v1/ws", "", http.StatusSwitchingProtocols},
		{"unknown", http.MethodGet, "/api/v1/files", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, tt.method, tt.target, tt.body, jsonHeader)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestExportRoutesRequireJSON(t *testing.T) {
	h, svc, _ := newTestServer(t, 0)
	rec := do(h, http.MethodPost, "/api/v1/exports", `{"operation":"merge"}`, map[string]string{"Content-Type": "text/plain"})
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Zero(t, svc.created)

	rec = do(h, http.MethodGet, "/api/v1/exports", "", nil)
	assert.Contains(t, rec.Header().Get("Cache-Control"), "no-store")
}

func TestExportSubmissionRateLimit(t *testing.T) {
	h, svc, _ := newTestServer(t, 1)
	body := `{"operation":"merge","inputs":["output/a.mp4"]}`

	assert.Equal(t, http.StatusCreated, do(h, http.MethodPost, "/api/v1/exports", body, jsonHeader).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(h, http.MethodPost, "/api/v1/exports", body, jsonHeader).Code)
	assert.Equal(t, 1, svc.created)

	// reads are not limited
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/v1/exports", "", nil).Code)
}

func TestCORS(t *testing.T) {
	h, _, _ := newTestServer(t, 0)
	rec := do(h, http.MethodOptions, "/api/v1/exports", "", map[string]string{
		"Origin":                        "https://app.example",
		"Access-Control-Request-Method": "POST",
	})
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(h, http.MethodGet, "/api/v1/health", "", map[string]string{"Origin": "https://evil.example"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	h, _, _ := newTestServer(t, 0)
	do(h, http.MethodGet, "/api/v1/health", "", nil)

	rec := do(h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `composer_http_requests_total{method="GET",path="/api/v1/health",status="2xx"} 1`)
}

func TestAuthenticatedRoutes(t *testing.T) {
	verify := func(_ context.Context, token string) (string, error) {
		if token != "good" {
			return "", errors.New("bad signature")
		}
		return "user_1", nil
	}
	h, svc, _ := newAuthTestServer(t, 0, middleware.NewClerkAuthWithVerifier(verify, false, false, nil))
	body := `{"operation":"merge","inputs":["output/a.mp4"]}`

	tests := []struct {
		name   string
		method string
		target string
		body   string
		token  string
		want   int
	}{
		{"create without token", http.MethodPost, "/api/v1/exports", body, "", http.StatusUnauthorized},
		{"list without token", http.MethodGet, "/api/v1/exports", "", "", http.StatusUnauthorized},
		{"cancel with bad token", http.MethodPost, "/api/v1/exports/job-1/cancel", "", "forged", http.StatusUnauthorized},
		{"probe without token", http.MethodPost, "/api/v1/media/probe", `{"source":"output/a.mp4"}`, "", http.StatusUnauthorized},
		{"presets without token", http.MethodGet, "/api/v1/media/presets", "", "", http.StatusUnauthorized},
		{"health stays open", http.MethodGet, "/api/v1/health", "", "", http.StatusOK},
		{"list with token", http.MethodGet, "/api/v1/exports", "", "good", http.StatusOK},
		{"create with token", http.MethodPost, "/api/v1/exports", body, "good", http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := map[string]string{"Content-Type": "application/json"}
			if tt.token != "" {
				header["Authorization"] = "Bearer " + tt.token
			}
			rec := do(h, tt.method, tt.target, tt.body, header)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	assert.Equal(t, 1, svc.created)
	assert.Equal(t, "user_1", svc.owner)
}

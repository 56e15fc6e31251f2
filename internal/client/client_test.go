package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DukeRupert/ppewatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig(srv.URL + "/v1")
	cfg.Token = "tkn"
	cfg.RateLimit = 0
	c, err := New(cfg, discard())
	require.NoError(t, err)
	return c
}

func TestQueryViolations_EncodesQuery(t *testing.T) {
	start := time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 12, 23, 59, 59, 999_000_000, time.UTC)

	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/violations", r.URL.Path)
		assert.Equal(t, "Bearer tkn", r.Header.Get("Authorization"))

		q := r.URL.Query()
		assert.Equal(t, "d1", q.Get("domain_id"))
		assert.Equal(t, "hard_hat", q.Get("ppe_type"))
		assert.Empty(t, q.Get("camera_id"))
		assert.False(t, q.Has("severity"))
		assert.Equal(t, "2026-03-06T00:00:00Z", q.Get("start_time"))
		assert.Equal(t, "2026-03-12T23:59:59.999Z", q.Get("end_time"))
		assert.Equal(t, "100", q.Get("limit"))
		assert.Equal(t, "200", q.Get("skip"))

		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{"id": "v1", "timestamp": "2026-03-10T08:00:00Z", "domain_id": "d1", "severity": "high", "status": "open"},
			},
			"total": 201,
		})
	}))

	page, err := c.QueryViolations(context.Background(), domain.ViolationQuery{
		DomainID:  "d1",
		PPEType:   domain.PPEHardHat,
		StartTime: start,
		EndTime:   end,
		Limit:     100,
		Skip:      200,
	})
	require.NoError(t, err)
	assert.Equal(t, 201, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "v1", page.Items[0].ID)
	assert.Equal(t, domain.SeverityHigh, page.Items[0].Severity)
}

func TestQueryViolations_LimitAboveCapFailsFast(t *testing.T) {
	var hits atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))

	_, err := c.QueryViolations(context.Background(), domain.ViolationQuery{Limit: domain.MaxPageSize + 1})
	require.Error(t, err)
	assert.Equal(t, domain.ECONFIG, domain.ErrorCode(err))
	assert.Zero(t, hits.Load())
}

func TestQueryViolations_OversizedPageRejected(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items":[{"id":"a"},{"id":"b"}],"total":2}`))
	}))

	_, err := c.QueryViolations(context.Background(), domain.ViolationQuery{Limit: 1})
	assert.Equal(t, domain.EINTERNAL, domain.ErrorCode(err))
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		code   string
	}{
		{status: http.StatusBadRequest, code: domain.EINVALID},
		{status: http.StatusUnauthorized, code: domain.ECONFIG},
		{status: http.StatusNotFound, code: domain.ENOTFOUND},
		{status: http.StatusTooManyRequests, code: domain.ERATELIMIT},
		{status: http.StatusBadGateway, code: domain.EFETCH},
		{status: http.StatusInternalServerError, code: domain.EFETCH},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			_, err := c.ListDomains(context.Background())
			assert.Equal(t, tt.code, domain.ErrorCode(err))
		})
	}
}

func TestClient_MalformedBody(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items": [`))
	}))
	_, err := c.QueryViolations(context.Background(), domain.ViolationQuery{Limit: 10})
	assert.Equal(t, domain.EFETCH, domain.ErrorCode(err))
}

func TestGetStatistics(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/violations/statistics", r.URL.Path)
		assert.Equal(t, "d1", r.URL.Query().Get("domain_id"))
		assert.False(t, r.URL.Query().Has("end_time"))
		w.Write([]byte(`{"total":5,"critical":1,"by_ppe_type":{"hard_hat":3},"compliance_rate":92.5}`))
	}))

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	stats, err := c.GetStatistics(context.Background(), "d1", &start, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 3, stats.ByPPEType[domain.PPEHardHat])
	require.NotNil(t, stats.ComplianceRate)
	assert.Equal(t, 92.5, *stats.ComplianceRate)
}

func TestCatalogEndpoints(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/domains":
			w.Write([]byte(`[{"id":"d1","name":"North Yard"}]`))
		case "/v1/domains/d%201/cameras", "/v1/domains/d 1/cameras":
			w.Write([]byte(`[{"id":"c1","domain_id":"d 1","name":"Gate"}]`))
		default:
			http.NotFound(w, r)
		}
	}))

	domains, err := c.ListDomains(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.Domain{{ID: "d1", Name: "North Yard"}}, domains)

	cameras, err := c.ListCameras(context.Background(), "d 1")
	require.NoError(t, err)
	require.Len(t, cameras, 1)
	assert.Equal(t, "Gate", cameras[0].Name)
}

func TestClient_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	cfg := DefaultConfig(srv.URL)
	cfg.RateLimit = 1
	cfg.Burst = 1
	c, err := New(cfg, discard())
	require.NoError(t, err)

	_, err = c.ListDomains(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.ListDomains(ctx)
	assert.Equal(t, domain.ERATELIMIT, domain.ErrorCode(err))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig("https://api.example.com/v1").Validate())
	assert.Error(t, DefaultConfig("api.example.com").Validate())
	assert.Error(t, DefaultConfig("ftp://api.example.com").Validate())

	cfg := DefaultConfig("http://localhost")
	cfg.Burst = 0
	assert.Error(t, cfg.Validate())
}

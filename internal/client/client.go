// Package client talks to the violation backend's REST API. It implements
// the query, statistics and catalog capabilities the engine consumes.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/DukeRupert/ppewatch/internal/domain"
	"golang.org/x/time/rate"
)

// maxErrorBody bounds how much of an error response is kept for logging.
const maxErrorBody = 4 << 10

// Config configures the REST client.
type Config struct {
	// BaseURL is the API root, e.g. https://api.example.com/v1.
	BaseURL string

	// Token is sent as a bearer token. Optional.
	Token string

	// RequestTimeout bounds a single HTTP request.
	// Default: 15 seconds
	RequestTimeout time.Duration

	// RateLimit is the sustained request rate per second. Zero disables
	// client-side limiting.
	// Default: 10
	RateLimit float64

	// Burst is the number of requests allowed above RateLimit at once.
	// Default: 5
	Burst int
}

// DefaultConfig returns a Config for baseURL with default values.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		RequestTimeout: 15 * time.Second,
		RateLimit:      10,
		Burst:          5,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	const op = "client.config"

	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return domain.Configuration(op, fmt.Sprintf("base url must be an absolute http(s) url, got %q", c.BaseURL))
	}
	if c.RequestTimeout <= 0 {
		return domain.Configuration(op, "request timeout must be positive")
	}
	if c.RateLimit < 0 {
		return domain.Configuration(op, "rate limit must not be negative")
	}
	if c.RateLimit > 0 && c.Burst < 1 {
		return domain.Configuration(op, "burst must be at least 1 when rate limiting")
	}
	return nil
}

// Client is a REST client for the violation backend.
type Client struct {
	config  Config
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Client.
func New(config Config, logger *slog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	base, _ := url.Parse(strings.TrimSuffix(config.BaseURL, "/"))

	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), config.Burst)
	}

	return &Client{
		config:  config,
		base:    base,
		http:    &http.Client{Timeout: config.RequestTimeout},
		limiter: limiter,
		logger:  logger,
	}, nil
}

// =============================================================================
// Capabilities
// =============================================================================

// QueryViolations fetches one page of violations. A limit outside the
// backend cap fails before any request is sent.
func (c *Client) QueryViolations(ctx context.Context, q domain.ViolationQuery) (domain.ViolationPage, error) {
	const op = "client.query_violations"

	if err := q.Validate(); err != nil {
		return domain.ViolationPage{}, err
	}

	params := url.Values{}
	setIf(params, "domain_id", q.DomainID)
	setIf(params, "camera_id", q.CameraID)
	setIf(params, "ppe_type", string(q.PPEType))
	setIf(params, "severity", string(q.Severity))
	setIf(params, "status", string(q.Status))
	setTime(params, "start_time", q.StartTime)
	setTime(params, "end_time", q.EndTime)
	params.Set("limit", strconv.Itoa(q.Limit))
	params.Set("skip", strconv.Itoa(q.Skip))

	var page domain.ViolationPage
	if err := c.get(ctx, op, "/violations", params, &page); err != nil {
		return domain.ViolationPage{}, err
	}
	if len(page.Items) > q.Limit {
		return domain.ViolationPage{}, domain.Errorf(domain.EINTERNAL, op,
			"backend returned %d items for limit %d", len(page.Items), q.Limit)
	}
	return page, nil
}

// GetStatistics fetches summary statistics for a domain. An empty domainID
// covers every domain.
func (c *Client) GetStatistics(ctx context.Context, domainID string, start, end *time.Time) (*domain.Statistics, error) {
	const op = "client.get_statistics"

	params := url.Values{}
	setIf(params, "domain_id", domainID)
	if start != nil {
		setTime(params, "start_time", *start)
	}
	if end != nil {
		setTime(params, "end_time", *end)
	}

	var stats domain.Statistics
	if err := c.get(ctx, op, "/violations/statistics", params, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ListCameras returns the cameras of a domain.
func (c *Client) ListCameras(ctx context.Context, domainID string) ([]domain.Camera, error) {
	const op = "client.list_cameras"

	var cameras []domain.Camera
	path := "/domains/" + domainID + "/cameras"
	if err := c.get(ctx, op, path, nil, &cameras); err != nil {
		return nil, err
	}
	return cameras, nil
}

// ListDomains returns every domain visible to the token.
func (c *Client) ListDomains(ctx context.Context) ([]domain.Domain, error) {
	const op = "client.list_domains"

	var domains []domain.Domain
	if err := c.get(ctx, op, "/domains", nil, &domains); err != nil {
		return nil, err
	}
	return domains, nil
}

// =============================================================================
// Transport
// =============================================================================

func (c *Client) get(ctx context.Context, op, path string, params url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.Wrap(err, domain.ERATELIMIT, op, "rate limiter wait aborted")
	}

	u := c.base.JoinPath(path)
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return domain.Internal(err, op, "create request")
	}
	req.Header.Set("Accept", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Wrap(err, domain.EFETCH, op, "backend unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Warn("backend request failed",
			"path", path,
			"status", resp.StatusCode,
			"duration", time.Since(start),
			"body", strings.TrimSpace(string(body)),
		)
		return mapHTTPError(op, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.Wrap(err, domain.EFETCH, op, "decode response")
	}

	c.logger.Debug("backend request", "path", path, "duration", time.Since(start))
	return nil
}

// mapHTTPError maps backend status codes to domain errors.
func mapHTTPError(op string, status int) error {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return domain.Errorf(domain.EINVALID, op, "backend rejected the query (status %d)", status)
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.Errorf(domain.ECONFIG, op, "backend refused the credentials (status %d)", status)
	case http.StatusNotFound:
		return domain.Errorf(domain.ENOTFOUND, op, "backend resource not found")
	case http.StatusTooManyRequests:
		return domain.RateLimit(op)
	default:
		return domain.Errorf(domain.EFETCH, op, "backend error (status %d)", status)
	}
}

func setIf(v url.Values, key, value string) {
	if value != "" {
		v.Set(key, value)
	}
}

func setTime(v url.Values, key string, t time.Time) {
	if !t.IsZero() {
		v.Set(key, t.UTC().Format(time.RFC3339Nano))
	}
}

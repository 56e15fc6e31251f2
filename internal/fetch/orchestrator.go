// Package fetch drives bounded, paged violation queries and concatenates the
// pages into one result set for a time window.
package fetch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/DukeRupert/ppewatch/internal/domain"
	"github.com/DukeRupert/ppewatch/internal/filter"
	"github.com/DukeRupert/ppewatch/internal/metrics"
)

// Config controls page size and how much a single run may load.
type Config struct {
	// PageSize is the limit sent with every request. It must not exceed
	// domain.MaxPageSize.
	// Default: domain.MaxPageSize
	PageSize int

	// MaxTotal bounds the records loaded by one run. Reaching it ends the
	// run even if the backend has more; this trades completeness for
	// memory and latency.
	// Default: 1000
	MaxTotal int
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		PageSize: domain.MaxPageSize,
		MaxTotal: 1000,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	const op = "fetch.config"

	if c.PageSize < 1 {
		return domain.Configuration(op, fmt.Sprintf("page size must be at least 1, got %d", c.PageSize))
	}
	if c.PageSize > domain.MaxPageSize {
		return domain.Configuration(op, fmt.Sprintf("page size %d exceeds backend cap %d", c.PageSize, domain.MaxPageSize))
	}
	if c.MaxTotal < 1 {
		return domain.Configuration(op, fmt.Sprintf("max total must be at least 1, got %d", c.MaxTotal))
	}
	return nil
}

// Result is the outcome of one orchestration run.
type Result struct {
	Records []domain.Violation

	// Requests is the number of page requests issued.
	Requests int

	// Total is the backend-reported total for the query.
	Total int

	// Truncated is true when MaxTotal stopped the run before the backend
	// ran out of records.
	Truncated bool
}

// Orchestrator issues paged queries against a ViolationQuerier.
type Orchestrator struct {
	querier domain.ViolationQuerier
	config  Config
	logger  *slog.Logger
}

// New creates an Orchestrator. It fails fast on an invalid config.
func New(querier domain.ViolationQuerier, config Config, logger *slog.Logger) (*Orchestrator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		querier: querier,
		config:  config,
		logger:  logger,
	}, nil
}

// Fetch loads every record in the window matching the server parameters,
// page by page, in server order, de-duplicating by ID.
//
// The run stops when a page comes back shorter than requested, when the
// backend total has been consumed, or when MaxTotal is reached. Any page
// failure aborts the run with a FetchFailed error and no partial result.
func (o *Orchestrator) Fetch(ctx context.Context, w domain.TimeWindow, params filter.ServerParams) (Result, error) {
	const op = "fetch.run"

	var (
		res  Result
		seen = make(map[string]struct{})
		skip int
	)

	for len(res.Records) < o.config.MaxTotal {
		if err := ctx.Err(); err != nil {
			return Result{}, domain.FetchFailed(op, err)
		}

		limit := min(o.config.PageSize, o.config.MaxTotal-len(res.Records))
		q := params.Query(w, limit, skip)
		if err := q.Validate(); err != nil {
			return Result{}, err
		}

		page, err := o.querier.QueryViolations(ctx, q)
		res.Requests++
		metrics.PageFetched(err)
		if err != nil {
			o.logger.Warn("violation page fetch failed",
				"skip", skip,
				"limit", limit,
				"pages_fetched", res.Requests-1,
				"error", err,
			)
			return Result{}, domain.FetchFailed(op, err)
		}

		res.Total = page.Total
		for _, v := range page.Items {
			if _, ok := seen[v.ID]; ok {
				continue
			}
			seen[v.ID] = struct{}{}
			res.Records = append(res.Records, v)
			if len(res.Records) == o.config.MaxTotal {
				break
			}
		}

		skip += len(page.Items)
		if len(page.Items) < limit || skip >= page.Total {
			return res, nil
		}
	}

	res.Truncated = res.Total > len(res.Records)
	o.logger.Debug("fetch stopped at max total",
		"max_total", o.config.MaxTotal,
		"backend_total", res.Total,
	)
	return res, nil
}

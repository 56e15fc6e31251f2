package internal

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/DukeRupert/ppewatch/internal/client"
	"github.com/DukeRupert/ppewatch/internal/domain"
	"github.com/DukeRupert/ppewatch/internal/pgstore"
	"github.com/DukeRupert/ppewatch/internal/push"
)

// Backend is the violation source a session reads from.
type Backend struct {
	Querier domain.ViolationQuerier
	Stats   domain.StatisticsProvider
	Catalog domain.Catalog

	// Store is set when the source is Postgres.
	Store *pgstore.Store

	db *sql.DB
}

// OpenBackend connects to the configured source. A Postgres source is
// migrated before use.
func OpenBackend(ctx context.Context, cfg *Config, logger *slog.Logger) (*Backend, error) {
	switch cfg.Source {
	case SourcePostgres:
		db, err := pgstore.Open(ctx, cfg.DatabaseUrl)
		if err != nil {
			return nil, err
		}
		if err := RunMigrations(ctx, db, logger); err != nil {
			db.Close()
			return nil, domain.Wrap(err, domain.ECONFIG, "backend.open", "migration failed")
		}
		store := pgstore.New(db, logger)
		logger.Info("database ready")
		return &Backend{Querier: store, Stats: store, Catalog: store, Store: store, db: db}, nil

	default:
		c, err := client.New(cfg.ClientConfig(), logger)
		if err != nil {
			return nil, err
		}
		return &Backend{Querier: c, Stats: c, Catalog: c}, nil
	}
}

// Close releases the database connection, if any.
func (b *Backend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// NewSubscriber builds the configured push transport. It returns nil when
// pushes are disabled; the engine then polls.
func NewSubscriber(cfg *Config, logger *slog.Logger) (domain.Subscriber, error) {
	switch cfg.PushTransport {
	case PushWebSocket:
		ws, err := push.NewWebSocket(cfg.WebSocketConfig(), logger)
		if err != nil {
			return nil, err
		}
		return ws, nil
	case PushMQTT:
		m, err := push.NewMQTT(cfg.MQTTConfig(), logger)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, nil
	}
}

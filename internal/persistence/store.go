package persistence

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/TallManCycles/challenge-sub001/internal/domain"
	"github.com/TallManCycles/challenge-sub001/internal/persistence/postgres"
	"github.com/TallManCycles/challenge-sub001/internal/persistence/sqlite"
)

// Store is the full set of repositories the pipeline runs against.
type Store interface {
	domain.NotificationRepository
	domain.ActivityRepository
	domain.AccountRepository
	domain.ChallengeRepository
	domain.OutboxRepository
	Close() error
}

var (
	_ Store = (*postgres.Repository)(nil)
	_ Store = (*sqlite.Store)(nil)
)

// Open builds a Store from a DSN. postgres:// and postgresql:// URLs use pgx; sqlite://path,
// file:path and bare paths use the embedded SQLite driver.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("database url is required")
	}

	switch scheme := schemeOf(dsn); scheme {
	case "postgres", "postgresql":
		repo, err := postgres.Open(ctx, dsn, logger)
		if err != nil {
			return nil, err
		}
		return repo, nil
	case "sqlite", "file", "":
		store, err := sqlite.Open(strings.TrimPrefix(dsn, "sqlite://"), logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", scheme)
	}
}

func schemeOf(dsn string) string {
	idx := strings.Index(dsn, ":")
	if idx <= 0 {
		return ""
	}
	scheme := strings.ToLower(dsn[:idx])
	if strings.ContainsAny(scheme, "/\\.") {
		return ""
	}
	return scheme
}

package storage

import (
	"context"
	"errors"
	"strings"

	logx "runtimekit/pkg/logx"
)

// Store is the persistence API used by the app.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to limit runs, newest first. An empty name
	// matches every task.
	RecentRuns(ctx context.Context, name string, limit int) ([]RunRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log.With(logx.String("comp", "storage")))
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

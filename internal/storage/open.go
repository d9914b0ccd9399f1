package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"tgraph/pkg/logx"
)

// Store is the minimal persistence API used by the scheduler and task queue.
type Store interface {
	SaveSchedule(ctx context.Context, st ScheduleState) error
	LoadSchedules(ctx context.Context) ([]ScheduleState, error)

	AppendTask(ctx context.Context, e TaskLogEntry) error
	LoadTaskLog(ctx context.Context) ([]TaskLogEntry, error)
	PruneTaskLog(ctx context.Context, before time.Time) (int64, error)

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
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tgraph/pkg/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS schedule_state (
  id         TEXT PRIMARY KEY,
  last_fire  INTEGER NOT NULL,
  next_fire  INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS task_log (
  seq          INTEGER PRIMARY KEY AUTOINCREMENT,
  at           INTEGER NOT NULL,
  task_id      TEXT NOT NULL,
  kind         TEXT NOT NULL,
  priority     INTEGER NOT NULL DEFAULT 0,
  scheduled_at INTEGER NOT NULL,
  state        TEXT NOT NULL,
  attempt      INTEGER NOT NULL DEFAULT 0,
  err          TEXT,
  payload      TEXT
);
CREATE INDEX IF NOT EXISTS idx_task_log_task ON task_log(task_id, seq);
CREATE INDEX IF NOT EXISTS idx_task_log_at ON task_log(at);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveSchedule(ctx context.Context, st ScheduleState) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_state(id, last_fire, next_fire, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET last_fire=excluded.last_fire, next_fire=excluded.next_fire, updated_at=excluded.updated_at`,
		st.ID, unixMilli(st.LastFire), unixMilli(st.NextFire), time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) LoadSchedules(ctx context.Context) ([]ScheduleState, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, last_fire, next_fire FROM schedule_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduleState
	for rows.Next() {
		var st ScheduleState
		var last, next int64
		if err := rows.Scan(&st.ID, &last, &next); err != nil {
			return nil, err
		}
		st.LastFire = fromUnixMilli(last)
		st.NextFire = fromUnixMilli(next)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendTask(ctx context.Context, e TaskLogEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_log(at, task_id, kind, priority, scheduled_at, state, attempt, err, payload)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.UnixMilli(), e.TaskID, e.Kind, e.Priority, unixMilli(e.ScheduledAt),
		e.State, e.Attempt, nullStr(e.Error), nullStr(e.Payload),
	)
	return err
}

func (s *sqliteStore) LoadTaskLog(ctx context.Context) ([]TaskLogEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, task_id, kind, priority, scheduled_at, state, attempt, err, payload
		 FROM task_log ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskLogEntry
	for rows.Next() {
		var e TaskLogEntry
		var at, sched int64
		var errStr, payload sql.NullString
		if err := rows.Scan(&at, &e.TaskID, &e.Kind, &e.Priority, &sched, &e.State, &e.Attempt, &errStr, &payload); err != nil {
			return nil, err
		}
		e.At = fromUnixMilli(at)
		e.ScheduledAt = fromUnixMilli(sched)
		e.Error = errStr.String
		e.Payload = payload.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneTaskLog(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	// Only terminal tasks are prunable; keep transitions of anything still live.
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM task_log WHERE task_id IN (
		   SELECT task_id FROM task_log
		   GROUP BY task_id
		   HAVING MAX(at) < ? AND MAX(CASE WHEN state IN ('completed','dead') THEN 1 ELSE 0 END) = 1
		 )`,
		before.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"routined/internal/priority"
	logx "routined/pkg/logx"
)

const sqliteFile = "routined.db"

//go:embed migrations.sql
var migrationsFS embed.FS

// opTimeout bounds document reads/writes, which have no caller context.
const opTimeout = 5 * time.Second

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(cfg.Dir, sqliteFile)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Load() (priority.Document, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM document WHERE id = 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return priority.Document{}, false, nil
	}
	if err != nil {
		return priority.Document{}, false, err
	}
	doc, err := decodeDocument([]byte(body))
	if err != nil {
		return priority.Document{}, false, fmt.Errorf("document row: %w", err)
	}
	return doc, true, nil
}

func (s *sqliteStore) Save(doc priority.Document) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal priorities: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO document(id, body, updated_at) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		string(b), time.Now().UnixMilli(),
	)
	if err != nil && strings.Contains(err.Error(), "database is closed") {
		return ErrClosed
	}
	return err
}

func (s *sqliteStore) Append(ctx context.Context, r OutcomeRecord) error {
	ensureID(&r)
	if r.ExecutedAt.IsZero() {
		r.ExecutedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history(id, routine_id, routine_name, success, message, err, class, duration_ms, executed_at, cycle)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.RoutineID, nullStr(r.RoutineName), boolInt(r.Success), nullStr(r.Message), nullStr(r.Error),
		nullStr(r.Class), r.DurationMs, r.ExecutedAt.UnixMilli(), int64(r.Cycle),
	)
	return err
}

func (s *sqliteStore) Recent(ctx context.Context, routineID string, limit int) ([]OutcomeRecord, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	q := `SELECT id, routine_id, routine_name, success, message, err, class, duration_ms, executed_at, cycle
	      FROM history`
	args := []any{}
	if routineID != "" {
		q += ` WHERE routine_id = ?`
		args = append(args, routineID)
	}
	q += ` ORDER BY executed_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutcomeRecord
	for rows.Next() {
		var (
			r                        OutcomeRecord
			name, msg, errStr, class sql.NullString
			success                  int
			atMs, cycle              int64
		)
		if err := rows.Scan(&r.ID, &r.RoutineID, &name, &success, &msg, &errStr, &class, &r.DurationMs, &atMs, &cycle); err != nil {
			return nil, err
		}
		r.RoutineName = name.String
		r.Message = msg.String
		r.Error = errStr.String
		r.Class = class.String
		r.Success = success != 0
		r.ExecutedAt = time.UnixMilli(atMs)
		r.Cycle = uint64(cycle)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Prune(ctx context.Context, cutoff time.Time, maxRecords int) (int, error) {
	removed := 0
	if !cutoff.IsZero() {
		res, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE executed_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		removed += int(n)
	}
	if maxRecords > 0 {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM history WHERE rowid NOT IN (
			   SELECT rowid FROM history ORDER BY executed_at DESC, rowid DESC LIMIT ?
			 )`, maxRecords)
		if err != nil {
			return removed, err
		}
		n, _ := res.RowsAffected()
		removed += int(n)
	}
	return removed, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "feedwatch/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Fixed-width UTC timestamps sort lexicographically, so range queries on
// last_seen can stay on TEXT columns.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

const bulkChunk = 500

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	closed atomic.Bool
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also keeps :memory: on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	if path != ":memory:" {
		_, _ = db.Exec("PRAGMA journal_mode = WAL")
	}
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage migrate: %w", err)
	}
	log.Debug("storage opened", logx.String("path", path))
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
	if s == nil || s.db == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ready() error {
	if s == nil || s.db == nil || s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *sqliteStore) Contains(ctx context.Context, fp string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM dedup WHERE fingerprint = ?`, fp).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) BulkContains(ctx context.Context, fps []string) (map[string]bool, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	missing := make(map[string]bool, len(fps))
	for _, fp := range fps {
		missing[fp] = true
	}
	for start := 0; start < len(fps); start += bulkChunk {
		end := start + bulkChunk
		if end > len(fps) {
			end = len(fps)
		}
		chunk := fps[start:end]
		args := make([]any, len(chunk))
		for i, fp := range chunk {
			args[i] = fp
		}
		q := `SELECT fingerprint FROM dedup WHERE fingerprint IN (?` + strings.Repeat(",?", len(chunk)-1) + `)`
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var fp string
			if err := rows.Scan(&fp); err != nil {
				_ = rows.Close()
				return nil, err
			}
			delete(missing, fp)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
	}
	return missing, nil
}

func (s *sqliteStore) Record(ctx context.Context, fp, sourceID string, now time.Time) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	if strings.TrimSpace(fp) == "" {
		return false, ErrEmptyFP
	}
	ts := formatTS(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO dedup(fingerprint, source_id, first_seen, last_seen) VALUES(?,?,?,?)`,
		fp, sourceID, ts, ts,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE dedup SET last_seen = ? WHERE fingerprint = ? AND last_seen < ?`, ts, fp, ts); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) Touch(ctx context.Context, fps []string, now time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}
	if len(fps) == 0 {
		return nil
	}
	ts := formatTS(now)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for start := 0; start < len(fps); start += bulkChunk {
		end := start + bulkChunk
		if end > len(fps) {
			end = len(fps)
		}
		chunk := fps[start:end]
		args := make([]any, 0, len(chunk)+2)
		args = append(args, ts, ts)
		for _, fp := range chunk {
			args = append(args, fp)
		}
		q := `UPDATE dedup SET last_seen = ? WHERE last_seen < ? AND fingerprint IN (?` + strings.Repeat(",?", len(chunk)-1) + `)`
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Get(ctx context.Context, fp string) (Record, bool, error) {
	if err := s.ready(); err != nil {
		return Record{}, false, err
	}
	var r Record
	var first, last string
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, source_id, first_seen, last_seen FROM dedup WHERE fingerprint = ?`, fp,
	).Scan(&r.Fingerprint, &r.SourceID, &first, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	r.FirstSeen = parseTS(first)
	r.LastSeen = parseTS(last)
	return r, true, nil
}

func (s *sqliteStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE last_seen < ?`, formatTS(olderThan))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info("dedup pruned", logx.Int64("rows", n), logx.Time("older_than", olderThan))
	}
	return n, nil
}

func (s *sqliteStore) LastValue(ctx context.Context, sourceID, key, field string) (Value, bool, error) {
	if err := s.ready(); err != nil {
		return Value{}, false, err
	}
	v := Value{SourceID: sourceID, Key: key, Field: field}
	var at string
	err := s.db.QueryRowContext(ctx,
		`SELECT value, updated_at FROM last_value WHERE source_id = ? AND natural_key = ? AND field = ?`,
		sourceID, key, field,
	).Scan(&v.Value, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return Value{}, false, nil
	}
	if err != nil {
		return Value{}, false, err
	}
	v.UpdatedAt = parseTS(at)
	return v, true, nil
}

func (s *sqliteStore) PutLastValue(ctx context.Context, v Value) error {
	if err := s.ready(); err != nil {
		return err
	}
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO last_value(source_id, natural_key, field, value, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(source_id, natural_key, field) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		v.SourceID, v.Key, v.Field, v.Value, formatTS(v.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) Snapshot(ctx context.Context, sourceID, field string) (map[string]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT natural_key, value FROM last_value WHERE source_id = ? AND field = ?`, sourceID, field)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *sqliteStore) ReplaceSnapshot(ctx context.Context, sourceID, field string, values map[string]string, now time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM last_value WHERE source_id = ? AND field = ?`, sourceID, field); err != nil {
		return err
	}
	ts := formatTS(now)
	for k, v := range values {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO last_value(source_id, natural_key, field, value, updated_at) VALUES(?,?,?,?,?)`,
			sourceID, k, field, v, ts,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func formatTS(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

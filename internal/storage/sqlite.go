package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"powersched/internal/schedule"
	logx "powersched/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteStore keeps each rule as a JSON body keyed by position so the
// record shape matches the file driver.
type sqliteStore struct {
	db   *sql.DB
	log  logx.Logger
	poll time.Duration
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	st := &sqliteStore{db: db, log: log, poll: poll}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

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

func (s *sqliteStore) LoadRules(ctx context.Context) (Loaded, error) {
	raws, err := ruleBodies(ctx, s.db)
	if err != nil {
		return Loaded{}, mapClosed(err)
	}
	return decodeRules(raws), nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func ruleBodies(ctx context.Context, q querier) ([]json.RawMessage, error) {
	rows, err := q.QueryContext(ctx, `SELECT body FROM rules ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var raws []json.RawMessage
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		raws = append(raws, json.RawMessage(body))
	}
	return raws, rows.Err()
}

func (s *sqliteStore) SaveRules(ctx context.Context, rules []schedule.Schedule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapClosed(err)
	}
	defer func() { _ = tx.Rollback() }()

	// rows that do not decode are kept in place
	raws, err := ruleBodies(ctx, tx)
	if err != nil {
		return err
	}
	skipped := decodeRules(raws).Invalid
	records, err := withSkipped(rules, skipped)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rules`); err != nil {
		return err
	}
	for i, body := range records {
		var head struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(body, &head)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rules(position, id, body) VALUES(?,?,?)`,
			i, head.ID, string(body),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) AppendFire(ctx context.Context, f FireRecord) error {
	if f.At.IsZero() {
		f.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fires(at, rule_id, action, minute, stamp, duration_ms, err)
		 VALUES(?,?,?,?,?,?,?)`,
		f.At.Format(time.RFC3339Nano), f.RuleID, f.Action, f.Minute, f.Stamp, f.DurationMS, nullStr(f.Error),
	)
	return mapClosed(err)
}

func (s *sqliteStore) RecentFires(ctx context.Context, limit int) ([]FireRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, rule_id, action, minute, stamp, duration_ms, COALESCE(err, '')
		 FROM fires ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, mapClosed(err)
	}
	defer rows.Close()

	var out []FireRecord
	for rows.Next() {
		var (
			f  FireRecord
			at string
		)
		if err := rows.Scan(&at, &f.RuleID, &f.Action, &f.Minute, &f.Stamp, &f.DurationMS, &f.Error); err != nil {
			return nil, err
		}
		f.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Watch polls PRAGMA data_version, which changes when another connection
// commits to the database.
func (s *sqliteStore) Watch(ctx context.Context, onChange func()) error {
	last, err := s.dataVersion(ctx)
	if err != nil {
		return err
	}
	t := time.NewTicker(s.poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		v, err := s.dataVersion(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if v != last {
			last = v
			onChange()
		}
	}
}

func (s *sqliteStore) dataVersion(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `PRAGMA data_version`).Scan(&v)
	return v, mapClosed(err)
}

func mapClosed(err error) error {
	if err != nil && strings.Contains(err.Error(), "database is closed") {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

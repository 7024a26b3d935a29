package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ligustah/gulp/internal/logging"
	"github.com/ligustah/gulp/internal/record"
	"github.com/ligustah/gulp/internal/store"
	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store keeps records in a single SQLite table.
type Store struct {
	db   *sql.DB
	path string
	feed store.Feed
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database at path and applies pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlitestore: empty database path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("sqlitestore: create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: connect: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlitestore: %s: %w", p, err)
		}
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: %w", err)
	}

	logging.FromContext(ctx).Debug().Str("path", path).Msg("record database opened")
	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Insert(ctx context.Context, rec *record.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal %s: %w", rec.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (id, status, created_at, updated_at, data) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Status), rec.CreatedAt.UnixNano(), rec.LastModified.UnixNano(), string(data))
	if err != nil {
		if isConstraint(err) {
			return store.ErrExists
		}
		return fmt.Errorf("sqlitestore: insert %s: %w", rec.ID, err)
	}
	s.feed.Publish()
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*record.Record, error) {
	return get(ctx, s.db, id)
}

func (s *Store) List(ctx context.Context) ([]*record.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM records ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer rows.Close()

	var recs []*record.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan: %w", err)
		}
		rec, err := decode(data)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	return recs, nil
}

func (s *Store) Update(ctx context.Context, id string, fn func(*record.Record) error) (*record.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rec, err := get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	rec.ID = id

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: marshal %s: %w", id, err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE records SET status = ?, updated_at = ?, data = ? WHERE id = ?`,
		string(rec.Status), rec.LastModified.UnixNano(), string(data), id)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: update %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlitestore: commit %s: %w", id, err)
	}

	s.feed.Publish()
	return rec.Clone(), nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlitestore: delete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.feed.Publish()
	}
	return nil
}

func (s *Store) Subscribe() (<-chan struct{}, func()) {
	return s.feed.Subscribe()
}

// Feed exposes the change feed so external watchers can publish to it.
func (s *Store) Feed() *store.Feed {
	return &s.feed
}

func (s *Store) Close() error {
	return s.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func get(ctx context.Context, q queryer, id string) (*record.Record, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM records WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get %s: %w", id, err)
	}
	return decode(data)
}

func decode(data string) (*record.Record, error) {
	var rec record.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("sqlitestore: unmarshal: %w", err)
	}
	return &rec, nil
}

func isConstraint(err error) bool {
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code() == sqlite3.CONSTRAINT
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

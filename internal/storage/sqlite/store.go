// Package sqlite is a media.Store backed by an embedded SQLite database.
package sqlite

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

	"mediaflow/internal/media"
)

// timeLayout is fixed-width so that stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const schema = `
CREATE TABLE IF NOT EXISTS assets (
	id             TEXT PRIMARY KEY,
	owner_id       TEXT NOT NULL,
	title          TEXT NOT NULL,
	filename       TEXT NOT NULL,
	file_path      TEXT NOT NULL,
	size           INTEGER NOT NULL,
	mime_type      TEXT NOT NULL,
	state          TEXT NOT NULL,
	progress       INTEGER NOT NULL DEFAULT 0,
	classification TEXT NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	uploaded_at    TEXT NOT NULL,
	started_at     TEXT,
	processed_at   TEXT,
	updated_at     TEXT NOT NULL,
	version        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assets_owner ON assets (owner_id, uploaded_at);
CREATE INDEX IF NOT EXISTS idx_assets_state ON assets (state, uploaded_at);
`

const columns = `id, owner_id, title, filename, file_path, size, mime_type, state, progress,
	classification, error, uploaded_at, started_at, processed_at, updated_at, version`

// Store persists assets in SQLite.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection serialises writers and keeps Update's
	// read-modify-write atomic.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &Store{db: db, path: path, now: func() time.Time { return time.Now().UTC() }}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", media.SchemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAsset(row scanner) (media.Asset, error) {
	var (
		a                   media.Asset
		uploaded, updated   string
		started, processed  sql.NullString
		owner, state, class string
	)
	err := row.Scan(&a.ID, &owner, &a.Title, &a.Filename, &a.FilePath, &a.Size, &a.MimeType,
		&state, &a.Progress, &class, &a.Error, &uploaded, &started, &processed, &updated, &a.Version)
	if err != nil {
		return media.Asset{}, err
	}
	a.OwnerID = media.OwnerID(owner)
	a.State = media.JobState(state)
	a.Classification = media.Classification(class)
	if a.UploadedAt, err = parseTime(uploaded); err != nil {
		return media.Asset{}, fmt.Errorf("parse uploaded_at: %w", err)
	}
	if a.UpdatedAt, err = parseTime(updated); err != nil {
		return media.Asset{}, fmt.Errorf("parse updated_at: %w", err)
	}
	if a.StartedAt, err = parseTimePtr(started); err != nil {
		return media.Asset{}, fmt.Errorf("parse started_at: %w", err)
	}
	if a.ProcessedAt, err = parseTimePtr(processed); err != nil {
		return media.Asset{}, fmt.Errorf("parse processed_at: %w", err)
	}
	return a, nil
}

// Get implements media.Store.
func (s *Store) Get(ctx context.Context, id media.AssetID) (media.Asset, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM assets WHERE id = ?`, string(id))
	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return media.Asset{}, media.ErrNotFound
	}
	if err != nil {
		return media.Asset{}, fmt.Errorf("get asset %s: %w", id, err)
	}
	return a, nil
}

// Create implements media.Store.
func (s *Store) Create(ctx context.Context, a media.Asset) error {
	if a.Version == 0 {
		a.Version = media.SchemaVersion
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.UploadedAt
	}
	var res sql.Result
	err := retryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, `INSERT INTO assets (`+columns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			string(a.ID), string(a.OwnerID), a.Title, a.Filename, a.FilePath, a.Size, a.MimeType,
			string(a.State), a.Progress, string(a.Classification), a.Error,
			formatTime(a.UploadedAt), formatTimePtr(a.StartedAt), formatTimePtr(a.ProcessedAt),
			formatTime(a.UpdatedAt), a.Version)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("insert asset %s: %w", a.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert asset %s: %w", a.ID, err)
	}
	if n == 0 {
		return media.ErrAlreadyExists
	}
	return nil
}

// Update implements media.Store. The read and write happen in one transaction.
func (s *Store) Update(ctx context.Context, id media.AssetID, u media.AssetUpdate) (media.Asset, error) {
	var out media.Asset
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		a, err := scanAsset(tx.QueryRowContext(ctx, `SELECT `+columns+` FROM assets WHERE id = ?`, string(id)))
		if err != nil {
			return err
		}
		u.Apply(&a, s.now())
		_, err = tx.ExecContext(ctx, `UPDATE assets SET
			title = ?, state = ?, progress = ?, classification = ?, error = ?,
			started_at = ?, processed_at = ?, updated_at = ?
			WHERE id = ?`,
			a.Title, string(a.State), a.Progress, string(a.Classification), a.Error,
			formatTimePtr(a.StartedAt), formatTimePtr(a.ProcessedAt), formatTime(a.UpdatedAt),
			string(id))
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		out = a
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return media.Asset{}, media.ErrNotFound
	}
	if err != nil {
		return media.Asset{}, fmt.Errorf("update asset %s: %w", id, err)
	}
	return out, nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]media.Asset, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]media.Asset, 0)
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListByOwner implements media.Store.
func (s *Store) ListByOwner(ctx context.Context, owner media.OwnerID, f media.Filter) ([]media.Asset, error) {
	query := `SELECT ` + columns + ` FROM assets WHERE owner_id = ?`
	args := []any{string(owner)}
	if f.State != "" {
		query += ` AND state = ?`
		args = append(args, string(f.State))
	}
	query += ` ORDER BY uploaded_at DESC, id DESC`
	assets, err := s.list(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list assets for %s: %w", owner, err)
	}
	return assets, nil
}

// ListByState implements media.Store.
func (s *Store) ListByState(ctx context.Context, state media.JobState) ([]media.Asset, error) {
	assets, err := s.list(ctx, `SELECT `+columns+` FROM assets WHERE state = ? ORDER BY uploaded_at ASC, id ASC`, string(state))
	if err != nil {
		return nil, fmt.Errorf("list %s assets: %w", state, err)
	}
	return assets, nil
}

// Delete implements media.Store.
func (s *Store) Delete(ctx context.Context, id media.AssetID) error {
	var res sql.Result
	err := retryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, `DELETE FROM assets WHERE id = ?`, string(id))
		return execErr
	})
	if err != nil {
		return fmt.Errorf("delete asset %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete asset %s: %w", id, err)
	}
	if n == 0 {
		return media.ErrNotFound
	}
	return nil
}

// Package memory persists transcripts, server-side session windows and the
// settings blob in SQLite.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"chatguard/internal/domain"

	_ "modernc.org/sqlite"
)

const defaultHistoryLimit = 100

// SQLiteStore implements domain.TranscriptStore, domain.SessionStore and the
// settings key-value store using SQLite.
type SQLiteStore struct {
	db         *sql.DB
	logger     *slog.Logger
	sessionTTL time.Duration
	now        func() time.Time
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

// SetSessionTTL makes session windows idle for longer than ttl invisible to
// Get. Zero disables expiry.
func (s *SQLiteStore) SetSessionTTL(ttl time.Duration) {
	s.sessionTTL = ttl
}

func (s *SQLiteStore) Append(ctx context.Context, o domain.TurnOutcome) (int64, error) {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	var block sql.NullString
	if o.Block != nil {
		data, err := json.Marshal(o.Block)
		if err != nil {
			return 0, err
		}
		block = sql.NullString{String: string(data), Valid: true}
	}
	var warnings sql.NullString
	if len(o.Warnings) > 0 {
		data, err := json.Marshal(o.Warnings)
		if err != nil {
			return 0, err
		}
		warnings = sql.NullString{String: string(data), Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts (session_id, kind, prompt, model, answer, block, warnings, failed, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.SessionID, string(o.Kind), o.Prompt, o.Model, o.Answer, block, warnings, o.Failed, o.LatencyMs, o.CreatedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("append transcript: %w", err)
	}
	return res.LastInsertId()
}

// History returns the last limit outcomes of a session, oldest first.
func (s *SQLiteStore) History(ctx context.Context, sessionID string, limit int) ([]domain.TurnOutcome, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, kind, prompt, model, answer, block, warnings, failed, latency_ms, created_at
		 FROM transcripts WHERE session_id = ?
		 ORDER BY id DESC LIMIT ?`, sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TurnOutcome
	for rows.Next() {
		var o domain.TurnOutcome
		var kind string
		var block, warnings sql.NullString
		if err := rows.Scan(&o.ID, &o.SessionID, &kind, &o.Prompt, &o.Model, &o.Answer,
			&block, &warnings, &o.Failed, &o.LatencyMs, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Kind = domain.OutcomeKind(kind)
		if block.Valid {
			o.Block = &domain.Notice{}
			if err := json.Unmarshal([]byte(block.String), o.Block); err != nil {
				return nil, fmt.Errorf("transcript %d: block: %w", o.ID, err)
			}
		}
		if warnings.Valid {
			if err := json.Unmarshal([]byte(warnings.String), &o.Warnings); err != nil {
				return nil, fmt.Errorf("transcript %d: warnings: %w", o.ID, err)
			}
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) ClearHistory(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM transcripts WHERE session_id = ?`, sessionID)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, id string) ([]domain.Message, error) {
	var data string
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT messages, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&data, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if s.sessionTTL > 0 && s.now().Sub(time.UnixMilli(updated)) > s.sessionTTL {
		return nil, s.Delete(ctx, id)
	}
	var window []domain.Message
	if err := json.Unmarshal([]byte(data), &window); err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	return window, nil
}

func (s *SQLiteStore) Put(ctx context.Context, id string, window []domain.Message) error {
	if window == nil {
		window = []domain.Message{}
	}
	data, err := json.Marshal(window)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, messages, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET messages = excluded.messages, updated_at = excluded.updated_at`,
		id, string(data), s.now().UnixMilli(),
	)
	return err
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// EvictIdle removes session windows idle for longer than the TTL and
// returns how many were removed.
func (s *SQLiteStore) EvictIdle(ctx context.Context) (int64, error) {
	if s.sessionTTL <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.sessionTTL).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetSetting reads a settings value. The bool is false when the key is
// absent.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLiteStore) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now().UTC(),
	)
	return err
}

// Ping checks that the database answers.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) SchemaVersion() (int, error) {
	return GetSchemaVersion(s.db)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

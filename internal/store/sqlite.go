package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"scribed/internal/model"

	_ "modernc.org/sqlite"
)

const createTranscriptionsTable = `
CREATE TABLE IF NOT EXISTS transcriptions (
    task_id                TEXT PRIMARY KEY,
    identity               TEXT NOT NULL,
    original_filename      TEXT NOT NULL DEFAULT '',
    file_size_bytes        INTEGER NOT NULL DEFAULT 0,
    language               TEXT NOT NULL DEFAULT '',
    model                  TEXT NOT NULL DEFAULT '',
    format                 TEXT NOT NULL DEFAULT '',
    diarization            INTEGER NOT NULL DEFAULT 0,
    storage_path           TEXT NOT NULL DEFAULT '',
    status                 TEXT NOT NULL,
    created_at             DATETIME NOT NULL,
    started_at             DATETIME,
    completed_at           DATETIME,
    processing_seconds     REAL,
    audio_duration_seconds REAL,
    detected_language      TEXT NOT NULL DEFAULT '',
    text                   TEXT NOT NULL DEFAULT '',
    result                 BLOB,
    word_count             INTEGER NOT NULL DEFAULT 0,
    error                  TEXT NOT NULL DEFAULT ''
)`

const createTranscriptionsIndex = `
CREATE INDEX IF NOT EXISTS idx_transcriptions_identity_created
    ON transcriptions (identity, created_at DESC)`

const createUsageTable = `
CREATE TABLE IF NOT EXISTS usage_stats (
    identity               TEXT NOT NULL,
    day                    TEXT NOT NULL,
    requests               INTEGER NOT NULL DEFAULT 0,
    successful             INTEGER NOT NULL DEFAULT 0,
    failed                 INTEGER NOT NULL DEFAULT 0,
    processing_seconds     REAL NOT NULL DEFAULT 0,
    audio_duration_seconds REAL NOT NULL DEFAULT 0,
    file_size_bytes        INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (identity, day)
)`

const transcriptionColumns = `task_id, identity, original_filename, file_size_bytes,
	language, model, format, diarization, storage_path, status, created_at,
	started_at, completed_at, processing_seconds, audio_duration_seconds,
	detected_language, text, result, word_count, error`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createTranscriptionsTable, createTranscriptionsIndex, createUsageTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTranscription(r scanner) (*Transcription, error) {
	t := &Transcription{}
	var status string
	err := r.Scan(
		&t.TaskID, &t.Identity, &t.OriginalFilename, &t.FileSizeBytes,
		&t.Language, &t.Model, &t.Format, &t.Diarization, &t.StoragePath, &status, &t.CreatedAt,
		&t.StartedAt, &t.CompletedAt, &t.ProcessingSeconds, &t.AudioDurationSeconds,
		&t.DetectedLanguage, &t.Text, &t.Result, &t.WordCount, &t.Error,
	)
	if err != nil {
		return nil, err
	}
	t.Status, err = model.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func insertTranscription(ctx context.Context, ex interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, t *Transcription) (sql.Result, error) {
	return ex.ExecContext(ctx,
		`INSERT INTO transcriptions (`+transcriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO NOTHING`,
		t.TaskID, t.Identity, t.OriginalFilename, t.FileSizeBytes,
		t.Language, t.Model, t.Format, t.Diarization, t.StoragePath, string(t.Status), t.CreatedAt.UTC(),
		utcPtr(t.StartedAt), utcPtr(t.CompletedAt), t.ProcessingSeconds, t.AudioDurationSeconds,
		t.DetectedLanguage, t.Text, t.Result, t.WordCount, t.Error,
	)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// CreateTranscription inserts a new transcription record.
func (s *SQLiteStore) CreateTranscription(ctx context.Context, t *Transcription) error {
	if !t.Status.Valid() {
		return fmt.Errorf("insert transcription: invalid status %q", t.Status)
	}
	res, err := insertTranscription(ctx, s.db, t)
	if err != nil {
		return fmt.Errorf("insert transcription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

// GetTranscription retrieves a transcription by task id.
func (s *SQLiteStore) GetTranscription(ctx context.Context, id string) (*Transcription, error) {
	t, err := scanTranscription(s.db.QueryRowContext(ctx,
		`SELECT `+transcriptionColumns+` FROM transcriptions WHERE task_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transcription: %w", err)
	}
	return t, nil
}

// ListTranscriptions returns one identity's records ordered by created_at
// DESC, along with that identity's total count.
func (s *SQLiteStore) ListTranscriptions(ctx context.Context, identity string, limit, offset int) ([]*Transcription, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM transcriptions WHERE identity = ?", identity).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transcriptions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+transcriptionColumns+` FROM transcriptions
		WHERE identity = ? ORDER BY created_at DESC, task_id DESC LIMIT ? OFFSET ?`,
		identity, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list transcriptions: %w", err)
	}
	defer rows.Close()

	var out []*Transcription
	for rows.Next() {
		t, err := scanTranscription(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan transcription: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate transcriptions: %w", err)
	}
	return out, total, nil
}

// FinishTranscription records a terminal outcome. A missing record is
// inserted whole; an existing one keeps its request fields and must be able
// to move to t.Status. Rewriting the same terminal status is allowed.
func (s *SQLiteStore) FinishTranscription(ctx context.Context, t *Transcription) error {
	if !t.Status.Terminal() {
		return fmt.Errorf("finish transcription: %q is not terminal", t.Status)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var cur string
	err = tx.QueryRowContext(ctx, "SELECT status FROM transcriptions WHERE task_id = ?", t.TaskID).Scan(&cur)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := insertTranscription(ctx, tx, t); err != nil {
			return fmt.Errorf("insert transcription: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read status: %w", err)
	default:
		from := model.Status(cur)
		if from != t.Status && !model.ValidTransition(from, t.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, t.Status)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE transcriptions SET
				status = ?,
				model = COALESCE(NULLIF(?, ''), model),
				started_at = COALESCE(started_at, ?),
				completed_at = ?,
				processing_seconds = ?,
				audio_duration_seconds = ?,
				detected_language = ?,
				text = ?,
				result = ?,
				word_count = ?,
				error = ?
			WHERE task_id = ?`,
			string(t.Status), t.Model, utcPtr(t.StartedAt), utcPtr(t.CompletedAt),
			t.ProcessingSeconds, t.AudioDurationSeconds, t.DetectedLanguage,
			t.Text, t.Result, t.WordCount, t.Error, t.TaskID,
		)
		if err != nil {
			return fmt.Errorf("update transcription: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// UpdateTranscriptionStatus moves a record to status. Entering processing
// stamps started_at; entering a terminal status stamps completed_at.
// Setting the current status again is a no-op.
func (s *SQLiteStore) UpdateTranscriptionStatus(ctx context.Context, id string, status model.Status, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var cur string
	err = tx.QueryRowContext(ctx, "SELECT status FROM transcriptions WHERE task_id = ?", id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	from := model.Status(cur)
	if from == status {
		return nil
	}
	if !model.ValidTransition(from, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}

	at = at.UTC()
	if status == model.StatusProcessing {
		_, err = tx.ExecContext(ctx, "UPDATE transcriptions SET status = ?, started_at = ? WHERE task_id = ?", string(status), at, id)
	} else {
		_, err = tx.ExecContext(ctx, "UPDATE transcriptions SET status = ?, completed_at = ? WHERE task_id = ?", string(status), at, id)
	}
	if err != nil {
		return fmt.Errorf("update transcription status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DeleteTranscription removes id if it belongs to identity.
func (s *SQLiteStore) DeleteTranscription(ctx context.Context, id, identity string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM transcriptions WHERE task_id = ? AND identity = ?", id, identity)
	if err != nil {
		return false, fmt.Errorf("delete transcription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// RecordUsage adds one finished request to the identity's daily aggregates.
func (s *SQLiteStore) RecordUsage(ctx context.Context, d UsageDelta) error {
	ok, failed := 0, 1
	if d.Successful {
		ok, failed = 1, 0
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_stats (identity, day, requests, successful, failed,
			processing_seconds, audio_duration_seconds, file_size_bytes)
		VALUES (?, ?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT(identity, day) DO UPDATE SET
			requests = requests + 1,
			successful = successful + excluded.successful,
			failed = failed + excluded.failed,
			processing_seconds = processing_seconds + excluded.processing_seconds,
			audio_duration_seconds = audio_duration_seconds + excluded.audio_duration_seconds,
			file_size_bytes = file_size_bytes + excluded.file_size_bytes`,
		d.Identity, d.At.UTC().Format(time.DateOnly), ok, failed,
		d.ProcessingSeconds, d.AudioDurationSeconds, d.FileSizeBytes,
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// GetUsage returns identity's daily aggregates from since onward, newest
// day first.
func (s *SQLiteStore) GetUsage(ctx context.Context, identity string, since time.Time) ([]UsageRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT day, requests, successful, failed, processing_seconds,
			audio_duration_seconds, file_size_bytes
		FROM usage_stats WHERE identity = ? AND day >= ? ORDER BY day DESC`,
		identity, since.UTC().Format(time.DateOnly),
	)
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	defer rows.Close()

	var out []UsageRow
	for rows.Next() {
		var u UsageRow
		if err := rows.Scan(&u.Day, &u.Requests, &u.Successful, &u.Failed,
			&u.ProcessingSeconds, &u.AudioDurationSeconds, &u.FileSizeBytes); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage: %w", err)
	}
	return out, nil
}

// Package sqlite persists the download history.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/constansino/chat-dl-go/internal/domain"
	_ "modernc.org/sqlite"
)

// Repository provides database operations for download records.
type Repository struct {
	db *sql.DB
}

// NewRepository opens (or creates) the history database under dataDir.
func NewRepository(dataDir string) (*Repository, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "history.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer: SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := configureDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	slog.Info("Database initialized", "path", dbPath)

	return &Repository{db: db}, nil
}

// configureDB applies SQLite optimizations.
func configureDB(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=10000",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// createSchema creates the database tables.
func createSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS downloads (
			id TEXT PRIMARY KEY,
			caller_key TEXT NOT NULL,
			url TEXT NOT NULL,
			format_id TEXT,
			status TEXT NOT NULL,
			error TEXT,
			size_bytes INTEGER DEFAULT 0,
			created_at DATETIME NOT NULL,
			completed_at DATETIME
		);

		CREATE INDEX IF NOT EXISTS idx_downloads_caller ON downloads(caller_key);
		CREATE INDEX IF NOT EXISTS idx_downloads_created ON downloads(created_at);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Record inserts a finished download into the history.
func (r *Repository) Record(ctx context.Context, rec *domain.Record) error {
	query := `
		INSERT INTO downloads (id, caller_key, url, format_id, status, error, size_bytes, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		string(rec.CallerKey),
		rec.URL,
		rec.FormatID,
		rec.Status,
		rec.Error,
		rec.SizeBytes,
		rec.CreatedAt,
		rec.CompletedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to record download: %w", err)
	}

	return nil
}

// Recent returns the most recent downloads, newest first.
func (r *Repository) Recent(ctx context.Context, limit int) ([]*domain.Record, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, caller_key, url, format_id, status, error, size_bytes, created_at, completed_at
		FROM downloads
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	defer rows.Close()

	var records []*domain.Record

	for rows.Next() {
		rec := &domain.Record{}
		var callerKey string
		var formatID, errorMsg sql.NullString
		var completedAt sql.NullTime

		err := rows.Scan(
			&rec.ID,
			&callerKey,
			&rec.URL,
			&formatID,
			&rec.Status,
			&errorMsg,
			&rec.SizeBytes,
			&rec.CreatedAt,
			&completedAt,
		)

		if err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}

		rec.CallerKey = domain.CallerKey(callerKey)
		rec.FormatID = formatID.String
		rec.Error = errorMsg.String
		if completedAt.Valid {
			rec.CompletedAt = completedAt.Time
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

// CountByStatus returns the number of downloads with the given status.
func (r *Repository) CountByStatus(ctx context.Context, status domain.RecordStatus) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM downloads WHERE status = ?", status).Scan(&count)
	return count, err
}

// Count returns the total number of recorded downloads.
func (r *Repository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM downloads").Scan(&count)
	return count, err
}

// DeleteOlderThan removes history entries older than the given age.
func (r *Repository) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	threshold := time.Now().Add(-age)

	result, err := r.db.ExecContext(ctx, "DELETE FROM downloads WHERE created_at < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old downloads: %w", err)
	}

	return result.RowsAffected()
}

package db

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/fly-io/dsu-installer/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository journals install sessions
type Repository struct {
	db *sql.DB
}

// NewRepository opens dbPath and creates the schema if needed
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Debug("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

const selectColumns = `
	SELECT id, session_id, install_dir, payload_size, scratch_size, wipe_scratch,
	       strategy, status, error_code, error_message, created_at, updated_at
	FROM installs`

type scanner interface {
	Scan(dest ...any) error
}

func scanInstall(s scanner) (*Install, error) {
	var in Install
	var strategy, errorCode, errorMessage sql.NullString
	err := s.Scan(
		&in.ID, &in.SessionID, &in.InstallDir, &in.PayloadSize, &in.ScratchSize, &in.WipeScratch,
		&strategy, &in.Status, &errorCode, &errorMessage, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return nil, err
	}
	in.Strategy = strategy.String
	in.ErrorCode = errorCode.String
	in.ErrorMessage = errorMessage.String
	return &in, nil
}

// Create inserts a new session record
func (r *Repository) Create(in *Install) error {
	slog.Info("database_create_install", "session_id", in.SessionID, "status", in.Status)

	query := `
		INSERT INTO installs (session_id, install_dir, payload_size, scratch_size, wipe_scratch, strategy, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.Exec(query,
		in.SessionID, in.InstallDir, in.PayloadSize, in.ScratchSize, in.WipeScratch, in.Strategy, in.Status)
	if err != nil {
		slog.Error("database_insert_failed", "session_id", in.SessionID, "error", err)
		return errors.Wrap(err, "failed to insert install")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get last insert id")
	}
	in.ID = id
	return nil
}

// GetBySession retrieves a record by session ID. A missing record is (nil, nil).
func (r *Repository) GetBySession(sessionID string) (*Install, error) {
	in, err := scanInstall(r.db.QueryRow(selectColumns+` WHERE session_id = ?`, sessionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "session_id", sessionID, "error", err)
		return nil, errors.Wrap(err, "failed to query install")
	}
	return in, nil
}

// UpdateStatus moves a session to status, recording the failure if any
func (r *Repository) UpdateStatus(sessionID, status string, failure error) error {
	slog.Info("database_update_status", "session_id", sessionID, "status", status)

	var code, message sql.NullString
	if failure != nil {
		code = sql.NullString{String: errors.Code(failure).String(), Valid: true}
		message = sql.NullString{String: failure.Error(), Valid: true}
	}

	query := `UPDATE installs SET status = ?, error_code = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE session_id = ?`
	result, err := r.db.Exec(query, status, code, message, sessionID)
	if err != nil {
		slog.Error("database_status_update_failed", "session_id", sessionID, "status", status, "error", err)
		return errors.Wrap(err, "failed to update status")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("install not found: session=%s", sessionID)
	}
	return nil
}

// SetStrategy records the write strategy chosen for a session
func (r *Repository) SetStrategy(sessionID, strategy string) error {
	_, err := r.db.Exec(`UPDATE installs SET strategy = ?, updated_at = CURRENT_TIMESTAMP WHERE session_id = ?`, strategy, sessionID)
	if err != nil {
		return errors.Wrap(err, "failed to update strategy")
	}
	return nil
}

// List retrieves up to limit records, newest first. limit <= 0 means all.
func (r *Repository) List(limit int) ([]*Install, error) {
	query := selectColumns + ` ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list installs")
	}
	defer rows.Close()

	var installs []*Install
	for rows.Next() {
		in, err := scanInstall(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		installs = append(installs, in)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return installs, nil
}

// AbandonOpen marks every non-terminal session aborted. Used by start-up
// recovery after a crash.
func (r *Repository) AbandonOpen() (int64, error) {
	result, err := r.db.Exec(`
		UPDATE installs SET status = ?, error_message = 'interrupted', updated_at = CURRENT_TIMESTAMP
		WHERE status IN (?, ?)`, StatusAborted, StatusStarted, StatusStreaming)
	if err != nil {
		slog.Error("database_abandon_failed", "error", err)
		return 0, errors.Wrap(err, "failed to abandon open installs")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	if n > 0 {
		slog.Info("database_installs_abandoned", "count", n)
	}
	return n, nil
}

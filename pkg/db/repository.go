package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/buildhost/ec2-builder/pkg/errors"
	_ "modernc.org/sqlite"
)

// sqliteTime matches the layout of CURRENT_TIMESTAMP.
const sqliteTime = "2006-01-02 15:04:05"

const runColumns = `
	id, mode, version, instance_type, base_image_id, instance_id, public_ip, instance_state,
	output_image_name, output_image_id, artifact_path, artifact_sha256, artifact_uri,
	exit_status, status, error_message, created_at, updated_at`

// Repository provides database operations for runs
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	slog.Debug("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new run record
func (r *Repository) Create(run *Run) error {
	slog.Info("database_create_run", "run_id", run.ID, "mode", run.Mode, "status", run.Status)

	query := `
		INSERT INTO runs (id, mode, version, instance_type, output_image_name, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, run.ID, run.Mode, run.Version, run.InstanceType, run.OutputImageName, run.Status)
	if err != nil {
		slog.Error("database_insert_failed", "run_id", run.ID, "error", err)
		return errors.Wrap(err, "failed to insert run")
	}

	slog.Info("database_run_created", "run_id", run.ID)
	return nil
}

// Get retrieves a run by id. It returns nil, nil when no such run exists.
func (r *Repository) Get(id string) (*Run, error) {
	slog.Debug("database_query_run", "run_id", id)

	run, err := scanRun(r.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		slog.Info("database_run_not_found", "run_id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "run_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query run")
	}
	return run, nil
}

// Update writes every mutable column of run
func (r *Repository) Update(run *Run) error {
	slog.Debug("database_update_run", "run_id", run.ID, "status", run.Status)

	query := `
		UPDATE runs
		SET base_image_id = ?, instance_id = ?, public_ip = ?, instance_state = ?,
		    output_image_name = ?, output_image_id = ?,
		    artifact_path = ?, artifact_sha256 = ?, artifact_uri = ?,
		    exit_status = ?, status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.Exec(query,
		run.BaseImageID, run.InstanceID, run.PublicIP, run.InstanceState,
		run.OutputImageName, run.OutputImageID,
		run.ArtifactPath, run.ArtifactSHA256, run.ArtifactURI,
		run.ExitStatus, run.Status, run.ErrorMessage, run.ID)
	if err != nil {
		slog.Error("database_update_failed", "run_id", run.ID, "error", err)
		return errors.Wrap(err, "failed to update run")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		slog.Error("database_rows_affected_failed", "run_id", run.ID, "error", err)
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_run_not_found_for_update", "run_id", run.ID)
		return fmt.Errorf("run not found: id=%s", run.ID)
	}

	slog.Info("database_run_updated", "run_id", run.ID, "status", run.Status, "instance_state", run.InstanceState)
	return nil
}

// UpdateStatus updates only the status and error fields
func (r *Repository) UpdateStatus(id, status, errorMessage string) error {
	slog.Info("database_update_status", "run_id", id, "status", status)

	query := `UPDATE runs SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	if _, err := r.db.Exec(query, status, errorMessage, id); err != nil {
		slog.Error("database_status_update_failed", "run_id", id, "status", status, "error", err)
		return errors.Wrap(err, "failed to update status")
	}
	return nil
}

// MarkInstanceState records the last known state of a run's instance
func (r *Repository) MarkInstanceState(id, state string) error {
	slog.Info("database_mark_instance_state", "run_id", id, "instance_state", state)

	query := `UPDATE runs SET instance_state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	if _, err := r.db.Exec(query, state, id); err != nil {
		slog.Error("database_instance_state_update_failed", "run_id", id, "error", err)
		return errors.Wrap(err, "failed to update instance state")
	}
	return nil
}

// List retrieves runs, newest first. A limit of zero returns every run.
func (r *Repository) List(limit int) ([]*Run, error) {
	slog.Debug("database_list_runs", "limit", limit)

	query := `SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryRuns(query, args...)
}

// ListOrphaned returns runs whose instance is still recorded as running and
// that have not been touched since before cutoff.
func (r *Repository) ListOrphaned(cutoff time.Time) ([]*Run, error) {
	slog.Debug("database_list_orphaned", "cutoff", cutoff)

	query := `SELECT ` + runColumns + ` FROM runs
		WHERE instance_state = ? AND instance_id != '' AND updated_at < ?
		ORDER BY created_at`
	return r.queryRuns(query, InstanceRunning, cutoff.UTC().Format(sqliteTime))
}

func (r *Repository) queryRuns(query string, args ...any) ([]*Run, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Debug("database_list_complete", "run_count", len(runs))
	return runs, nil
}

// Delete deletes a run by ID
func (r *Repository) Delete(id string) error {
	slog.Info("database_delete_run", "run_id", id)

	if _, err := r.db.Exec(`DELETE FROM runs WHERE id = ?`, id); err != nil {
		slog.Error("database_delete_failed", "run_id", id, "error", err)
		return errors.Wrap(err, "failed to delete run")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var baseImageID, instanceID, publicIP, instanceState sql.NullString
	var outputImageName, outputImageID sql.NullString
	var artifactPath, artifactSHA256, artifactURI, errorMessage sql.NullString
	var exitStatus sql.NullInt64

	err := row.Scan(
		&run.ID, &run.Mode, &run.Version, &run.InstanceType,
		&baseImageID, &instanceID, &publicIP, &instanceState,
		&outputImageName, &outputImageID,
		&artifactPath, &artifactSHA256, &artifactURI,
		&exitStatus, &run.Status, &errorMessage,
		&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}

	run.BaseImageID = baseImageID.String
	run.InstanceID = instanceID.String
	run.PublicIP = publicIP.String
	run.InstanceState = instanceState.String
	run.OutputImageName = outputImageName.String
	run.OutputImageID = outputImageID.String
	run.ArtifactPath = artifactPath.String
	run.ArtifactSHA256 = artifactSHA256.String
	run.ArtifactURI = artifactURI.String
	run.ExitStatus = int(exitStatus.Int64)
	run.ErrorMessage = errorMessage.String
	return &run, nil
}

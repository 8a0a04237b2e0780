package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"dartscoach/internal/model"
)

// JobRepository is the durable record store for analysis jobs. Terminal rows
// (done/failed) are never mutated: every update is guarded so a stray late
// write from the dispatch path cannot reopen a finished job.
type JobRepository interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJobByID(ctx context.Context, jobID string) (*model.Job, error)
	ListJobsByUser(ctx context.Context, userID string, limit, offset int) ([]model.Job, error)

	MarkRunning(ctx context.Context, jobID string) error
	// UpdateProgress applies partial status/progress/stage updates with
	// COALESCE semantics: nil fields keep their stored value.
	UpdateProgress(ctx context.Context, jobID string, status *string, progress *float64, stage *string) error
	MarkFailed(ctx context.Context, jobID, errorMessage string) error
	MarkDone(ctx context.Context, jobID string, result json.RawMessage, throwsDetected *int) error
}

type jobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) JobRepository {
	return &jobRepository{db: db}
}

const jobColumns = `job_id, user_id, created_at, original_filename, status, progress, stage,
       error_message, throws_detected, result_data, has_side_video, has_front_video, updated_at`

func scanJob(row interface{ Scan(...interface{}) error }) (*model.Job, error) {
	var j model.Job
	var result []byte
	err := row.Scan(
		&j.JobID,
		&j.UserID,
		&j.CreatedAt,
		&j.OriginalFilename,
		&j.Status,
		&j.Progress,
		&j.Stage,
		&j.ErrorMessage,
		&j.ThrowsDetected,
		&result,
		&j.HasSideVideo,
		&j.HasFrontVideo,
		&j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning job row: %w", err)
	}
	j.ResultData = result
	return &j, nil
}

func (r *jobRepository) CreateJob(ctx context.Context, j *model.Job) error {
	query := `
		INSERT INTO jobs (job_id, user_id, created_at, original_filename, status, progress, stage, has_side_video, has_front_video)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		j.JobID, j.UserID, j.CreatedAt, j.OriginalFilename,
		j.Status, j.Progress, j.Stage, j.HasSideVideo, j.HasFrontVideo,
	)
	if err != nil {
		return fmt.Errorf("creating job %s: %w", j.JobID, err)
	}
	return nil
}

func (r *jobRepository) GetJobByID(ctx context.Context, jobID string) (*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`
	return scanJob(r.db.QueryRowContext(ctx, query, jobID))
}

func (r *jobRepository) ListJobsByUser(ctx context.Context, userID string, limit, offset int) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing jobs for user %s: %w", userID, err)
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return jobs, nil
}

func (r *jobRepository) MarkRunning(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET status = 'running', progress = 0.01, stage = 'starting_worker', updated_at = NOW()
		WHERE job_id = $1 AND status NOT IN ('done', 'failed')
	`
	if _, err := r.db.ExecContext(ctx, query, jobID); err != nil {
		return fmt.Errorf("marking job %s running: %w", jobID, err)
	}
	return nil
}

func (r *jobRepository) UpdateProgress(ctx context.Context, jobID string, status *string, progress *float64, stage *string) error {
	query := `
		UPDATE jobs
		SET status = COALESCE($2, status),
		    progress = COALESCE($3, progress),
		    stage = COALESCE($4, stage),
		    updated_at = NOW()
		WHERE job_id = $1 AND status NOT IN ('done', 'failed')
	`
	if _, err := r.db.ExecContext(ctx, query, jobID, status, progress, stage); err != nil {
		return fmt.Errorf("updating progress for job %s: %w", jobID, err)
	}
	return nil
}

func (r *jobRepository) MarkFailed(ctx context.Context, jobID, errorMessage string) error {
	query := `
		UPDATE jobs
		SET status = 'failed', progress = 1.0, stage = 'failed', error_message = $2, updated_at = NOW()
		WHERE job_id = $1 AND status NOT IN ('done', 'failed')
	`
	if _, err := r.db.ExecContext(ctx, query, jobID, errorMessage); err != nil {
		return fmt.Errorf("marking job %s failed: %w", jobID, err)
	}
	return nil
}

func (r *jobRepository) MarkDone(ctx context.Context, jobID string, result json.RawMessage, throwsDetected *int) error {
	query := `
		UPDATE jobs
		SET status = 'done', progress = 1.0, stage = 'done', error_message = NULL,
		    result_data = $2, throws_detected = $3, updated_at = NOW()
		WHERE job_id = $1 AND status NOT IN ('done', 'failed')
	`
	if _, err := r.db.ExecContext(ctx, query, jobID, []byte(result), throwsDetected); err != nil {
		return fmt.Errorf("marking job %s done: %w", jobID, err)
	}
	return nil
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bearmemori/bearmemori"
)

const jobCols = `id, job_type, payload, user_id, status, result, error_message, created_at, updated_at`

func scanJob(scan func(dest ...any) error) (bearmemori.LLMJob, error) {
	var (
		j                    bearmemori.LLMJob
		jobType, payload     string
		userID               sql.NullInt64
		status               string
		result, errMsg       sql.NullString
		createdAt, updatedAt string
	)
	err := scan(&j.ID, &jobType, &payload, &userID, &status, &result, &errMsg, &createdAt, &updatedAt)
	if err != nil {
		return bearmemori.LLMJob{}, err
	}
	j.Type = bearmemori.JobType(jobType)
	j.Payload = json.RawMessage(payload)
	j.UserID = userID.Int64
	j.Status = bearmemori.JobStatus(status)
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	j.ErrorMessage = errMsg.String
	if j.CreatedAt, err = timeIn(createdAt); err != nil {
		return bearmemori.LLMJob{}, err
	}
	if j.UpdatedAt, err = timeIn(updatedAt); err != nil {
		return bearmemori.LLMJob{}, err
	}
	return j, nil
}

// CreateJob inserts a queued job row. The stream publish happens outside
// this store; a row without a live stream entry is recovered by the
// requeue sweep.
func (s *Store) CreateJob(ctx context.Context, j bearmemori.LLMJob, actor string) (bearmemori.LLMJob, error) {
	start := time.Now()
	if j.ID == "" {
		j.ID = bearmemori.NewID()
	}
	if j.Status == "" {
		j.Status = bearmemori.JobQueued
	}
	if j.Status != bearmemori.JobQueued {
		return bearmemori.LLMJob{}, bearmemori.Validationf("new job must be queued, got %q", j.Status)
	}
	if _, ok := bearmemori.StreamForJob(j.Type); !ok {
		return bearmemori.LLMJob{}, bearmemori.Validationf("unknown job type %q", j.Type)
	}
	if len(j.Payload) == 0 || !json.Valid(j.Payload) {
		return bearmemori.LLMJob{}, bearmemori.Validationf("job payload must be valid JSON")
	}
	now := bearmemori.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	s.logger.Debug("sqlite: create job", "id", j.ID, "type", j.Type, "user", j.UserID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bearmemori.LLMJob{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var userID *int64
	if j.UserID != 0 {
		userID = &j.UserID
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO llm_jobs (`+jobCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, string(j.Type), string(j.Payload), userID, string(j.Status),
		nil, nullStr(j.ErrorMessage), timeOut(j.CreatedAt), timeOut(j.UpdatedAt),
	)
	if err != nil {
		s.logger.Error("sqlite: create job failed", "id", j.ID, "error", err)
		return bearmemori.LLMJob{}, fmt.Errorf("insert job: %w", err)
	}
	if err := auditTx(ctx, tx, now, "llm_job", j.ID, bearmemori.AuditCreated, actor,
		map[string]any{"job_type": j.Type}); err != nil {
		return bearmemori.LLMJob{}, err
	}

	if err := tx.Commit(); err != nil {
		return bearmemori.LLMJob{}, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: create job ok", "id", j.ID, "duration", time.Since(start))
	return j, nil
}

// GetJob returns one job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (bearmemori.LLMJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM llm_jobs WHERE id = ?`, id)
	j, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return bearmemori.LLMJob{}, &bearmemori.NotFoundError{Entity: "llm_job", ID: id}
	}
	if err != nil {
		return bearmemori.LLMJob{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func getJobTx(ctx context.Context, tx *sql.Tx, id string) (bearmemori.LLMJob, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobCols+` FROM llm_jobs WHERE id = ?`, id)
	j, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return bearmemori.LLMJob{}, &bearmemori.NotFoundError{Entity: "llm_job", ID: id}
	}
	if err != nil {
		return bearmemori.LLMJob{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// MarkJobProcessing moves a queued job to processing. Only queued jobs
// transition; anything else is a conflict.
func (s *Store) MarkJobProcessing(ctx context.Context, id string, actor string) (bearmemori.LLMJob, error) {
	return s.transitionJob(ctx, id, actor, func(j *bearmemori.LLMJob) (map[string]any, error) {
		if j.Status != bearmemori.JobQueued {
			return nil, &bearmemori.ConflictError{
				Message: fmt.Sprintf("job is %s, only queued jobs start processing", j.Status),
			}
		}
		j.Status = bearmemori.JobProcessing
		return map[string]any{"status": bearmemori.JobProcessing}, nil
	})
}

// CompleteJob records the handler result and closes the job.
func (s *Store) CompleteJob(ctx context.Context, id string, result json.RawMessage, actor string) (bearmemori.LLMJob, error) {
	if len(result) > 0 && !json.Valid(result) {
		return bearmemori.LLMJob{}, bearmemori.Validationf("job result must be valid JSON")
	}
	return s.transitionJob(ctx, id, actor, func(j *bearmemori.LLMJob) (map[string]any, error) {
		if j.Terminal() {
			return nil, &bearmemori.ConflictError{
				Message: fmt.Sprintf("job is already %s", j.Status),
			}
		}
		j.Status = bearmemori.JobCompleted
		j.Result = result
		j.ErrorMessage = ""
		return map[string]any{"status": bearmemori.JobCompleted}, nil
	})
}

// FailJob closes the job with an error. kind is the retry classifier's
// verdict; it lands in the audit detail together with the message.
func (s *Store) FailJob(ctx context.Context, id string, kind, message string, actor string) (bearmemori.LLMJob, error) {
	return s.transitionJob(ctx, id, actor, func(j *bearmemori.LLMJob) (map[string]any, error) {
		if j.Terminal() {
			return nil, &bearmemori.ConflictError{
				Message: fmt.Sprintf("job is already %s", j.Status),
			}
		}
		j.Status = bearmemori.JobFailed
		j.ErrorMessage = message
		return map[string]any{"status": bearmemori.JobFailed, "error_kind": kind, "message": message}, nil
	})
}

// RequeueJob flips a job back to queued and refreshes updated_at so the
// sweep's grace window restarts. Terminal jobs never requeue.
func (s *Store) RequeueJob(ctx context.Context, id string, reason string, actor string) (bearmemori.LLMJob, error) {
	return s.transitionJob(ctx, id, actor, func(j *bearmemori.LLMJob) (map[string]any, error) {
		if j.Terminal() {
			return nil, &bearmemori.ConflictError{
				Message: fmt.Sprintf("job is already %s", j.Status),
			}
		}
		j.Status = bearmemori.JobQueued
		return map[string]any{"reason": reason}, nil
	})
}

// transitionJob applies mutate under one transaction and audits the
// resulting state change. mutate returns the audit detail.
func (s *Store) transitionJob(ctx context.Context, id, actor string, mutate func(*bearmemori.LLMJob) (map[string]any, error)) (bearmemori.LLMJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bearmemori.LLMJob{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	j, err := getJobTx(ctx, tx, id)
	if err != nil {
		return bearmemori.LLMJob{}, err
	}
	prior := j.Status
	detail, err := mutate(&j)
	if err != nil {
		return bearmemori.LLMJob{}, err
	}

	now := bearmemori.Now()
	j.UpdatedAt = now
	var result *string
	if len(j.Result) > 0 {
		v := string(j.Result)
		result = &v
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE llm_jobs SET status = ?, result = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(j.Status), result, nullStr(j.ErrorMessage), timeOut(now), id,
	); err != nil {
		return bearmemori.LLMJob{}, fmt.Errorf("update job: %w", err)
	}

	action := bearmemori.AuditUpdated
	if j.Status == bearmemori.JobQueued {
		action = bearmemori.AuditRequeued
	}
	if detail == nil {
		detail = map[string]any{}
	}
	detail["prior_status"] = prior
	if err := auditTx(ctx, tx, now, "llm_job", id, action, actor, detail); err != nil {
		return bearmemori.LLMJob{}, err
	}

	if err := tx.Commit(); err != nil {
		return bearmemori.LLMJob{}, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: job transition", "id", id, "from", prior, "to", j.Status)
	return j, nil
}

// StuckJobs lists jobs still queued whose last touch predates cutoff.
func (s *Store) StuckJobs(ctx context.Context, cutoff time.Time, limit int) ([]bearmemori.LLMJob, error) {
	query := `SELECT ` + jobCols + ` FROM llm_jobs
		WHERE status = 'queued' AND updated_at <= ?
		ORDER BY updated_at ASC`
	args := []any{timeOut(cutoff)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("stuck jobs: %w", err)
	}
	defer rows.Close()

	var out []bearmemori.LLMJob
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

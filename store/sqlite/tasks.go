package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bearmemori/bearmemori"
)

const taskCols = `id, memory_id, owner_user_id, description, state, due_at,
	recurrence_minutes, completed_at, created_at, updated_at`

func scanTask(scan func(dest ...any) error) (bearmemori.Task, error) {
	var (
		t                 bearmemori.Task
		memoryID          sql.NullString
		state             string
		dueAt, completed  sql.NullString
		recurrence        sql.NullInt64
		createdAt, updatedAt string
	)
	err := scan(&t.ID, &memoryID, &t.OwnerUserID, &t.Description, &state,
		&dueAt, &recurrence, &completed, &createdAt, &updatedAt)
	if err != nil {
		return bearmemori.Task{}, err
	}
	t.MemoryID = memoryID.String
	t.State = bearmemori.TaskState(state)
	if recurrence.Valid {
		v := recurrence.Int64
		t.RecurrenceMinutes = &v
	}
	if t.DueAt, err = timePtrIn(dueAt); err != nil {
		return bearmemori.Task{}, err
	}
	if t.CompletedAt, err = timePtrIn(completed); err != nil {
		return bearmemori.Task{}, err
	}
	if t.CreatedAt, err = timeIn(createdAt); err != nil {
		return bearmemori.Task{}, err
	}
	if t.UpdatedAt, err = timeIn(updatedAt); err != nil {
		return bearmemori.Task{}, err
	}
	return t, nil
}

func validateTask(t bearmemori.Task) error {
	if t.OwnerUserID <= 0 {
		return bearmemori.Validationf("owner_user_id must be positive, got %d", t.OwnerUserID)
	}
	if t.Description == "" {
		return bearmemori.Validationf("task requires a description")
	}
	if t.State != bearmemori.TaskNotDone && t.State != bearmemori.TaskDone {
		return bearmemori.Validationf("invalid task state %q", t.State)
	}
	if t.RecurrenceMinutes != nil && *t.RecurrenceMinutes <= 0 {
		return bearmemori.Validationf("recurrence_minutes must be positive, got %d", *t.RecurrenceMinutes)
	}
	return nil
}

func insertTaskTx(ctx context.Context, tx *sql.Tx, t bearmemori.Task) error {
	var recurrence *int64
	if t.RecurrenceMinutes != nil {
		recurrence = t.RecurrenceMinutes
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO tasks (`+taskCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, nullStr(t.MemoryID), t.OwnerUserID, t.Description, string(t.State),
		timePtrOut(t.DueAt), recurrence, timePtrOut(t.CompletedAt),
		timeOut(t.CreatedAt), timeOut(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// CreateTask inserts a new task in state NOT_DONE unless set otherwise.
func (s *Store) CreateTask(ctx context.Context, t bearmemori.Task, actor string) (bearmemori.Task, error) {
	start := time.Now()
	if t.ID == "" {
		t.ID = bearmemori.NewID()
	}
	if t.State == "" {
		t.State = bearmemori.TaskNotDone
	}
	now := bearmemori.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if err := validateTask(t); err != nil {
		return bearmemori.Task{}, err
	}
	s.logger.Debug("sqlite: create task", "id", t.ID, "owner", t.OwnerUserID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bearmemori.Task{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := userExistsTx(ctx, tx, t.OwnerUserID); err != nil {
		return bearmemori.Task{}, err
	}
	if err := insertTaskTx(ctx, tx, t); err != nil {
		return bearmemori.Task{}, err
	}
	if err := auditTx(ctx, tx, now, "task", t.ID, bearmemori.AuditCreated, actor,
		map[string]any{"description": t.Description}); err != nil {
		return bearmemori.Task{}, err
	}

	if err := tx.Commit(); err != nil {
		return bearmemori.Task{}, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: create task ok", "id", t.ID, "duration", time.Since(start))
	return t, nil
}

// GetTask returns one task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (bearmemori.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return bearmemori.Task{}, &bearmemori.NotFoundError{Entity: "task", ID: id}
	}
	if err != nil {
		return bearmemori.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func getTaskTx(ctx context.Context, tx *sql.Tx, id string) (bearmemori.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return bearmemori.Task{}, &bearmemori.NotFoundError{Entity: "task", ID: id}
	}
	if err != nil {
		return bearmemori.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks matching the filter, soonest due first, then
// newest first for undated ones.
func (s *Store) ListTasks(ctx context.Context, f bearmemori.TaskFilter) ([]bearmemori.Task, error) {
	query := `SELECT ` + taskCols + ` FROM tasks WHERE 1=1`
	var args []any
	if f.OwnerUserID != 0 {
		query += ` AND owner_user_id = ?`
		args = append(args, f.OwnerUserID)
	}
	if f.State != nil {
		query += ` AND state = ?`
		args = append(args, string(*f.State))
	}
	if f.DueBefore != nil {
		query += ` AND due_at IS NOT NULL AND due_at <= ?`
		args = append(args, timeOut(*f.DueBefore))
	}
	query += ` ORDER BY due_at IS NULL, due_at ASC, created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []bearmemori.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTask applies a partial update. The NOT_DONE to DONE transition
// stamps completed_at and, when the task recurs, inserts the next
// occurrence at (due_at or completed_at) + recurrence in the same
// transaction. Completing an already-DONE task is a conflict.
func (s *Store) UpdateTask(ctx context.Context, id string, upd bearmemori.TaskUpdate, actor string) (bearmemori.Task, *bearmemori.Task, error) {
	start := time.Now()
	s.logger.Debug("sqlite: update task", "id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bearmemori.Task{}, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	t, err := getTaskTx(ctx, tx, id)
	if err != nil {
		return bearmemori.Task{}, nil, err
	}

	now := bearmemori.Now()
	prior := map[string]any{}
	completing := false
	if upd.State != nil && *upd.State != t.State {
		switch *upd.State {
		case bearmemori.TaskDone:
			if t.State == bearmemori.TaskDone {
				return bearmemori.Task{}, nil, &bearmemori.ConflictError{Message: "task is already DONE"}
			}
			prior["state"] = t.State
			t.State = bearmemori.TaskDone
			t.CompletedAt = &now
			completing = true
		case bearmemori.TaskNotDone:
			return bearmemori.Task{}, nil, &bearmemori.ConflictError{Message: "completed task cannot reopen"}
		default:
			return bearmemori.Task{}, nil, bearmemori.Validationf("invalid task state %q", *upd.State)
		}
	} else if upd.State != nil && *upd.State == bearmemori.TaskDone {
		return bearmemori.Task{}, nil, &bearmemori.ConflictError{Message: "task is already DONE"}
	}
	if upd.Description != nil && *upd.Description != t.Description {
		if *upd.Description == "" {
			return bearmemori.Task{}, nil, bearmemori.Validationf("task requires a description")
		}
		prior["description"] = t.Description
		t.Description = *upd.Description
	}
	if upd.DueAt != nil {
		if t.DueAt != nil {
			prior["due_at"] = bearmemori.FormatTime(*t.DueAt)
		}
		t.DueAt = upd.DueAt
	}
	if upd.RecurrenceMinutes != nil {
		if *upd.RecurrenceMinutes <= 0 {
			return bearmemori.Task{}, nil, bearmemori.Validationf("recurrence_minutes must be positive, got %d", *upd.RecurrenceMinutes)
		}
		if t.RecurrenceMinutes != nil {
			prior["recurrence_minutes"] = *t.RecurrenceMinutes
		}
		t.RecurrenceMinutes = upd.RecurrenceMinutes
	}
	if len(prior) == 0 && upd.DueAt == nil && upd.RecurrenceMinutes == nil {
		return t, nil, nil
	}

	t.UpdatedAt = now
	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET description = ?, state = ?, due_at = ?, recurrence_minutes = ?,
		        completed_at = ?, updated_at = ?
		 WHERE id = ?`,
		t.Description, string(t.State), timePtrOut(t.DueAt), t.RecurrenceMinutes,
		timePtrOut(t.CompletedAt), timeOut(now), id,
	)
	if err != nil {
		s.logger.Error("sqlite: update task failed", "id", id, "error", err)
		return bearmemori.Task{}, nil, fmt.Errorf("update task: %w", err)
	}

	var next *bearmemori.Task
	if completing && t.RecurrenceMinutes != nil {
		anchor := now
		if t.DueAt != nil {
			anchor = *t.DueAt
		}
		due := anchor.Add(time.Duration(*t.RecurrenceMinutes) * time.Minute)
		child := bearmemori.Task{
			ID:                bearmemori.NewID(),
			MemoryID:          t.MemoryID,
			OwnerUserID:       t.OwnerUserID,
			Description:       t.Description,
			State:             bearmemori.TaskNotDone,
			DueAt:             &due,
			RecurrenceMinutes: t.RecurrenceMinutes,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := insertTaskTx(ctx, tx, child); err != nil {
			return bearmemori.Task{}, nil, err
		}
		if err := auditTx(ctx, tx, now, "task", child.ID, bearmemori.AuditCreated, actor,
			map[string]any{"recurrence_of": t.ID, "due_at": bearmemori.FormatTime(due)}); err != nil {
			return bearmemori.Task{}, nil, err
		}
		next = &child
	}

	if err := auditTx(ctx, tx, now, "task", id, bearmemori.AuditUpdated, actor,
		map[string]any{"prior": prior}); err != nil {
		return bearmemori.Task{}, nil, err
	}

	if err := tx.Commit(); err != nil {
		return bearmemori.Task{}, nil, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: update task ok", "id", id, "spawned", next != nil, "duration", time.Since(start))
	return t, next, nil
}

// DeleteTask removes a task.
func (s *Store) DeleteTask(ctx context.Context, id string, actor string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	t, err := getTaskTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if err := auditTx(ctx, tx, bearmemori.Now(), "task", id, bearmemori.AuditDeleted, actor,
		map[string]any{"description": t.Description}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: delete task ok", "id", id)
	return nil
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bearmemori/bearmemori"
)

const reminderCols = `id, memory_id, owner_user_id, fire_at, recurrence_minutes,
	fired, text, created_at, updated_at`

func scanReminder(scan func(dest ...any) error) (bearmemori.Reminder, error) {
	var (
		r                    bearmemori.Reminder
		memoryID, text       sql.NullString
		fireAt               string
		recurrence           sql.NullInt64
		fired                int
		createdAt, updatedAt string
	)
	err := scan(&r.ID, &memoryID, &r.OwnerUserID, &fireAt, &recurrence,
		&fired, &text, &createdAt, &updatedAt)
	if err != nil {
		return bearmemori.Reminder{}, err
	}
	r.MemoryID = memoryID.String
	r.Text = text.String
	r.Fired = fired != 0
	if recurrence.Valid {
		v := recurrence.Int64
		r.RecurrenceMinutes = &v
	}
	if r.FireAt, err = timeIn(fireAt); err != nil {
		return bearmemori.Reminder{}, err
	}
	if r.CreatedAt, err = timeIn(createdAt); err != nil {
		return bearmemori.Reminder{}, err
	}
	if r.UpdatedAt, err = timeIn(updatedAt); err != nil {
		return bearmemori.Reminder{}, err
	}
	return r, nil
}

func validateReminder(r bearmemori.Reminder) error {
	if r.OwnerUserID <= 0 {
		return bearmemori.Validationf("owner_user_id must be positive, got %d", r.OwnerUserID)
	}
	if r.FireAt.IsZero() {
		return bearmemori.Validationf("reminder requires fire_at")
	}
	if r.RecurrenceMinutes != nil && *r.RecurrenceMinutes <= 0 {
		return bearmemori.Validationf("recurrence_minutes must be positive, got %d", *r.RecurrenceMinutes)
	}
	return nil
}

func insertReminderTx(ctx context.Context, tx *sql.Tx, r bearmemori.Reminder) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO reminders (`+reminderCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, nullStr(r.MemoryID), r.OwnerUserID, timeOut(r.FireAt), r.RecurrenceMinutes,
		boolToInt(r.Fired), nullStr(r.Text), timeOut(r.CreatedAt), timeOut(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert reminder: %w", err)
	}
	return nil
}

// CreateReminder inserts an unfired reminder.
func (s *Store) CreateReminder(ctx context.Context, r bearmemori.Reminder, actor string) (bearmemori.Reminder, error) {
	start := time.Now()
	if r.ID == "" {
		r.ID = bearmemori.NewID()
	}
	now := bearmemori.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	r.Fired = false
	if err := validateReminder(r); err != nil {
		return bearmemori.Reminder{}, err
	}
	s.logger.Debug("sqlite: create reminder", "id", r.ID, "owner", r.OwnerUserID, "fire_at", bearmemori.FormatTime(r.FireAt))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bearmemori.Reminder{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := userExistsTx(ctx, tx, r.OwnerUserID); err != nil {
		return bearmemori.Reminder{}, err
	}
	if err := insertReminderTx(ctx, tx, r); err != nil {
		return bearmemori.Reminder{}, err
	}
	if err := auditTx(ctx, tx, now, "reminder", r.ID, bearmemori.AuditCreated, actor,
		map[string]any{"fire_at": bearmemori.FormatTime(r.FireAt)}); err != nil {
		return bearmemori.Reminder{}, err
	}

	if err := tx.Commit(); err != nil {
		return bearmemori.Reminder{}, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: create reminder ok", "id", r.ID, "duration", time.Since(start))
	return r, nil
}

// GetReminder returns one reminder by ID.
func (s *Store) GetReminder(ctx context.Context, id string) (bearmemori.Reminder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reminderCols+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return bearmemori.Reminder{}, &bearmemori.NotFoundError{Entity: "reminder", ID: id}
	}
	if err != nil {
		return bearmemori.Reminder{}, fmt.Errorf("get reminder: %w", err)
	}
	return r, nil
}

func getReminderTx(ctx context.Context, tx *sql.Tx, id string) (bearmemori.Reminder, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+reminderCols+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return bearmemori.Reminder{}, &bearmemori.NotFoundError{Entity: "reminder", ID: id}
	}
	if err != nil {
		return bearmemori.Reminder{}, fmt.Errorf("get reminder: %w", err)
	}
	return r, nil
}

// ListReminders returns reminders for an owner, soonest first. Fired
// reminders are excluded unless the filter includes them.
func (s *Store) ListReminders(ctx context.Context, f bearmemori.ReminderFilter) ([]bearmemori.Reminder, error) {
	query := `SELECT ` + reminderCols + ` FROM reminders WHERE 1=1`
	var args []any
	if f.OwnerUserID != 0 {
		query += ` AND owner_user_id = ?`
		args = append(args, f.OwnerUserID)
	}
	if !f.IncludeFired {
		query += ` AND fired = 0`
	}
	query += ` ORDER BY fire_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	defer rows.Close()

	var out []bearmemori.Reminder
	for rows.Next() {
		r, err := scanReminder(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateReminder applies a partial update to an unfired reminder.
func (s *Store) UpdateReminder(ctx context.Context, id string, upd bearmemori.ReminderUpdate, actor string) (bearmemori.Reminder, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bearmemori.Reminder{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	r, err := getReminderTx(ctx, tx, id)
	if err != nil {
		return bearmemori.Reminder{}, err
	}
	if r.Fired {
		return bearmemori.Reminder{}, &bearmemori.ConflictError{Message: "fired reminder cannot change"}
	}

	prior := map[string]any{}
	if upd.FireAt != nil && !upd.FireAt.Equal(r.FireAt) {
		prior["fire_at"] = bearmemori.FormatTime(r.FireAt)
		r.FireAt = *upd.FireAt
	}
	if upd.Text != nil && *upd.Text != r.Text {
		prior["text"] = r.Text
		r.Text = *upd.Text
	}
	if upd.RecurrenceMinutes != nil {
		if *upd.RecurrenceMinutes <= 0 {
			return bearmemori.Reminder{}, bearmemori.Validationf("recurrence_minutes must be positive, got %d", *upd.RecurrenceMinutes)
		}
		if r.RecurrenceMinutes != nil {
			prior["recurrence_minutes"] = *r.RecurrenceMinutes
		}
		r.RecurrenceMinutes = upd.RecurrenceMinutes
	}
	if len(prior) == 0 && upd.RecurrenceMinutes == nil {
		return r, nil
	}

	now := bearmemori.Now()
	r.UpdatedAt = now
	_, err = tx.ExecContext(ctx,
		`UPDATE reminders SET fire_at = ?, text = ?, recurrence_minutes = ?, updated_at = ?
		 WHERE id = ?`,
		timeOut(r.FireAt), nullStr(r.Text), r.RecurrenceMinutes, timeOut(now), id,
	)
	if err != nil {
		return bearmemori.Reminder{}, fmt.Errorf("update reminder: %w", err)
	}
	if err := auditTx(ctx, tx, now, "reminder", id, bearmemori.AuditUpdated, actor,
		map[string]any{"prior": prior}); err != nil {
		return bearmemori.Reminder{}, err
	}

	if err := tx.Commit(); err != nil {
		return bearmemori.Reminder{}, fmt.Errorf("commit tx: %w", err)
	}
	return r, nil
}

// DeleteReminder removes a reminder.
func (s *Store) DeleteReminder(ctx context.Context, id string, actor string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := getReminderTx(ctx, tx, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	if err := auditTx(ctx, tx, bearmemori.Now(), "reminder", id, bearmemori.AuditDeleted, actor, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: delete reminder ok", "id", id)
	return nil
}

// DueReminders lists unfired reminders whose fire time has passed,
// oldest first.
func (s *Store) DueReminders(ctx context.Context, now time.Time, limit int) ([]bearmemori.Reminder, error) {
	query := `SELECT ` + reminderCols + ` FROM reminders
		WHERE fired = 0 AND fire_at <= ?
		ORDER BY fire_at ASC`
	args := []any{timeOut(now)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("due reminders: %w", err)
	}
	defer rows.Close()

	var out []bearmemori.Reminder
	for rows.Next() {
		r, err := scanReminder(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FireReminder marks a reminder delivered. Recurring reminders spawn
// the next occurrence at fire_at + recurrence in the same transaction;
// the spawned reminder is returned second. Firing twice is a conflict.
func (s *Store) FireReminder(ctx context.Context, id string, now time.Time) (bearmemori.Reminder, *bearmemori.Reminder, error) {
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bearmemori.Reminder{}, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	r, err := getReminderTx(ctx, tx, id)
	if err != nil {
		return bearmemori.Reminder{}, nil, err
	}
	if r.Fired {
		return bearmemori.Reminder{}, nil, &bearmemori.ConflictError{Message: "reminder already fired"}
	}

	r.Fired = true
	r.UpdatedAt = now
	if _, err := tx.ExecContext(ctx,
		`UPDATE reminders SET fired = 1, updated_at = ? WHERE id = ?`,
		timeOut(now), id,
	); err != nil {
		return bearmemori.Reminder{}, nil, fmt.Errorf("fire reminder: %w", err)
	}
	if err := auditTx(ctx, tx, now, "reminder", id, bearmemori.AuditFired, bearmemori.ActorSystem,
		map[string]any{"fire_at": bearmemori.FormatTime(r.FireAt)}); err != nil {
		return bearmemori.Reminder{}, nil, err
	}

	var next *bearmemori.Reminder
	if r.RecurrenceMinutes != nil {
		child := bearmemori.Reminder{
			ID:                bearmemori.NewID(),
			MemoryID:          r.MemoryID,
			OwnerUserID:       r.OwnerUserID,
			FireAt:            r.FireAt.Add(time.Duration(*r.RecurrenceMinutes) * time.Minute),
			RecurrenceMinutes: r.RecurrenceMinutes,
			Fired:             false,
			Text:              r.Text,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := insertReminderTx(ctx, tx, child); err != nil {
			return bearmemori.Reminder{}, nil, err
		}
		if err := auditTx(ctx, tx, now, "reminder", child.ID, bearmemori.AuditCreated, bearmemori.ActorSystem,
			map[string]any{"recurrence_of": r.ID, "fire_at": bearmemori.FormatTime(child.FireAt)}); err != nil {
			return bearmemori.Reminder{}, nil, err
		}
		next = &child
	}

	if err := tx.Commit(); err != nil {
		return bearmemori.Reminder{}, nil, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: fire reminder ok", "id", id, "spawned", next != nil, "duration", time.Since(start))
	return r, next, nil
}

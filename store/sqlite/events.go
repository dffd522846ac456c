package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bearmemori/bearmemori"
)

const eventCols = `id, memory_id, owner_user_id, description, event_time, source_type,
	source_detail, status, pending_since, reminder_id, confirmed_at, created_at, updated_at`

func scanEvent(scan func(dest ...any) error) (bearmemori.Event, error) {
	var (
		e                               bearmemori.Event
		memoryID, srcDetail, reminderID sql.NullString
		eventTime, srcType, status      string
		pendingSince, confirmedAt       sql.NullString
		createdAt, updatedAt            string
	)
	err := scan(&e.ID, &memoryID, &e.OwnerUserID, &e.Description, &eventTime, &srcType,
		&srcDetail, &status, &pendingSince, &reminderID, &confirmedAt, &createdAt, &updatedAt)
	if err != nil {
		return bearmemori.Event{}, err
	}
	e.MemoryID = memoryID.String
	e.SourceDetail = srcDetail.String
	e.ReminderID = reminderID.String
	e.SourceType = bearmemori.EventSource(srcType)
	e.Status = bearmemori.EventStatus(status)
	if e.EventTime, err = timeIn(eventTime); err != nil {
		return bearmemori.Event{}, err
	}
	if e.PendingSince, err = timePtrIn(pendingSince); err != nil {
		return bearmemori.Event{}, err
	}
	if e.ConfirmedAt, err = timePtrIn(confirmedAt); err != nil {
		return bearmemori.Event{}, err
	}
	if e.CreatedAt, err = timeIn(createdAt); err != nil {
		return bearmemori.Event{}, err
	}
	if e.UpdatedAt, err = timeIn(updatedAt); err != nil {
		return bearmemori.Event{}, err
	}
	return e, nil
}

func validateEvent(e bearmemori.Event) error {
	if e.OwnerUserID <= 0 {
		return bearmemori.Validationf("owner_user_id must be positive, got %d", e.OwnerUserID)
	}
	if e.Description == "" {
		return bearmemori.Validationf("event requires a description")
	}
	if e.EventTime.IsZero() {
		return bearmemori.Validationf("event requires event_time")
	}
	if e.SourceType != bearmemori.EventFromEmail && e.SourceType != bearmemori.EventFromManual {
		return bearmemori.Validationf("invalid event source_type %q", e.SourceType)
	}
	switch e.Status {
	case bearmemori.EventPending, bearmemori.EventConfirmed, bearmemori.EventRejected:
	default:
		return bearmemori.Validationf("invalid event status %q", e.Status)
	}
	return nil
}

// CreateEvent inserts an event. Pending events get pending_since set so
// the scheduler can re-prompt.
func (s *Store) CreateEvent(ctx context.Context, e bearmemori.Event, actor string) (bearmemori.Event, error) {
	start := time.Now()
	if e.ID == "" {
		e.ID = bearmemori.NewID()
	}
	if e.Status == "" {
		e.Status = bearmemori.EventPending
	}
	now := bearmemori.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.Status == bearmemori.EventPending && e.PendingSince == nil {
		e.PendingSince = &now
	}
	if err := validateEvent(e); err != nil {
		return bearmemori.Event{}, err
	}
	s.logger.Debug("sqlite: create event", "id", e.ID, "owner", e.OwnerUserID, "source", e.SourceType)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bearmemori.Event{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := userExistsTx(ctx, tx, e.OwnerUserID); err != nil {
		return bearmemori.Event{}, err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (`+eventCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, nullStr(e.MemoryID), e.OwnerUserID, e.Description, timeOut(e.EventTime),
		string(e.SourceType), nullStr(e.SourceDetail), string(e.Status),
		timePtrOut(e.PendingSince), nullStr(e.ReminderID), timePtrOut(e.ConfirmedAt),
		timeOut(e.CreatedAt), timeOut(e.UpdatedAt),
	)
	if err != nil {
		s.logger.Error("sqlite: create event failed", "id", e.ID, "error", err)
		return bearmemori.Event{}, fmt.Errorf("insert event: %w", err)
	}
	if err := auditTx(ctx, tx, now, "event", e.ID, bearmemori.AuditCreated, actor,
		map[string]any{"status": e.Status, "source_type": e.SourceType}); err != nil {
		return bearmemori.Event{}, err
	}

	if err := tx.Commit(); err != nil {
		return bearmemori.Event{}, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: create event ok", "id", e.ID, "duration", time.Since(start))
	return e, nil
}

// GetEvent returns one event by ID.
func (s *Store) GetEvent(ctx context.Context, id string) (bearmemori.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return bearmemori.Event{}, &bearmemori.NotFoundError{Entity: "event", ID: id}
	}
	if err != nil {
		return bearmemori.Event{}, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

func getEventTx(ctx context.Context, tx *sql.Tx, id string) (bearmemori.Event, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return bearmemori.Event{}, &bearmemori.NotFoundError{Entity: "event", ID: id}
	}
	if err != nil {
		return bearmemori.Event{}, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

// ListEvents returns events matching the filter, soonest first.
func (s *Store) ListEvents(ctx context.Context, f bearmemori.EventFilter) ([]bearmemori.Event, error) {
	query := `SELECT ` + eventCols + ` FROM events WHERE 1=1`
	var args []any
	if f.OwnerUserID != 0 {
		query += ` AND owner_user_id = ?`
		args = append(args, f.OwnerUserID)
	}
	if f.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*f.Status))
	}
	query += ` ORDER BY event_time ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []bearmemori.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ConfirmEvent flips a pending event to confirmed and creates the
// reminder that fires at event_time, all in one transaction.
func (s *Store) ConfirmEvent(ctx context.Context, id string, actor string) (bearmemori.Event, bearmemori.Reminder, error) {
	start := time.Now()
	s.logger.Debug("sqlite: confirm event", "id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bearmemori.Event{}, bearmemori.Reminder{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	e, err := getEventTx(ctx, tx, id)
	if err != nil {
		return bearmemori.Event{}, bearmemori.Reminder{}, err
	}
	if e.Status != bearmemori.EventPending {
		return bearmemori.Event{}, bearmemori.Reminder{}, &bearmemori.ConflictError{
			Message: fmt.Sprintf("event is %s, only pending events confirm", e.Status),
		}
	}

	now := bearmemori.Now()
	reminder := bearmemori.Reminder{
		ID:          bearmemori.NewID(),
		MemoryID:    e.MemoryID,
		OwnerUserID: e.OwnerUserID,
		FireAt:      e.EventTime,
		Text:        e.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := insertReminderTx(ctx, tx, reminder); err != nil {
		return bearmemori.Event{}, bearmemori.Reminder{}, err
	}
	if err := auditTx(ctx, tx, now, "reminder", reminder.ID, bearmemori.AuditCreated, actor,
		map[string]any{"event_id": e.ID, "fire_at": bearmemori.FormatTime(reminder.FireAt)}); err != nil {
		return bearmemori.Event{}, bearmemori.Reminder{}, err
	}

	e.Status = bearmemori.EventConfirmed
	e.PendingSince = nil
	e.ReminderID = reminder.ID
	e.ConfirmedAt = &now
	e.UpdatedAt = now
	if _, err := tx.ExecContext(ctx,
		`UPDATE events SET status = 'confirmed', pending_since = NULL, reminder_id = ?,
		        confirmed_at = ?, updated_at = ?
		 WHERE id = ?`,
		reminder.ID, timeOut(now), timeOut(now), id,
	); err != nil {
		return bearmemori.Event{}, bearmemori.Reminder{}, fmt.Errorf("confirm event: %w", err)
	}
	if err := auditTx(ctx, tx, now, "event", id, bearmemori.AuditConfirmed, actor,
		map[string]any{"reminder_id": reminder.ID}); err != nil {
		return bearmemori.Event{}, bearmemori.Reminder{}, err
	}

	if err := tx.Commit(); err != nil {
		return bearmemori.Event{}, bearmemori.Reminder{}, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: confirm event ok", "id", id, "reminder", reminder.ID, "duration", time.Since(start))
	return e, reminder, nil
}

// RejectEvent marks a pending event rejected. No reminder is created.
func (s *Store) RejectEvent(ctx context.Context, id string, actor string) (bearmemori.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bearmemori.Event{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	e, err := getEventTx(ctx, tx, id)
	if err != nil {
		return bearmemori.Event{}, err
	}
	if e.Status != bearmemori.EventPending {
		return bearmemori.Event{}, &bearmemori.ConflictError{
			Message: fmt.Sprintf("event is %s, only pending events reject", e.Status),
		}
	}

	now := bearmemori.Now()
	e.Status = bearmemori.EventRejected
	e.PendingSince = nil
	e.UpdatedAt = now
	if _, err := tx.ExecContext(ctx,
		`UPDATE events SET status = 'rejected', pending_since = NULL, updated_at = ? WHERE id = ?`,
		timeOut(now), id,
	); err != nil {
		return bearmemori.Event{}, fmt.Errorf("reject event: %w", err)
	}
	if err := auditTx(ctx, tx, now, "event", id, bearmemori.AuditRejected, actor, nil); err != nil {
		return bearmemori.Event{}, err
	}

	if err := tx.Commit(); err != nil {
		return bearmemori.Event{}, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: reject event ok", "id", id)
	return e, nil
}

// DeleteEvent removes an event. Its reminder, if any, stays; deleting
// the reminder is a separate call.
func (s *Store) DeleteEvent(ctx context.Context, id string, actor string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	e, err := getEventTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	if err := auditTx(ctx, tx, bearmemori.Now(), "event", id, bearmemori.AuditDeleted, actor,
		map[string]any{"description": e.Description}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: delete event ok", "id", id)
	return nil
}

// StaleEvents lists pending events waiting since before cutoff, oldest
// first.
func (s *Store) StaleEvents(ctx context.Context, cutoff time.Time, limit int) ([]bearmemori.Event, error) {
	query := `SELECT ` + eventCols + ` FROM events
		WHERE status = 'pending' AND pending_since <= ?
		ORDER BY pending_since ASC`
	args := []any{timeOut(cutoff)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("stale events: %w", err)
	}
	defer rows.Close()

	var out []bearmemori.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkEventReprompted advances pending_since after a re-prompt so the
// next nudge waits a full window again.
func (s *Store) MarkEventReprompted(ctx context.Context, id string, now time.Time, actor string) (bearmemori.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bearmemori.Event{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	e, err := getEventTx(ctx, tx, id)
	if err != nil {
		return bearmemori.Event{}, err
	}
	if e.Status != bearmemori.EventPending {
		return bearmemori.Event{}, &bearmemori.ConflictError{
			Message: fmt.Sprintf("event is %s, only pending events re-prompt", e.Status),
		}
	}

	var prior string
	if e.PendingSince != nil {
		prior = bearmemori.FormatTime(*e.PendingSince)
	}
	e.PendingSince = &now
	e.UpdatedAt = now
	if _, err := tx.ExecContext(ctx,
		`UPDATE events SET pending_since = ?, updated_at = ? WHERE id = ?`,
		timeOut(now), timeOut(now), id,
	); err != nil {
		return bearmemori.Event{}, fmt.Errorf("mark event reprompted: %w", err)
	}
	if err := auditTx(ctx, tx, now, "event", id, bearmemori.AuditRequeued, actor,
		map[string]any{"reason": "confirmation_reprompt", "prior_pending_since": prior}); err != nil {
		return bearmemori.Event{}, err
	}

	if err := tx.Commit(); err != nil {
		return bearmemori.Event{}, fmt.Errorf("commit tx: %w", err)
	}
	return e, nil
}

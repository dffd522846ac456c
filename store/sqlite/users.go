package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bearmemori/bearmemori"
)

// UpsertUser registers a user or refreshes the display name of a known
// one. New users start with is_allowed=false and default settings.
func (s *Store) UpsertUser(ctx context.Context, u bearmemori.User) (bearmemori.User, error) {
	start := time.Now()
	s.logger.Debug("sqlite: upsert user", "user_id", u.ID)

	if u.ID <= 0 {
		return bearmemori.User{}, bearmemori.Validationf("user_id must be positive, got %d", u.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bearmemori.User{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE user_id = ?`, u.ID,
	).Scan(&exists); err != nil {
		return bearmemori.User{}, fmt.Errorf("check user: %w", err)
	}

	now := bearmemori.Now()
	if exists == 0 {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO users (user_id, display_name, is_allowed, created_at) VALUES (?, ?, 0, ?)`,
			u.ID, u.DisplayName, timeOut(now),
		)
		if err == nil {
			// Settings row rides along on first sight.
			_, err = tx.ExecContext(ctx,
				`INSERT INTO user_settings (user_id, timezone, language, created_at, updated_at)
				 VALUES (?, 'UTC', 'en', ?, ?)`,
				u.ID, timeOut(now), timeOut(now),
			)
		}
		if err == nil {
			err = auditTx(ctx, tx, now, "user", strconv.FormatInt(u.ID, 10), bearmemori.AuditCreated, bearmemori.ActorUser(u.ID), nil)
		}
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE users SET display_name = ? WHERE user_id = ?`, u.DisplayName, u.ID,
		)
	}
	if err != nil {
		s.logger.Error("sqlite: upsert user failed", "user_id", u.ID, "error", err)
		return bearmemori.User{}, fmt.Errorf("upsert user: %w", err)
	}

	out, err := s.getUserTx(ctx, tx, u.ID)
	if err != nil {
		return bearmemori.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return bearmemori.User{}, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: upsert user ok", "user_id", u.ID, "duration", time.Since(start))
	return out, nil
}

// GetUser returns one user by Telegram numeric ID.
func (s *Store) GetUser(ctx context.Context, userID int64) (bearmemori.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bearmemori.User{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	u, err := s.getUserTx(ctx, tx, userID)
	if err != nil {
		return bearmemori.User{}, err
	}
	return u, tx.Commit()
}

func (s *Store) getUserTx(ctx context.Context, tx *sql.Tx, userID int64) (bearmemori.User, error) {
	var (
		u         bearmemori.User
		isAllowed int
		createdAt string
	)
	err := tx.QueryRowContext(ctx,
		`SELECT user_id, display_name, is_allowed, created_at FROM users WHERE user_id = ?`,
		userID,
	).Scan(&u.ID, &u.DisplayName, &isAllowed, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return bearmemori.User{}, &bearmemori.NotFoundError{Entity: "user", ID: strconv.FormatInt(userID, 10)}
	}
	if err != nil {
		return bearmemori.User{}, fmt.Errorf("get user: %w", err)
	}
	u.IsAllowed = isAllowed != 0
	if u.CreatedAt, err = timeIn(createdAt); err != nil {
		return bearmemori.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// SetUserAllowed flips the mutation gate for a user.
func (s *Store) SetUserAllowed(ctx context.Context, userID int64, allowed bool, actor string) (bearmemori.User, error) {
	start := time.Now()
	s.logger.Debug("sqlite: set user allowed", "user_id", userID, "allowed", allowed)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bearmemori.User{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	prior, err := s.getUserTx(ctx, tx, userID)
	if err != nil {
		return bearmemori.User{}, err
	}
	now := bearmemori.Now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET is_allowed = ? WHERE user_id = ?`, boolToInt(allowed), userID,
	); err != nil {
		s.logger.Error("sqlite: set user allowed failed", "user_id", userID, "error", err)
		return bearmemori.User{}, fmt.Errorf("set user allowed: %w", err)
	}
	detail := map[string]any{"prior": map[string]any{"is_allowed": prior.IsAllowed}}
	if err := auditTx(ctx, tx, now, "user", strconv.FormatInt(userID, 10), bearmemori.AuditUpdated, actor, detail); err != nil {
		return bearmemori.User{}, err
	}

	if err := tx.Commit(); err != nil {
		return bearmemori.User{}, fmt.Errorf("commit tx: %w", err)
	}
	prior.IsAllowed = allowed
	s.logger.Debug("sqlite: set user allowed ok", "user_id", userID, "duration", time.Since(start))
	return prior, nil
}

// GetSettings returns the per-user settings row.
func (s *Store) GetSettings(ctx context.Context, userID int64) (bearmemori.UserSettings, error) {
	var (
		out                  bearmemori.UserSettings
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, timezone, language, created_at, updated_at FROM user_settings WHERE user_id = ?`,
		userID,
	).Scan(&out.UserID, &out.Timezone, &out.Language, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return bearmemori.UserSettings{}, &bearmemori.NotFoundError{Entity: "settings", ID: strconv.FormatInt(userID, 10)}
	}
	if err != nil {
		return bearmemori.UserSettings{}, fmt.Errorf("get settings: %w", err)
	}
	if out.CreatedAt, err = timeIn(createdAt); err != nil {
		return bearmemori.UserSettings{}, fmt.Errorf("get settings: %w", err)
	}
	if out.UpdatedAt, err = timeIn(updatedAt); err != nil {
		return bearmemori.UserSettings{}, fmt.Errorf("get settings: %w", err)
	}
	return out, nil
}

// PutSettings overwrites timezone and language for a user.
func (s *Store) PutSettings(ctx context.Context, in bearmemori.UserSettings, actor string) (bearmemori.UserSettings, error) {
	start := time.Now()
	s.logger.Debug("sqlite: put settings", "user_id", in.UserID, "timezone", in.Timezone, "language", in.Language)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bearmemori.UserSettings{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var priorTZ, priorLang string
	err = tx.QueryRowContext(ctx,
		`SELECT timezone, language FROM user_settings WHERE user_id = ?`, in.UserID,
	).Scan(&priorTZ, &priorLang)
	if errors.Is(err, sql.ErrNoRows) {
		return bearmemori.UserSettings{}, &bearmemori.NotFoundError{Entity: "settings", ID: strconv.FormatInt(in.UserID, 10)}
	}
	if err != nil {
		return bearmemori.UserSettings{}, fmt.Errorf("get settings: %w", err)
	}

	now := bearmemori.Now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE user_settings SET timezone = ?, language = ?, updated_at = ? WHERE user_id = ?`,
		in.Timezone, in.Language, timeOut(now), in.UserID,
	); err != nil {
		s.logger.Error("sqlite: put settings failed", "user_id", in.UserID, "error", err)
		return bearmemori.UserSettings{}, fmt.Errorf("put settings: %w", err)
	}
	detail := map[string]any{"prior": map[string]any{"timezone": priorTZ, "language": priorLang}}
	if err := auditTx(ctx, tx, now, "user_settings", strconv.FormatInt(in.UserID, 10), bearmemori.AuditUpdated, actor, detail); err != nil {
		return bearmemori.UserSettings{}, err
	}

	if err := tx.Commit(); err != nil {
		return bearmemori.UserSettings{}, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: put settings ok", "user_id", in.UserID, "duration", time.Since(start))
	return s.GetSettings(ctx, in.UserID)
}

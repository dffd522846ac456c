package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bearmemori/bearmemori"
)

const memoryCols = `id, owner_user_id, source_chat_id, source_message_id, content, media_type,
	media_file_id, media_local_path, status, pending_expires_at, is_pinned, created_at, updated_at`

func scanMemory(scan func(dest ...any) error) (bearmemori.Memory, error) {
	var (
		m                                                         bearmemori.Memory
		srcChat, srcMsg, content, mediaType, mediaFile, mediaPath sql.NullString
		status                                                    string
		pendingExp                                                sql.NullString
		pinned                                                    int
		createdAt, updatedAt                                      string
	)
	err := scan(&m.ID, &m.OwnerUserID, &srcChat, &srcMsg, &content, &mediaType,
		&mediaFile, &mediaPath, &status, &pendingExp, &pinned, &createdAt, &updatedAt)
	if err != nil {
		return bearmemori.Memory{}, err
	}
	m.SourceChatID = srcChat.String
	m.SourceMessageID = srcMsg.String
	m.Content = content.String
	m.MediaType = mediaType.String
	m.MediaFileID = mediaFile.String
	m.MediaLocalPath = mediaPath.String
	m.Status = bearmemori.MemoryStatus(status)
	m.IsPinned = pinned != 0
	if m.PendingExpiresAt, err = timePtrIn(pendingExp); err != nil {
		return bearmemori.Memory{}, err
	}
	if m.CreatedAt, err = timeIn(createdAt); err != nil {
		return bearmemori.Memory{}, err
	}
	if m.UpdatedAt, err = timeIn(updatedAt); err != nil {
		return bearmemori.Memory{}, err
	}
	return m, nil
}

func validateMemory(m bearmemori.Memory) error {
	if m.OwnerUserID <= 0 {
		return bearmemori.Validationf("owner_user_id must be positive, got %d", m.OwnerUserID)
	}
	if m.MediaType != "" && m.MediaType != "image" {
		return bearmemori.Validationf("unsupported media_type %q", m.MediaType)
	}
	if m.Content == "" && m.MediaType == "" {
		return bearmemori.Validationf("memory requires content or media")
	}
	switch m.Status {
	case bearmemori.MemoryConfirmed:
		if m.PendingExpiresAt != nil {
			return bearmemori.Validationf("confirmed memory cannot carry pending_expires_at")
		}
	case bearmemori.MemoryPending:
		if m.PendingExpiresAt == nil {
			return bearmemori.Validationf("pending memory requires pending_expires_at")
		}
	default:
		return bearmemori.Validationf("invalid memory status %q", m.Status)
	}
	return nil
}

// CreateMemory inserts a memory with its initial tags. Confirmed
// memories are indexed for search in the same transaction.
func (s *Store) CreateMemory(ctx context.Context, m bearmemori.Memory, tags []bearmemori.MemoryTag, actor string) (bearmemori.Memory, error) {
	start := time.Now()
	if m.ID == "" {
		m.ID = bearmemori.NewID()
	}
	now := bearmemori.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if err := validateMemory(m); err != nil {
		return bearmemori.Memory{}, err
	}
	s.logger.Debug("sqlite: create memory", "id", m.ID, "owner", m.OwnerUserID, "status", m.Status, "tags", len(tags))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bearmemori.Memory{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := userExistsTx(ctx, tx, m.OwnerUserID); err != nil {
		return bearmemori.Memory{}, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO memories (`+memoryCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.OwnerUserID, nullStr(m.SourceChatID), nullStr(m.SourceMessageID),
		nullStr(m.Content), nullStr(m.MediaType), nullStr(m.MediaFileID), nullStr(m.MediaLocalPath),
		string(m.Status), timePtrOut(m.PendingExpiresAt), boolToInt(m.IsPinned),
		timeOut(m.CreatedAt), timeOut(m.UpdatedAt),
	)
	if err != nil {
		s.logger.Error("sqlite: create memory failed", "id", m.ID, "error", err)
		return bearmemori.Memory{}, fmt.Errorf("insert memory: %w", err)
	}

	for _, tag := range tags {
		if _, err := s.putTagTx(ctx, tx, now, m.ID, tag, actor); err != nil {
			return bearmemori.Memory{}, err
		}
	}

	if m.Status == bearmemori.MemoryConfirmed {
		if err := s.indexMemoryTx(ctx, tx, m.ID); err != nil {
			return bearmemori.Memory{}, err
		}
	}
	if err := auditTx(ctx, tx, now, "memory", m.ID, bearmemori.AuditCreated, actor,
		map[string]any{"status": m.Status}); err != nil {
		return bearmemori.Memory{}, err
	}

	if err := tx.Commit(); err != nil {
		return bearmemori.Memory{}, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: create memory ok", "id", m.ID, "duration", time.Since(start))
	return m, nil
}

func userExistsTx(ctx context.Context, tx *sql.Tx, userID int64) error {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE user_id = ?`, userID).Scan(&n); err != nil {
		return fmt.Errorf("check owner: %w", err)
	}
	if n == 0 {
		return &bearmemori.NotFoundError{Entity: "user", ID: fmt.Sprintf("%d", userID)}
	}
	return nil
}

// GetMemory returns one memory by ID.
func (s *Store) GetMemory(ctx context.Context, id string) (bearmemori.Memory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryCols+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return bearmemori.Memory{}, &bearmemori.NotFoundError{Entity: "memory", ID: id}
	}
	if err != nil {
		return bearmemori.Memory{}, fmt.Errorf("get memory: %w", err)
	}
	return m, nil
}

func getMemoryTx(ctx context.Context, tx *sql.Tx, id string) (bearmemori.Memory, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+memoryCols+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return bearmemori.Memory{}, &bearmemori.NotFoundError{Entity: "memory", ID: id}
	}
	if err != nil {
		return bearmemori.Memory{}, fmt.Errorf("get memory: %w", err)
	}
	return m, nil
}

// ListMemories returns memories matching the filter, newest first.
func (s *Store) ListMemories(ctx context.Context, f bearmemori.MemoryFilter) ([]bearmemori.Memory, error) {
	start := time.Now()
	query := `SELECT ` + memoryCols + ` FROM memories WHERE 1=1`
	var args []any
	if f.OwnerUserID != 0 {
		query += ` AND owner_user_id = ?`
		args = append(args, f.OwnerUserID)
	}
	if f.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*f.Status))
	}
	if f.Tag != "" {
		query += ` AND id IN (SELECT memory_id FROM memory_tags WHERE tag = ?)`
		args = append(args, f.Tag)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: list memories failed", "error", err)
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []bearmemori.Memory
	for rows.Next() {
		m, err := scanMemory(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	s.logger.Debug("sqlite: list memories ok", "count", len(out), "duration", time.Since(start))
	return out, rows.Err()
}

// ListMemoryTags returns the tags of a memory, confirmed first.
func (s *Store) ListMemoryTags(ctx context.Context, memoryID string) ([]bearmemori.MemoryTag, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT memory_id, tag, status, suggested_at, confirmed_at
		 FROM memory_tags WHERE memory_id = ?
		 ORDER BY status ASC, tag ASC`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	var out []bearmemori.MemoryTag
	for rows.Next() {
		var (
			t                      bearmemori.MemoryTag
			status                 string
			suggestedAt, confirmAt sql.NullString
		)
		if err := rows.Scan(&t.MemoryID, &t.Tag, &status, &suggestedAt, &confirmAt); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		t.Status = bearmemori.TagStatus(status)
		if t.SuggestedAt, err = timePtrIn(suggestedAt); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		if t.ConfirmedAt, err = timePtrIn(confirmAt); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateMemory applies a partial update. Confirming a pending memory
// clears its expiry and makes it searchable; demotion back to pending is
// rejected.
func (s *Store) UpdateMemory(ctx context.Context, id string, upd bearmemori.MemoryUpdate, actor string) (bearmemori.Memory, error) {
	start := time.Now()
	s.logger.Debug("sqlite: update memory", "id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bearmemori.Memory{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	m, err := getMemoryTx(ctx, tx, id)
	if err != nil {
		return bearmemori.Memory{}, err
	}

	prior := map[string]any{}
	reindex := false
	if upd.Content != nil && *upd.Content != m.Content {
		if *upd.Content == "" && m.MediaType == "" {
			return bearmemori.Memory{}, bearmemori.Validationf("memory requires content or media")
		}
		prior["content"] = m.Content
		m.Content = *upd.Content
		reindex = true
	}
	if upd.Status != nil && *upd.Status != m.Status {
		switch *upd.Status {
		case bearmemori.MemoryConfirmed:
			prior["status"] = m.Status
			if m.PendingExpiresAt != nil {
				prior["pending_expires_at"] = bearmemori.FormatTime(*m.PendingExpiresAt)
			}
			m.Status = bearmemori.MemoryConfirmed
			m.PendingExpiresAt = nil
			reindex = true
		case bearmemori.MemoryPending:
			return bearmemori.Memory{}, &bearmemori.ConflictError{Message: "confirmed memory cannot go back to pending"}
		default:
			return bearmemori.Memory{}, bearmemori.Validationf("invalid memory status %q", *upd.Status)
		}
	}
	if upd.IsPinned != nil && *upd.IsPinned != m.IsPinned {
		prior["is_pinned"] = m.IsPinned
		m.IsPinned = *upd.IsPinned
	}
	if len(prior) == 0 {
		return m, nil
	}

	now := bearmemori.Now()
	m.UpdatedAt = now
	_, err = tx.ExecContext(ctx,
		`UPDATE memories SET content = ?, status = ?, pending_expires_at = ?, is_pinned = ?, updated_at = ?
		 WHERE id = ?`,
		nullStr(m.Content), string(m.Status), timePtrOut(m.PendingExpiresAt),
		boolToInt(m.IsPinned), timeOut(now), id,
	)
	if err != nil {
		s.logger.Error("sqlite: update memory failed", "id", id, "error", err)
		return bearmemori.Memory{}, fmt.Errorf("update memory: %w", err)
	}

	if reindex {
		if m.Status == bearmemori.MemoryConfirmed {
			if err := s.indexMemoryTx(ctx, tx, id); err != nil {
				return bearmemori.Memory{}, err
			}
		} else if err := s.deindexMemoryTx(ctx, tx, id); err != nil {
			return bearmemori.Memory{}, err
		}
	}
	if err := auditTx(ctx, tx, now, "memory", id, bearmemori.AuditUpdated, actor,
		map[string]any{"prior": prior}); err != nil {
		return bearmemori.Memory{}, err
	}

	if err := tx.Commit(); err != nil {
		return bearmemori.Memory{}, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: update memory ok", "id", id, "duration", time.Since(start))
	return m, nil
}

// DeleteMemory hard-deletes a memory on user request.
func (s *Store) DeleteMemory(ctx context.Context, id string, actor string) (bearmemori.Memory, error) {
	return s.removeMemory(ctx, id, bearmemori.AuditDeleted, actor, nil)
}

// ExpireMemory hard-deletes a pending memory whose confirmation window
// ran out.
func (s *Store) ExpireMemory(ctx context.Context, id string, actor string) (bearmemori.Memory, error) {
	return s.removeMemory(ctx, id, bearmemori.AuditExpired, actor,
		map[string]any{"reason": "pending_ttl"})
}

func (s *Store) removeMemory(ctx context.Context, id string, action bearmemori.AuditAction, actor string, detail any) (bearmemori.Memory, error) {
	start := time.Now()
	s.logger.Debug("sqlite: remove memory", "id", id, "action", action)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bearmemori.Memory{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	m, err := getMemoryTx(ctx, tx, id)
	if err != nil {
		return bearmemori.Memory{}, err
	}

	// Index entries must go while the row (and its rowid) still exists.
	if err := s.deindexMemoryTx(ctx, tx, id); err != nil {
		return bearmemori.Memory{}, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_tags WHERE memory_id = ?`, id); err != nil {
		return bearmemori.Memory{}, fmt.Errorf("delete memory tags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
		return bearmemori.Memory{}, fmt.Errorf("delete memory: %w", err)
	}
	if err := auditTx(ctx, tx, bearmemori.Now(), "memory", id, action, actor, detail); err != nil {
		return bearmemori.Memory{}, err
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: remove memory commit failed", "id", id, "error", err)
		return bearmemori.Memory{}, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: remove memory ok", "id", id, "duration", time.Since(start))
	return m, nil
}

// AttachImage records where a downloaded image landed on disk.
func (s *Store) AttachImage(ctx context.Context, memoryID, fileID, localPath string, actor string) (bearmemori.Memory, error) {
	start := time.Now()
	s.logger.Debug("sqlite: attach image", "id", memoryID, "path", localPath)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bearmemori.Memory{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	m, err := getMemoryTx(ctx, tx, memoryID)
	if err != nil {
		return bearmemori.Memory{}, err
	}
	prior := map[string]any{
		"media_file_id":    m.MediaFileID,
		"media_local_path": m.MediaLocalPath,
	}
	now := bearmemori.Now()
	m.MediaType = "image"
	m.MediaFileID = fileID
	m.MediaLocalPath = localPath
	m.UpdatedAt = now

	_, err = tx.ExecContext(ctx,
		`UPDATE memories SET media_type = 'image', media_file_id = ?, media_local_path = ?, updated_at = ?
		 WHERE id = ?`,
		nullStr(fileID), nullStr(localPath), timeOut(now), memoryID,
	)
	if err != nil {
		s.logger.Error("sqlite: attach image failed", "id", memoryID, "error", err)
		return bearmemori.Memory{}, fmt.Errorf("attach image: %w", err)
	}
	if err := auditTx(ctx, tx, now, "memory", memoryID, bearmemori.AuditUpdated, actor,
		map[string]any{"prior": prior}); err != nil {
		return bearmemori.Memory{}, err
	}

	if err := tx.Commit(); err != nil {
		return bearmemori.Memory{}, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: attach image ok", "id", memoryID, "duration", time.Since(start))
	return m, nil
}

// PutTags adds or promotes tags on a memory. Existing confirmed tags
// never demote. Search index follows when the confirmed set changes on a
// confirmed memory.
func (s *Store) PutTags(ctx context.Context, memoryID string, tags []bearmemori.MemoryTag, actor string) ([]bearmemori.MemoryTag, error) {
	start := time.Now()
	s.logger.Debug("sqlite: put tags", "id", memoryID, "tags", len(tags))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	m, err := getMemoryTx(ctx, tx, memoryID)
	if err != nil {
		return nil, err
	}

	now := bearmemori.Now()
	confirmedChanged := false
	for _, tag := range tags {
		changed, err := s.putTagTx(ctx, tx, now, memoryID, tag, actor)
		if err != nil {
			return nil, err
		}
		confirmedChanged = confirmedChanged || changed
	}
	if confirmedChanged && m.Status == bearmemori.MemoryConfirmed {
		if err := s.indexMemoryTx(ctx, tx, memoryID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: put tags ok", "id", memoryID, "duration", time.Since(start))
	return s.ListMemoryTags(ctx, memoryID)
}

// putTagTx upserts one tag. Reports whether the confirmed tag set
// changed (new confirmed tag or suggested promoted).
func (s *Store) putTagTx(ctx context.Context, tx *sql.Tx, now time.Time, memoryID string, tag bearmemori.MemoryTag, actor string) (bool, error) {
	name := strings.TrimSpace(tag.Tag)
	if name == "" {
		return false, bearmemori.Validationf("empty tag")
	}
	if tag.Status != bearmemori.TagConfirmed && tag.Status != bearmemori.TagSuggested {
		return false, bearmemori.Validationf("invalid tag status %q", tag.Status)
	}

	var existing string
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM memory_tags WHERE memory_id = ? AND tag = ?`, memoryID, name,
	).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		var suggestedAt, confirmedAt *string
		if tag.Status == bearmemori.TagSuggested {
			v := timeOut(now)
			suggestedAt = &v
		} else {
			v := timeOut(now)
			confirmedAt = &v
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memory_tags (memory_id, tag, status, suggested_at, confirmed_at)
			 VALUES (?, ?, ?, ?, ?)`,
			memoryID, name, string(tag.Status), suggestedAt, confirmedAt,
		); err != nil {
			return false, fmt.Errorf("insert tag: %w", err)
		}
		if err := auditTx(ctx, tx, now, "memory_tag", memoryID+"/"+name, bearmemori.AuditCreated, actor,
			map[string]any{"status": tag.Status}); err != nil {
			return false, err
		}
		return tag.Status == bearmemori.TagConfirmed, nil
	case err != nil:
		return false, fmt.Errorf("check tag: %w", err)
	}

	if existing == string(bearmemori.TagSuggested) && tag.Status == bearmemori.TagConfirmed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE memory_tags SET status = 'confirmed', confirmed_at = ? WHERE memory_id = ? AND tag = ?`,
			timeOut(now), memoryID, name,
		); err != nil {
			return false, fmt.Errorf("promote tag: %w", err)
		}
		if err := auditTx(ctx, tx, now, "memory_tag", memoryID+"/"+name, bearmemori.AuditConfirmed, actor,
			map[string]any{"prior": map[string]any{"status": "suggested"}}); err != nil {
			return false, err
		}
		return true, nil
	}
	// Same status, or an attempt to demote a confirmed tag: no-op.
	return false, nil
}

// ConfirmTag promotes a suggested tag to confirmed.
func (s *Store) ConfirmTag(ctx context.Context, memoryID, tag string, actor string) (bearmemori.MemoryTag, error) {
	start := time.Now()
	s.logger.Debug("sqlite: confirm tag", "id", memoryID, "tag", tag)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bearmemori.MemoryTag{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	m, err := getMemoryTx(ctx, tx, memoryID)
	if err != nil {
		return bearmemori.MemoryTag{}, err
	}

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM memory_tags WHERE memory_id = ? AND tag = ?`, memoryID, tag,
	).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return bearmemori.MemoryTag{}, &bearmemori.NotFoundError{Entity: "tag", ID: memoryID + "/" + tag}
	}
	if err != nil {
		return bearmemori.MemoryTag{}, fmt.Errorf("check tag: %w", err)
	}

	now := bearmemori.Now()
	if existing == string(bearmemori.TagSuggested) {
		if _, err := tx.ExecContext(ctx,
			`UPDATE memory_tags SET status = 'confirmed', confirmed_at = ? WHERE memory_id = ? AND tag = ?`,
			timeOut(now), memoryID, tag,
		); err != nil {
			return bearmemori.MemoryTag{}, fmt.Errorf("promote tag: %w", err)
		}
		if err := auditTx(ctx, tx, now, "memory_tag", memoryID+"/"+tag, bearmemori.AuditConfirmed, actor,
			map[string]any{"prior": map[string]any{"status": "suggested"}}); err != nil {
			return bearmemori.MemoryTag{}, err
		}
		if m.Status == bearmemori.MemoryConfirmed {
			if err := s.indexMemoryTx(ctx, tx, memoryID); err != nil {
				return bearmemori.MemoryTag{}, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return bearmemori.MemoryTag{}, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: confirm tag ok", "id", memoryID, "tag", tag, "duration", time.Since(start))
	confirmedAt := now
	return bearmemori.MemoryTag{
		MemoryID:    memoryID,
		Tag:         tag,
		Status:      bearmemori.TagConfirmed,
		ConfirmedAt: &confirmedAt,
	}, nil
}

// DeleteTag removes one tag from a memory.
func (s *Store) DeleteTag(ctx context.Context, memoryID, tag string, actor string) error {
	start := time.Now()
	s.logger.Debug("sqlite: delete tag", "id", memoryID, "tag", tag)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	m, err := getMemoryTx(ctx, tx, memoryID)
	if err != nil {
		return err
	}

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM memory_tags WHERE memory_id = ? AND tag = ?`, memoryID, tag,
	).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return &bearmemori.NotFoundError{Entity: "tag", ID: memoryID + "/" + tag}
	}
	if err != nil {
		return fmt.Errorf("check tag: %w", err)
	}

	now := bearmemori.Now()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memory_tags WHERE memory_id = ? AND tag = ?`, memoryID, tag,
	); err != nil {
		return fmt.Errorf("delete tag: %w", err)
	}
	if err := auditTx(ctx, tx, now, "memory_tag", memoryID+"/"+tag, bearmemori.AuditDeleted, actor,
		map[string]any{"prior": map[string]any{"status": existing}}); err != nil {
		return err
	}
	if existing == string(bearmemori.TagConfirmed) && m.Status == bearmemori.MemoryConfirmed {
		if err := s.indexMemoryTx(ctx, tx, memoryID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: delete tag ok", "id", memoryID, "tag", tag, "duration", time.Since(start))
	return nil
}

// ExpiredPendingMemories lists pending memories whose window closed at
// or before now.
func (s *Store) ExpiredPendingMemories(ctx context.Context, now time.Time, limit int) ([]bearmemori.Memory, error) {
	query := `SELECT ` + memoryCols + ` FROM memories
		WHERE status = 'pending' AND pending_expires_at <= ?
		ORDER BY pending_expires_at ASC`
	args := []any{timeOut(now)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("expired memories: %w", err)
	}
	defer rows.Close()

	var out []bearmemori.Memory
	for rows.Next() {
		m, err := scanMemory(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ExpireSuggestedTags hard-deletes suggestions older than cutoff and
// returns what was removed.
func (s *Store) ExpireSuggestedTags(ctx context.Context, cutoff time.Time, actor string) ([]bearmemori.MemoryTag, error) {
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx,
		`SELECT memory_id, tag FROM memory_tags
		 WHERE status = 'suggested' AND suggested_at <= ?`, timeOut(cutoff))
	if err != nil {
		return nil, fmt.Errorf("select expired tags: %w", err)
	}
	var expired []bearmemori.MemoryTag
	for rows.Next() {
		var t bearmemori.MemoryTag
		if err := rows.Scan(&t.MemoryID, &t.Tag); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		t.Status = bearmemori.TagSuggested
		expired = append(expired, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select expired tags: %w", err)
	}

	now := bearmemori.Now()
	for _, t := range expired {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM memory_tags WHERE memory_id = ? AND tag = ?`, t.MemoryID, t.Tag,
		); err != nil {
			return nil, fmt.Errorf("delete expired tag: %w", err)
		}
		if err := auditTx(ctx, tx, now, "memory_tag", t.MemoryID+"/"+t.Tag, bearmemori.AuditExpired, actor,
			map[string]any{"reason": "suggested_tag_ttl"}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	if len(expired) > 0 {
		s.logger.Debug("sqlite: expired suggested tags", "count", len(expired), "duration", time.Since(start))
	}
	return expired, nil
}

// --- FTS maintenance ---

// indexMemoryTx replaces the search index row for a memory using its
// current content and confirmed tags, and refreshes the meta cache.
func (s *Store) indexMemoryTx(ctx context.Context, tx *sql.Tx, memoryID string) error {
	if err := s.deindexMemoryTx(ctx, tx, memoryID); err != nil {
		return err
	}

	var (
		rowid   int64
		content sql.NullString
	)
	err := tx.QueryRowContext(ctx,
		`SELECT rowid, content FROM memories WHERE id = ?`, memoryID,
	).Scan(&rowid, &content)
	if err != nil {
		return fmt.Errorf("index memory: %w", err)
	}

	tagRows, err := tx.QueryContext(ctx,
		`SELECT tag FROM memory_tags WHERE memory_id = ? AND status = 'confirmed' ORDER BY tag`, memoryID)
	if err != nil {
		return fmt.Errorf("index memory tags: %w", err)
	}
	var tags []string
	for tagRows.Next() {
		var t string
		if err := tagRows.Scan(&t); err != nil {
			tagRows.Close()
			return fmt.Errorf("index memory tags: %w", err)
		}
		tags = append(tags, t)
	}
	tagRows.Close()
	if err := tagRows.Err(); err != nil {
		return fmt.Errorf("index memory tags: %w", err)
	}
	tagStr := strings.Join(tags, " ")

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memories_fts(rowid, content, tags) VALUES (?, ?, ?)`,
		rowid, content.String, tagStr,
	); err != nil {
		return fmt.Errorf("insert fts: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO memories_fts_meta (memory_id, content, tags) VALUES (?, ?, ?)`,
		memoryID, content.String, tagStr,
	); err != nil {
		return fmt.Errorf("insert fts meta: %w", err)
	}
	return nil
}

// deindexMemoryTx removes the search index row for a memory. The index
// is external-content, so the delete must replay the exact strings last
// indexed; those live in the meta cache. Callers must deindex before
// deleting the memory row, while its rowid still resolves.
func (s *Store) deindexMemoryTx(ctx context.Context, tx *sql.Tx, memoryID string) error {
	var content, tags string
	err := tx.QueryRowContext(ctx,
		`SELECT content, tags FROM memories_fts_meta WHERE memory_id = ?`, memoryID,
	).Scan(&content, &tags)
	if errors.Is(err, sql.ErrNoRows) {
		return nil // never indexed
	}
	if err != nil {
		return fmt.Errorf("deindex memory: %w", err)
	}

	var rowid int64
	err = tx.QueryRowContext(ctx, `SELECT rowid FROM memories WHERE id = ?`, memoryID).Scan(&rowid)
	if err != nil {
		return fmt.Errorf("deindex memory rowid: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memories_fts(memories_fts, rowid, content, tags) VALUES ('delete', ?, ?, ?)`,
		rowid, content, tags,
	); err != nil {
		return fmt.Errorf("delete fts: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memories_fts_meta WHERE memory_id = ?`, memoryID,
	); err != nil {
		return fmt.Errorf("delete fts meta: %w", err)
	}
	return nil
}

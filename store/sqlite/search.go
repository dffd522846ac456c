package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bearmemori/bearmemori"
)

// defaultSearchLimit caps a search page when the query does not set one.
const defaultSearchLimit = 5

// SearchMemories runs an FTS5 MATCH over confirmed memories. Pinned
// hits sort above everything else regardless of rank; within a band
// better BM25 wins, then recency. Only confirmed memories carry index
// rows, so pending or deleted ones can never match.
func (s *Store) SearchMemories(ctx context.Context, q bearmemori.SearchQuery) ([]bearmemori.SearchResult, error) {
	start := time.Now()
	if strings.TrimSpace(q.Match) == "" {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 || limit > defaultSearchLimit {
		limit = defaultSearchLimit
	}

	query := `SELECT m.id, snippet(memories_fts, 0, '[', ']', '…', 12),
		       m.content, m.media_type, m.media_local_path, m.is_pinned, m.created_at
		FROM memories_fts
		JOIN memories m ON m.rowid = memories_fts.rowid
		WHERE memories_fts MATCH ?`
	args := []any{q.Match}
	if q.OwnerUserID != 0 {
		query += ` AND m.owner_user_id = ?`
		args = append(args, q.OwnerUserID)
	}
	if q.PinnedOnly {
		query += ` AND m.is_pinned = 1`
	}
	if q.MediaType != "" {
		query += ` AND m.media_type = ?`
		args = append(args, q.MediaType)
	}
	if q.From != nil {
		query += ` AND m.created_at >= ?`
		args = append(args, timeOut(*q.From))
	}
	if q.To != nil {
		query += ` AND m.created_at <= ?`
		args = append(args, timeOut(*q.To))
	}
	query += ` ORDER BY m.is_pinned DESC, memories_fts.rank, m.created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: search failed", "error", err)
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()

	var out []bearmemori.SearchResult
	for rows.Next() {
		var (
			r                              bearmemori.SearchResult
			content, mediaType, mediaPath  *string
			pinned                         int
			createdAt                      string
		)
		if err := rows.Scan(&r.MemoryID, &r.Snippet, &content, &mediaType, &mediaPath, &pinned, &createdAt); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		if content != nil {
			r.Content = *content
		}
		if mediaType != nil {
			r.MediaType = *mediaType
		}
		if mediaPath != nil {
			r.MediaLocalPath = *mediaPath
		}
		r.IsPinned = pinned != 0
		if r.CreatedAt, err = timeIn(createdAt); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Attach confirmed tags per hit. Results are capped at five, so
	// one small query each stays cheap.
	for i := range out {
		tags, err := s.confirmedTags(ctx, out[i].MemoryID)
		if err != nil {
			return nil, err
		}
		out[i].Tags = tags
	}
	s.logger.Debug("sqlite: search ok", "hits", len(out), "duration", time.Since(start))
	return out, nil
}

func (s *Store) confirmedTags(ctx context.Context, memoryID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tag FROM memory_tags WHERE memory_id = ? AND status = 'confirmed' ORDER BY tag`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("search result tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("search result tags: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

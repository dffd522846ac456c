package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bearmemori/bearmemori"
)

func confirmedMemory(t *testing.T, s *Store, owner int64, content string, tags ...string) bearmemori.Memory {
	t.Helper()
	var mts []bearmemori.MemoryTag
	for _, tag := range tags {
		mts = append(mts, bearmemori.MemoryTag{Tag: tag, Status: bearmemori.TagConfirmed})
	}
	m, err := s.CreateMemory(context.Background(), bearmemori.Memory{
		OwnerUserID: owner,
		Content:     content,
		Status:      bearmemori.MemoryConfirmed,
	}, mts, bearmemori.ActorUser(owner))
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	return m
}

func pendingImage(t *testing.T, s *Store, owner int64, expires time.Time) bearmemori.Memory {
	t.Helper()
	m, err := s.CreateMemory(context.Background(), bearmemori.Memory{
		OwnerUserID:      owner,
		MediaType:        "image",
		MediaFileID:      "tg-file-1",
		Status:           bearmemori.MemoryPending,
		PendingExpiresAt: &expires,
	}, nil, bearmemori.ActorUser(owner))
	if err != nil {
		t.Fatalf("CreateMemory (pending): %v", err)
	}
	return m
}

// ftsCount returns the number of rows in the search index. memories_fts
// is external-content, so a bare COUNT(*) on it would scan the backing
// view (one row per memory, indexed or not); the meta cache mirrors the
// indexed set by construction.
func ftsCount(t *testing.T, s *Store) int {
	t.Helper()
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM memories_fts_meta`).Scan(&n); err != nil {
		t.Fatalf("count fts: %v", err)
	}
	return n
}

func TestCreateMemoryValidation(t *testing.T) {
	s := testStore(t)
	owner := testUser(t, s, 1)
	ctx := context.Background()

	cases := []struct {
		name string
		m    bearmemori.Memory
	}{
		{"no content or media", bearmemori.Memory{OwnerUserID: owner, Status: bearmemori.MemoryConfirmed}},
		{"pending without expiry", bearmemori.Memory{OwnerUserID: owner, MediaType: "image", Status: bearmemori.MemoryPending}},
		{"confirmed with expiry", func() bearmemori.Memory {
			exp := bearmemori.Now()
			return bearmemori.Memory{OwnerUserID: owner, Content: "x", Status: bearmemori.MemoryConfirmed, PendingExpiresAt: &exp}
		}()},
		{"bad media type", bearmemori.Memory{OwnerUserID: owner, MediaType: "video", Status: bearmemori.MemoryConfirmed}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.CreateMemory(ctx, tc.m, nil, bearmemori.ActorUser(owner))
			var ve *bearmemori.ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("err = %v, want ValidationError", err)
			}
		})
	}

	// Unknown owner is not-found, not validation.
	_, err := s.CreateMemory(ctx, bearmemori.Memory{OwnerUserID: 999, Content: "x", Status: bearmemori.MemoryConfirmed}, nil, "system")
	var nf *bearmemori.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("unknown owner: err = %v, want NotFoundError", err)
	}
}

func TestConfirmedMemoryIsIndexed(t *testing.T) {
	s := testStore(t)
	owner := testUser(t, s, 1)
	m := confirmedMemory(t, s, owner, "bought butter at the market", "receipt")

	if got := ftsCount(t, s); got != 1 {
		t.Fatalf("fts rows = %d, want 1", got)
	}
	var content, tags string
	if err := s.db.QueryRow(`SELECT content, tags FROM memories_fts_meta WHERE memory_id = ?`, m.ID).Scan(&content, &tags); err != nil {
		t.Fatalf("read meta: %v", err)
	}
	if content != "bought butter at the market" || tags != "receipt" {
		t.Errorf("meta = %q/%q", content, tags)
	}

	entry := lastAudit(t, s, "memory", m.ID)
	if entry.Action != bearmemori.AuditCreated {
		t.Errorf("audit action = %q, want created", entry.Action)
	}
}

func TestPendingMemoryNotIndexedUntilConfirmed(t *testing.T) {
	s := testStore(t)
	owner := testUser(t, s, 1)
	exp := bearmemori.Now().Add(7 * 24 * time.Hour)
	m := pendingImage(t, s, owner, exp)
	ctx := context.Background()

	if got := ftsCount(t, s); got != 0 {
		t.Fatalf("pending memory indexed: fts rows = %d", got)
	}

	content := "a receipt with butter"
	status := bearmemori.MemoryConfirmed
	upd, err := s.UpdateMemory(ctx, m.ID, bearmemori.MemoryUpdate{Content: &content, Status: &status}, bearmemori.ActorUser(owner))
	if err != nil {
		t.Fatalf("UpdateMemory: %v", err)
	}
	if upd.PendingExpiresAt != nil {
		t.Error("confirming did not clear pending_expires_at")
	}
	if got := ftsCount(t, s); got != 1 {
		t.Fatalf("confirmed memory not indexed: fts rows = %d", got)
	}

	// Demotion back to pending is a conflict.
	pending := bearmemori.MemoryPending
	_, err = s.UpdateMemory(ctx, m.ID, bearmemori.MemoryUpdate{Status: &pending}, "system")
	var ce *bearmemori.ConflictError
	if !errors.As(err, &ce) {
		t.Errorf("demotion err = %v, want ConflictError", err)
	}
}

func TestUpdateMemoryReindexesWithMetaDelete(t *testing.T) {
	s := testStore(t)
	owner := testUser(t, s, 1)
	m := confirmedMemory(t, s, owner, "first draft")
	ctx := context.Background()

	content := "second draft"
	if _, err := s.UpdateMemory(ctx, m.ID, bearmemori.MemoryUpdate{Content: &content}, "system"); err != nil {
		t.Fatalf("UpdateMemory: %v", err)
	}

	// Exactly one index row survives and meta matches the new payload.
	if got := ftsCount(t, s); got != 1 {
		t.Fatalf("fts rows = %d, want 1", got)
	}
	var meta string
	if err := s.db.QueryRow(`SELECT content FROM memories_fts_meta WHERE memory_id = ?`, m.ID).Scan(&meta); err != nil {
		t.Fatalf("read meta: %v", err)
	}
	if meta != "second draft" {
		t.Errorf("meta content = %q", meta)
	}
}

func TestDeleteMemoryRemovesIndexAndTags(t *testing.T) {
	s := testStore(t)
	owner := testUser(t, s, 1)
	m := confirmedMemory(t, s, owner, "to be deleted", "junk")
	ctx := context.Background()

	if _, err := s.DeleteMemory(ctx, m.ID, bearmemori.ActorUser(owner)); err != nil {
		t.Fatalf("DeleteMemory: %v", err)
	}
	if got := ftsCount(t, s); got != 0 {
		t.Errorf("fts rows = %d after delete", got)
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM memory_tags WHERE memory_id = ?`, m.ID).Scan(&n); err != nil {
		t.Fatalf("count tags: %v", err)
	}
	if n != 0 {
		t.Errorf("%d tags survive delete", n)
	}
	if _, err := s.GetMemory(ctx, m.ID); err == nil {
		t.Error("memory still readable after delete")
	}
	entry := lastAudit(t, s, "memory", m.ID)
	if entry.Action != bearmemori.AuditDeleted {
		t.Errorf("audit action = %q, want deleted", entry.Action)
	}
}

func TestExpireMemoryAudits(t *testing.T) {
	s := testStore(t)
	owner := testUser(t, s, 1)
	exp := bearmemori.Now().Add(-time.Second)
	m := pendingImage(t, s, owner, exp)
	ctx := context.Background()

	due, err := s.ExpiredPendingMemories(ctx, bearmemori.Now(), 10)
	if err != nil {
		t.Fatalf("ExpiredPendingMemories: %v", err)
	}
	if len(due) != 1 || due[0].ID != m.ID {
		t.Fatalf("due = %+v, want [%s]", due, m.ID)
	}

	gone, err := s.ExpireMemory(ctx, m.ID, bearmemori.ActorSystem)
	if err != nil {
		t.Fatalf("ExpireMemory: %v", err)
	}
	if gone.MediaFileID != "tg-file-1" {
		t.Errorf("expired memory lost media ref: %+v", gone)
	}
	entry := lastAudit(t, s, "memory", m.ID)
	if entry.Action != bearmemori.AuditExpired {
		t.Errorf("audit action = %q, want expired", entry.Action)
	}
	if entry.Actor != bearmemori.ActorSystem {
		t.Errorf("audit actor = %q, want system", entry.Actor)
	}
}

func TestPendingMemoryBoundary(t *testing.T) {
	s := testStore(t)
	owner := testUser(t, s, 1)
	created := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	exp := created.Add(7 * 24 * time.Hour)
	m := pendingImage(t, s, owner, exp)
	ctx := context.Background()

	// One second before the window closes: not due.
	due, err := s.ExpiredPendingMemories(ctx, exp.Add(-time.Second), 10)
	if err != nil {
		t.Fatalf("ExpiredPendingMemories: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("memory due before expiry: %+v", due)
	}

	// At the next tick after the window: due.
	due, err = s.ExpiredPendingMemories(ctx, exp.Add(30*time.Second), 10)
	if err != nil {
		t.Fatalf("ExpiredPendingMemories: %v", err)
	}
	if len(due) != 1 || due[0].ID != m.ID {
		t.Errorf("due = %+v, want [%s]", due, m.ID)
	}
}

func TestSuggestedTagLifecycle(t *testing.T) {
	s := testStore(t)
	owner := testUser(t, s, 1)
	m := confirmedMemory(t, s, owner, "receipt from the store")
	ctx := context.Background()

	_, err := s.PutTags(ctx, m.ID, []bearmemori.MemoryTag{
		{Tag: "receipt", Status: bearmemori.TagSuggested},
		{Tag: "butter", Status: bearmemori.TagSuggested},
	}, bearmemori.ActorLLMWorker)
	if err != nil {
		t.Fatalf("PutTags: %v", err)
	}

	// Suggested tags are not in the index.
	var tags string
	if err := s.db.QueryRow(`SELECT tags FROM memories_fts_meta WHERE memory_id = ?`, m.ID).Scan(&tags); err != nil {
		t.Fatalf("read meta: %v", err)
	}
	if tags != "" {
		t.Errorf("suggested tags leaked into index: %q", tags)
	}

	// Confirm one; the index follows.
	if _, err := s.ConfirmTag(ctx, m.ID, "butter", bearmemori.ActorUser(owner)); err != nil {
		t.Fatalf("ConfirmTag: %v", err)
	}
	if err := s.db.QueryRow(`SELECT tags FROM memories_fts_meta WHERE memory_id = ?`, m.ID).Scan(&tags); err != nil {
		t.Fatalf("read meta: %v", err)
	}
	if tags != "butter" {
		t.Errorf("meta tags = %q, want butter", tags)
	}

	// The other suggestion expires.
	expired, err := s.ExpireSuggestedTags(ctx, bearmemori.Now().Add(time.Minute), bearmemori.ActorSystem)
	if err != nil {
		t.Fatalf("ExpireSuggestedTags: %v", err)
	}
	if len(expired) != 1 || expired[0].Tag != "receipt" {
		t.Errorf("expired = %+v, want [receipt]", expired)
	}
	entry := lastAudit(t, s, "memory_tag", m.ID+"/receipt")
	if entry.Action != bearmemori.AuditExpired {
		t.Errorf("audit action = %q, want expired", entry.Action)
	}
}

func TestDeleteConfirmedTagReindexes(t *testing.T) {
	s := testStore(t)
	owner := testUser(t, s, 1)
	m := confirmedMemory(t, s, owner, "note", "alpha", "beta")
	ctx := context.Background()

	if err := s.DeleteTag(ctx, m.ID, "alpha", bearmemori.ActorUser(owner)); err != nil {
		t.Fatalf("DeleteTag: %v", err)
	}
	var tags string
	if err := s.db.QueryRow(`SELECT tags FROM memories_fts_meta WHERE memory_id = ?`, m.ID).Scan(&tags); err != nil {
		t.Fatalf("read meta: %v", err)
	}
	if tags != "beta" {
		t.Errorf("meta tags = %q, want beta", tags)
	}
}

func TestAttachImage(t *testing.T) {
	s := testStore(t)
	owner := testUser(t, s, 1)
	exp := bearmemori.Now().Add(24 * time.Hour)
	m := pendingImage(t, s, owner, exp)

	got, err := s.AttachImage(context.Background(), m.ID, "tg-file-2", "/data/images/"+m.ID+".jpg", bearmemori.ActorUser(owner))
	if err != nil {
		t.Fatalf("AttachImage: %v", err)
	}
	if got.MediaLocalPath != "/data/images/"+m.ID+".jpg" {
		t.Errorf("MediaLocalPath = %q", got.MediaLocalPath)
	}
}

package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bearmemori/bearmemori"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testUser inserts an allowed user and returns its ID.
func testUser(t *testing.T, s *Store, id int64) int64 {
	t.Helper()
	_, err := s.UpsertUser(context.Background(), bearmemori.User{
		ID:          id,
		DisplayName: "tester",
	})
	if err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if _, err := s.SetUserAllowed(context.Background(), id, true, bearmemori.ActorSystem); err != nil {
		t.Fatalf("SetUserAllowed: %v", err)
	}
	return id
}

func lastAudit(t *testing.T, s *Store, entityType, entityID string) bearmemori.AuditEntry {
	t.Helper()
	entries, err := s.AuditTrail(context.Background(), bearmemori.AuditFilter{
		EntityType: entityType,
		EntityID:   entityID,
		Limit:      1,
	})
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("no audit entries for %s %s", entityType, entityID)
	}
	return entries[0]
}

func TestInitIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "init.db"))
	defer s.Close()
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read schema_version: %v", err)
	}
	if version != 3 {
		t.Errorf("schema version = %d, want 3", version)
	}
}

func TestPing(t *testing.T) {
	s := testStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestUpsertUser(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	u, err := s.UpsertUser(ctx, bearmemori.User{ID: 42, DisplayName: "Bear"})
	if err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if u.IsAllowed {
		t.Error("new user should not be allowed by default")
	}
	if u.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	// Second upsert updates the name, keeps created_at.
	u2, err := s.UpsertUser(ctx, bearmemori.User{ID: 42, DisplayName: "Bear Jr"})
	if err != nil {
		t.Fatalf("second UpsertUser: %v", err)
	}
	if u2.DisplayName != "Bear Jr" {
		t.Errorf("DisplayName = %q, want %q", u2.DisplayName, "Bear Jr")
	}
	if !u2.CreatedAt.Equal(u.CreatedAt) {
		t.Errorf("CreatedAt changed on upsert: %v vs %v", u2.CreatedAt, u.CreatedAt)
	}

	allowed, err := s.SetUserAllowed(ctx, 42, true, bearmemori.ActorSystem)
	if err != nil {
		t.Fatalf("SetUserAllowed: %v", err)
	}
	if !allowed.IsAllowed {
		t.Error("IsAllowed not set")
	}
}

func TestGetUserNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.GetUser(context.Background(), 999)
	var nf *bearmemori.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

func TestSettingsDefaultsAndPut(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	uid := testUser(t, s, 7)

	got, err := s.GetSettings(ctx, uid)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if got.Timezone != "UTC" || got.Language != "en" {
		t.Errorf("defaults = %q/%q, want UTC/en", got.Timezone, got.Language)
	}

	put, err := s.PutSettings(ctx, bearmemori.UserSettings{
		UserID:   uid,
		Timezone: "Europe/Berlin",
		Language: "de",
	}, bearmemori.ActorUser(uid))
	if err != nil {
		t.Fatalf("PutSettings: %v", err)
	}
	if put.Timezone != "Europe/Berlin" || put.Language != "de" {
		t.Errorf("put = %q/%q", put.Timezone, put.Language)
	}

	again, err := s.GetSettings(ctx, uid)
	if err != nil {
		t.Fatalf("GetSettings after put: %v", err)
	}
	if again.Timezone != "Europe/Berlin" {
		t.Errorf("Timezone = %q after put", again.Timezone)
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	want := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	got, err := timeIn(timeOut(want))
	if err != nil {
		t.Fatalf("timeIn: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("round trip %v != %v", got, want)
	}
}

package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bearmemori/bearmemori"
)

func TestFireReminderRecurrence(t *testing.T) {
	s := testStore(t)
	owner := testUser(t, s, 1)
	ctx := context.Background()

	fireAt := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	recurrence := int64(60)
	r, err := s.CreateReminder(ctx, bearmemori.Reminder{
		OwnerUserID:       owner,
		FireAt:            fireAt,
		RecurrenceMinutes: &recurrence,
		Text:              "drink water",
	}, "system")
	if err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}

	now := fireAt.Add(5 * time.Minute)
	due, err := s.DueReminders(ctx, now, 10)
	if err != nil {
		t.Fatalf("DueReminders: %v", err)
	}
	if len(due) != 1 || due[0].ID != r.ID {
		t.Fatalf("due = %+v, want [%s]", due, r.ID)
	}

	fired, next, err := s.FireReminder(ctx, r.ID, now)
	if err != nil {
		t.Fatalf("FireReminder: %v", err)
	}
	if !fired.Fired {
		t.Error("reminder not marked fired")
	}
	if next == nil {
		t.Fatal("no child spawned")
	}
	// Child anchors on the parent's fire_at, not on the delivery time.
	want := fireAt.Add(time.Hour)
	if !next.FireAt.Equal(want) {
		t.Errorf("child fire_at = %v, want %v", next.FireAt, want)
	}
	if next.Fired {
		t.Error("child born fired")
	}
	if next.Text != "drink water" {
		t.Errorf("child text = %q", next.Text)
	}

	entry := lastAudit(t, s, "reminder", r.ID)
	if entry.Action != bearmemori.AuditFired {
		t.Errorf("audit action = %q, want fired", entry.Action)
	}

	// Double fire is a conflict.
	_, _, err = s.FireReminder(ctx, r.ID, now)
	var ce *bearmemori.ConflictError
	if !errors.As(err, &ce) {
		t.Errorf("double fire err = %v, want ConflictError", err)
	}
}

func TestFireReminderOneShot(t *testing.T) {
	s := testStore(t)
	owner := testUser(t, s, 1)
	ctx := context.Background()

	r, err := s.CreateReminder(ctx, bearmemori.Reminder{
		OwnerUserID: owner,
		FireAt:      bearmemori.Now().Add(-time.Minute),
		Text:        "once",
	}, "system")
	if err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}
	_, next, err := s.FireReminder(ctx, r.ID, bearmemori.Now())
	if err != nil {
		t.Fatalf("FireReminder: %v", err)
	}
	if next != nil {
		t.Errorf("unexpected child %+v", next)
	}

	// Fired reminders leave the due set.
	due, err := s.DueReminders(ctx, bearmemori.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("DueReminders: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("due after firing = %+v", due)
	}
}

func TestUpdateFiredReminderConflicts(t *testing.T) {
	s := testStore(t)
	owner := testUser(t, s, 1)
	ctx := context.Background()

	r, _ := s.CreateReminder(ctx, bearmemori.Reminder{
		OwnerUserID: owner,
		FireAt:      bearmemori.Now().Add(-time.Minute),
	}, "system")
	if _, _, err := s.FireReminder(ctx, r.ID, bearmemori.Now()); err != nil {
		t.Fatalf("FireReminder: %v", err)
	}

	text := "too late"
	_, err := s.UpdateReminder(ctx, r.ID, bearmemori.ReminderUpdate{Text: &text}, "system")
	var ce *bearmemori.ConflictError
	if !errors.As(err, &ce) {
		t.Errorf("err = %v, want ConflictError", err)
	}
}

func TestListRemindersExcludesFired(t *testing.T) {
	s := testStore(t)
	owner := testUser(t, s, 1)
	ctx := context.Background()

	a, _ := s.CreateReminder(ctx, bearmemori.Reminder{OwnerUserID: owner, FireAt: bearmemori.Now().Add(time.Hour)}, "system")
	b, _ := s.CreateReminder(ctx, bearmemori.Reminder{OwnerUserID: owner, FireAt: bearmemori.Now().Add(-time.Hour)}, "system")
	if _, _, err := s.FireReminder(ctx, b.ID, bearmemori.Now()); err != nil {
		t.Fatalf("FireReminder: %v", err)
	}

	list, err := s.ListReminders(ctx, bearmemori.ReminderFilter{OwnerUserID: owner})
	if err != nil {
		t.Fatalf("ListReminders: %v", err)
	}
	if len(list) != 1 || list[0].ID != a.ID {
		t.Errorf("list = %+v, want [%s]", list, a.ID)
	}

	all, err := s.ListReminders(ctx, bearmemori.ReminderFilter{OwnerUserID: owner, IncludeFired: true})
	if err != nil {
		t.Fatalf("ListReminders all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all = %d reminders, want 2", len(all))
	}
}

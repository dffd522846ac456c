package bearmemori

import (
	"context"
	"encoding/json"
	"time"
)

// Store abstracts persistence. Every mutation writes its audit entry in
// the same transaction as the row change, attributed to the given actor
// (ActorUser, ActorSystem or ActorLLMWorker).
type Store interface {
	// --- Users ---
	UpsertUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, userID int64) (User, error)
	SetUserAllowed(ctx context.Context, userID int64, allowed bool, actor string) (User, error)
	GetSettings(ctx context.Context, userID int64) (UserSettings, error)
	PutSettings(ctx context.Context, s UserSettings, actor string) (UserSettings, error)

	// --- Memories ---
	CreateMemory(ctx context.Context, m Memory, tags []MemoryTag, actor string) (Memory, error)
	GetMemory(ctx context.Context, id string) (Memory, error)
	ListMemories(ctx context.Context, f MemoryFilter) ([]Memory, error)
	ListMemoryTags(ctx context.Context, memoryID string) ([]MemoryTag, error)
	UpdateMemory(ctx context.Context, id string, upd MemoryUpdate, actor string) (Memory, error)
	// DeleteMemory removes the row, its tags and its index entries, and
	// returns the deleted record so the caller can unlink stored media.
	DeleteMemory(ctx context.Context, id string, actor string) (Memory, error)
	ExpireMemory(ctx context.Context, id string, actor string) (Memory, error)
	AttachImage(ctx context.Context, memoryID, fileID, localPath string, actor string) (Memory, error)
	PutTags(ctx context.Context, memoryID string, tags []MemoryTag, actor string) ([]MemoryTag, error)
	ConfirmTag(ctx context.Context, memoryID, tag string, actor string) (MemoryTag, error)
	DeleteTag(ctx context.Context, memoryID, tag string, actor string) error
	ExpiredPendingMemories(ctx context.Context, now time.Time, limit int) ([]Memory, error)
	ExpireSuggestedTags(ctx context.Context, cutoff time.Time, actor string) ([]MemoryTag, error)

	// --- Tasks ---
	CreateTask(ctx context.Context, t Task, actor string) (Task, error)
	GetTask(ctx context.Context, id string) (Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]Task, error)
	// UpdateTask applies the patch. Completing a recurring task spawns
	// the next occurrence in the same transaction; the spawned task is
	// returned second.
	UpdateTask(ctx context.Context, id string, upd TaskUpdate, actor string) (Task, *Task, error)
	DeleteTask(ctx context.Context, id string, actor string) error

	// --- Reminders ---
	CreateReminder(ctx context.Context, r Reminder, actor string) (Reminder, error)
	GetReminder(ctx context.Context, id string) (Reminder, error)
	ListReminders(ctx context.Context, f ReminderFilter) ([]Reminder, error)
	UpdateReminder(ctx context.Context, id string, upd ReminderUpdate, actor string) (Reminder, error)
	DeleteReminder(ctx context.Context, id string, actor string) error
	DueReminders(ctx context.Context, now time.Time, limit int) ([]Reminder, error)
	// FireReminder marks the reminder fired and, for recurring ones,
	// creates the next occurrence in the same transaction.
	FireReminder(ctx context.Context, id string, now time.Time) (Reminder, *Reminder, error)

	// --- Events ---
	CreateEvent(ctx context.Context, e Event, actor string) (Event, error)
	GetEvent(ctx context.Context, id string) (Event, error)
	ListEvents(ctx context.Context, f EventFilter) ([]Event, error)
	// ConfirmEvent flips a pending event to confirmed and creates its
	// reminder at event_time, both in one transaction.
	ConfirmEvent(ctx context.Context, id string, actor string) (Event, Reminder, error)
	RejectEvent(ctx context.Context, id string, actor string) (Event, error)
	DeleteEvent(ctx context.Context, id string, actor string) error
	StaleEvents(ctx context.Context, cutoff time.Time, limit int) ([]Event, error)
	MarkEventReprompted(ctx context.Context, id string, now time.Time, actor string) (Event, error)

	// --- LLM jobs ---
	CreateJob(ctx context.Context, j LLMJob, actor string) (LLMJob, error)
	GetJob(ctx context.Context, id string) (LLMJob, error)
	MarkJobProcessing(ctx context.Context, id string, actor string) (LLMJob, error)
	CompleteJob(ctx context.Context, id string, result json.RawMessage, actor string) (LLMJob, error)
	FailJob(ctx context.Context, id string, kind, message string, actor string) (LLMJob, error)
	RequeueJob(ctx context.Context, id string, reason string, actor string) (LLMJob, error)
	StuckJobs(ctx context.Context, cutoff time.Time, limit int) ([]LLMJob, error)

	// --- Search ---
	SearchMemories(ctx context.Context, q SearchQuery) ([]SearchResult, error)

	// --- Audit ---
	AuditTrail(ctx context.Context, f AuditFilter) ([]AuditEntry, error)

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// --- Patch and filter types ---

type MemoryUpdate struct {
	Content  *string
	Status   *MemoryStatus
	IsPinned *bool
}

type TaskUpdate struct {
	Description       *string
	State             *TaskState
	DueAt             *time.Time
	RecurrenceMinutes *int64
}

type ReminderUpdate struct {
	FireAt            *time.Time
	Text              *string
	RecurrenceMinutes *int64
}

type MemoryFilter struct {
	OwnerUserID int64
	Status      *MemoryStatus
	Tag         string
	Limit       int
	Offset      int
}

type TaskFilter struct {
	OwnerUserID int64
	State       *TaskState
	DueBefore   *time.Time
}

type ReminderFilter struct {
	OwnerUserID  int64
	IncludeFired bool
}

type EventFilter struct {
	OwnerUserID int64
	Status      *EventStatus
}

type AuditFilter struct {
	EntityType string
	EntityID   string
	Action     *AuditAction
	Limit      int
}

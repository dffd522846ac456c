package bearmemori

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var errNotStubbed = errors.New("not stubbed")

// stubStore implements Store with per-method hooks; methods without a
// hook fail loudly so a test cannot silently depend on them.
type stubStore struct {
	createJobFn  func(ctx context.Context, j LLMJob, actor string) (LLMJob, error)
	stuckJobsFn  func(ctx context.Context, cutoff time.Time, limit int) ([]LLMJob, error)
	requeueJobFn func(ctx context.Context, id, reason, actor string) (LLMJob, error)

	dueRemindersFn func(ctx context.Context, now time.Time, limit int) ([]Reminder, error)
	fireReminderFn func(ctx context.Context, id string, now time.Time) (Reminder, *Reminder, error)

	expiredPendingFn  func(ctx context.Context, now time.Time, limit int) ([]Memory, error)
	expireMemoryFn    func(ctx context.Context, id, actor string) (Memory, error)
	expireSuggestedFn func(ctx context.Context, cutoff time.Time, actor string) ([]MemoryTag, error)
	staleEventsFn     func(ctx context.Context, cutoff time.Time, limit int) ([]Event, error)
	markRepromptedFn  func(ctx context.Context, id string, now time.Time, actor string) (Event, error)
}

func (s *stubStore) UpsertUser(context.Context, User) (User, error) { return User{}, errNotStubbed }
func (s *stubStore) GetUser(context.Context, int64) (User, error)   { return User{}, errNotStubbed }
func (s *stubStore) SetUserAllowed(context.Context, int64, bool, string) (User, error) {
	return User{}, errNotStubbed
}
func (s *stubStore) GetSettings(context.Context, int64) (UserSettings, error) {
	return UserSettings{}, errNotStubbed
}
func (s *stubStore) PutSettings(context.Context, UserSettings, string) (UserSettings, error) {
	return UserSettings{}, errNotStubbed
}
func (s *stubStore) CreateMemory(context.Context, Memory, []MemoryTag, string) (Memory, error) {
	return Memory{}, errNotStubbed
}
func (s *stubStore) GetMemory(context.Context, string) (Memory, error) {
	return Memory{}, errNotStubbed
}
func (s *stubStore) ListMemories(context.Context, MemoryFilter) ([]Memory, error) {
	return nil, errNotStubbed
}
func (s *stubStore) ListMemoryTags(context.Context, string) ([]MemoryTag, error) {
	return nil, errNotStubbed
}
func (s *stubStore) UpdateMemory(context.Context, string, MemoryUpdate, string) (Memory, error) {
	return Memory{}, errNotStubbed
}
func (s *stubStore) DeleteMemory(context.Context, string, string) (Memory, error) {
	return Memory{}, errNotStubbed
}
func (s *stubStore) ExpireMemory(ctx context.Context, id, actor string) (Memory, error) {
	if s.expireMemoryFn == nil {
		return Memory{}, errNotStubbed
	}
	return s.expireMemoryFn(ctx, id, actor)
}
func (s *stubStore) AttachImage(context.Context, string, string, string, string) (Memory, error) {
	return Memory{}, errNotStubbed
}
func (s *stubStore) PutTags(context.Context, string, []MemoryTag, string) ([]MemoryTag, error) {
	return nil, errNotStubbed
}
func (s *stubStore) ConfirmTag(context.Context, string, string, string) (MemoryTag, error) {
	return MemoryTag{}, errNotStubbed
}
func (s *stubStore) DeleteTag(context.Context, string, string, string) error { return errNotStubbed }
func (s *stubStore) ExpiredPendingMemories(ctx context.Context, now time.Time, limit int) ([]Memory, error) {
	if s.expiredPendingFn == nil {
		return nil, nil
	}
	return s.expiredPendingFn(ctx, now, limit)
}
func (s *stubStore) ExpireSuggestedTags(ctx context.Context, cutoff time.Time, actor string) ([]MemoryTag, error) {
	if s.expireSuggestedFn == nil {
		return nil, nil
	}
	return s.expireSuggestedFn(ctx, cutoff, actor)
}
func (s *stubStore) CreateTask(context.Context, Task, string) (Task, error) {
	return Task{}, errNotStubbed
}
func (s *stubStore) GetTask(context.Context, string) (Task, error) { return Task{}, errNotStubbed }
func (s *stubStore) ListTasks(context.Context, TaskFilter) ([]Task, error) {
	return nil, errNotStubbed
}
func (s *stubStore) UpdateTask(context.Context, string, TaskUpdate, string) (Task, *Task, error) {
	return Task{}, nil, errNotStubbed
}
func (s *stubStore) DeleteTask(context.Context, string, string) error { return errNotStubbed }
func (s *stubStore) CreateReminder(context.Context, Reminder, string) (Reminder, error) {
	return Reminder{}, errNotStubbed
}
func (s *stubStore) GetReminder(context.Context, string) (Reminder, error) {
	return Reminder{}, errNotStubbed
}
func (s *stubStore) ListReminders(context.Context, ReminderFilter) ([]Reminder, error) {
	return nil, errNotStubbed
}
func (s *stubStore) UpdateReminder(context.Context, string, ReminderUpdate, string) (Reminder, error) {
	return Reminder{}, errNotStubbed
}
func (s *stubStore) DeleteReminder(context.Context, string, string) error { return errNotStubbed }
func (s *stubStore) DueReminders(ctx context.Context, now time.Time, limit int) ([]Reminder, error) {
	if s.dueRemindersFn == nil {
		return nil, nil
	}
	return s.dueRemindersFn(ctx, now, limit)
}
func (s *stubStore) FireReminder(ctx context.Context, id string, now time.Time) (Reminder, *Reminder, error) {
	if s.fireReminderFn == nil {
		return Reminder{}, nil, errNotStubbed
	}
	return s.fireReminderFn(ctx, id, now)
}
func (s *stubStore) CreateEvent(context.Context, Event, string) (Event, error) {
	return Event{}, errNotStubbed
}
func (s *stubStore) GetEvent(context.Context, string) (Event, error) { return Event{}, errNotStubbed }
func (s *stubStore) ListEvents(context.Context, EventFilter) ([]Event, error) {
	return nil, errNotStubbed
}
func (s *stubStore) ConfirmEvent(context.Context, string, string) (Event, Reminder, error) {
	return Event{}, Reminder{}, errNotStubbed
}
func (s *stubStore) RejectEvent(context.Context, string, string) (Event, error) {
	return Event{}, errNotStubbed
}
func (s *stubStore) DeleteEvent(context.Context, string, string) error { return errNotStubbed }
func (s *stubStore) StaleEvents(ctx context.Context, cutoff time.Time, limit int) ([]Event, error) {
	if s.staleEventsFn == nil {
		return nil, nil
	}
	return s.staleEventsFn(ctx, cutoff, limit)
}
func (s *stubStore) MarkEventReprompted(ctx context.Context, id string, now time.Time, actor string) (Event, error) {
	if s.markRepromptedFn == nil {
		return Event{}, errNotStubbed
	}
	return s.markRepromptedFn(ctx, id, now, actor)
}
func (s *stubStore) CreateJob(ctx context.Context, j LLMJob, actor string) (LLMJob, error) {
	if s.createJobFn == nil {
		return j, nil
	}
	return s.createJobFn(ctx, j, actor)
}
func (s *stubStore) GetJob(context.Context, string) (LLMJob, error) {
	return LLMJob{}, errNotStubbed
}
func (s *stubStore) MarkJobProcessing(context.Context, string, string) (LLMJob, error) {
	return LLMJob{}, errNotStubbed
}
func (s *stubStore) CompleteJob(context.Context, string, json.RawMessage, string) (LLMJob, error) {
	return LLMJob{}, errNotStubbed
}
func (s *stubStore) FailJob(context.Context, string, string, string, string) (LLMJob, error) {
	return LLMJob{}, errNotStubbed
}
func (s *stubStore) RequeueJob(ctx context.Context, id, reason, actor string) (LLMJob, error) {
	if s.requeueJobFn == nil {
		return LLMJob{}, errNotStubbed
	}
	return s.requeueJobFn(ctx, id, reason, actor)
}
func (s *stubStore) StuckJobs(ctx context.Context, cutoff time.Time, limit int) ([]LLMJob, error) {
	if s.stuckJobsFn == nil {
		return nil, nil
	}
	return s.stuckJobsFn(ctx, cutoff, limit)
}
func (s *stubStore) SearchMemories(context.Context, SearchQuery) ([]SearchResult, error) {
	return nil, errNotStubbed
}
func (s *stubStore) AuditTrail(context.Context, AuditFilter) ([]AuditEntry, error) {
	return nil, errNotStubbed
}
func (s *stubStore) Init(context.Context) error { return nil }
func (s *stubStore) Ping(context.Context) error { return nil }
func (s *stubStore) Close() error               { return nil }

var _ Store = (*stubStore)(nil)

// stubBus records publishes and group creations; optionally fails them.
type stubBus struct {
	mu         sync.Mutex
	published  []stubPublish
	groups     []string
	publishErr error
	groupErr   error
}

type stubPublish struct {
	Stream string
	Values map[string]string
}

func (b *stubBus) Publish(_ context.Context, stream string, values map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return "", b.publishErr
	}
	b.published = append(b.published, stubPublish{Stream: stream, Values: values})
	return fmt.Sprintf("%d-0", time.Now().UnixMilli()), nil
}

func (b *stubBus) CreateGroup(_ context.Context, stream, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.groupErr != nil {
		return b.groupErr
	}
	b.groups = append(b.groups, stream+"/"+group)
	return nil
}
func (b *stubBus) Consume(context.Context, string, string, string, int, time.Duration) ([]BusMessage, error) {
	return nil, nil
}
func (b *stubBus) ConsumePending(context.Context, string, string, string, int) ([]BusMessage, error) {
	return nil, nil
}
func (b *stubBus) Ack(context.Context, string, string, ...string) error { return nil }
func (b *stubBus) Claim(context.Context, string, string, string, time.Duration, int) ([]BusMessage, error) {
	return nil, nil
}
func (b *stubBus) Ping(context.Context) error { return nil }
func (b *stubBus) Close() error               { return nil }

func (b *stubBus) entries(stream string) []stubPublish {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []stubPublish
	for _, p := range b.published {
		if p.Stream == stream {
			out = append(out, p)
		}
	}
	return out
}

var _ Bus = (*stubBus)(nil)

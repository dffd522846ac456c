package bearmemori

import (
	"context"
	"fmt"
	"log"
	"time"
)

// MediaRemover unlinks stored image files. Called after the owning row
// is already gone, so failures leave an orphaned file at worst.
type MediaRemover interface {
	Remove(path string) error
}

// schedulerConfig holds options accumulated by SchedulerOption calls.
type schedulerConfig struct {
	interval          time.Duration
	tagTTL            time.Duration
	eventRequeueAfter time.Duration
	jobGrace          time.Duration
	media             MediaRemover
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*schedulerConfig)

// WithSchedulerInterval sets the polling interval. Default: 30 seconds.
func WithSchedulerInterval(d time.Duration) SchedulerOption {
	return func(c *schedulerConfig) { c.interval = d }
}

// WithTagTTL sets how long a suggested tag survives without
// confirmation. Default: 7 days.
func WithTagTTL(d time.Duration) SchedulerOption {
	return func(c *schedulerConfig) { c.tagTTL = d }
}

// WithEventRequeueAfter sets how long a pending event waits before the
// user is prompted again. Default: 24 hours.
func WithEventRequeueAfter(d time.Duration) SchedulerOption {
	return func(c *schedulerConfig) { c.eventRequeueAfter = d }
}

// WithJobGrace sets how long a queued job may sit unclaimed before its
// stream entry is considered lost and republished. Default: 5 minutes.
func WithJobGrace(d time.Duration) SchedulerOption {
	return func(c *schedulerConfig) { c.jobGrace = d }
}

// WithMediaRemover wires image-file cleanup for expired memories.
// Without it expired rows are removed but their files stay on disk.
func WithMediaRemover(m MediaRemover) SchedulerOption {
	return func(c *schedulerConfig) { c.media = m }
}

// housekeepingBatch caps how many rows one tick touches per task, so a
// backlog cannot pin a tick for minutes.
const housekeepingBatch = 100

// Scheduler runs the housekeeping loop: firing reminders, expiring
// pending memories and suggested tags, re-prompting stale events, and
// republishing stuck jobs. Tasks run in that fixed order and each one
// swallows its own errors so a failure cannot starve the rest.
//
// Usage:
//
//	sched := bearmemori.NewScheduler(store, bus, dispatcher,
//	    bearmemori.WithSchedulerInterval(30*time.Second),
//	    bearmemori.WithMediaRemover(images),
//	)
//	g.Go(func() error { return sched.Start(ctx) })
type Scheduler struct {
	store             Store
	bus               Bus
	dispatcher        *Dispatcher
	interval          time.Duration
	tagTTL            time.Duration
	eventRequeueAfter time.Duration
	jobGrace          time.Duration
	media             MediaRemover
}

// NewScheduler creates a Scheduler. bus carries the outbound
// notifications; dispatcher republishes stuck jobs.
func NewScheduler(store Store, bus Bus, dispatcher *Dispatcher, opts ...SchedulerOption) *Scheduler {
	cfg := schedulerConfig{
		interval:          30 * time.Second,
		tagTTL:            7 * 24 * time.Hour,
		eventRequeueAfter: 24 * time.Hour,
		jobGrace:          5 * time.Minute,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Scheduler{
		store:             store,
		bus:               bus,
		dispatcher:        dispatcher,
		interval:          cfg.interval,
		tagTTL:            cfg.tagTTL,
		eventRequeueAfter: cfg.eventRequeueAfter,
		jobGrace:          cfg.jobGrace,
		media:             cfg.media,
	}
}

// Start begins the polling loop. Blocks until ctx is cancelled.
// Returns nil on clean shutdown. Ticks never overlap: the next sleep
// starts only after the previous tick finished.
//
// The notification consumer group is created first, so entries
// published before the gateway ever connects still land in its
// pending set instead of being skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.bus.CreateGroup(ctx, StreamNotifyTelegram, GroupTelegram); err != nil {
		return fmt.Errorf("create notify group: %w", err)
	}
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.interval):
		}
	}
}

// tick performs one housekeeping cycle in fixed order.
func (s *Scheduler) tick(ctx context.Context) {
	s.fireDueReminders(ctx)
	s.expirePendingMemories(ctx)
	s.expireSuggestedTags(ctx)
	s.repromptStaleEvents(ctx)
	s.requeueStuckJobs(ctx)
}

// fireDueReminders marks due reminders fired, spawns the next occurrence
// for recurring ones, and notifies the gateway.
func (s *Scheduler) fireDueReminders(ctx context.Context) {
	now := Now()
	due, err := s.store.DueReminders(ctx, now, housekeepingBatch)
	if err != nil {
		log.Printf(" [scheduler] error fetching due reminders: %v", err)
		return
	}
	for _, r := range due {
		if ctx.Err() != nil {
			return
		}
		fired, next, err := s.store.FireReminder(ctx, r.ID, now)
		if err != nil {
			log.Printf(" [scheduler] reminder %s: fire failed: %v", r.ID, err)
			continue
		}
		if next != nil {
			log.Printf(" [scheduler] reminder %s: next occurrence %s at %s", fired.ID, next.ID, FormatTime(next.FireAt))
		}
		s.notify(ctx, fired.OwnerUserID, MsgReminder, map[string]any{
			"reminder_id": fired.ID,
			"memory_id":   fired.MemoryID,
			"text":        fired.Text,
		})
	}
}

// expirePendingMemories hard-deletes pending memories past their TTL,
// then unlinks any stored image bytes.
func (s *Scheduler) expirePendingMemories(ctx context.Context) {
	now := Now()
	rows, err := s.store.ExpiredPendingMemories(ctx, now, housekeepingBatch)
	if err != nil {
		log.Printf(" [scheduler] error fetching expired memories: %v", err)
		return
	}
	for _, m := range rows {
		if ctx.Err() != nil {
			return
		}
		gone, err := s.store.ExpireMemory(ctx, m.ID, ActorSystem)
		if err != nil {
			log.Printf(" [scheduler] memory %s: expire failed: %v", m.ID, err)
			continue
		}
		if gone.MediaLocalPath != "" && s.media != nil {
			if err := s.media.Remove(gone.MediaLocalPath); err != nil {
				log.Printf(" [scheduler] memory %s: image unlink failed: %v", gone.ID, err)
			}
		}
		log.Printf(" [scheduler] expired pending memory %s", gone.ID)
	}
}

// expireSuggestedTags drops suggestions the user never confirmed.
func (s *Scheduler) expireSuggestedTags(ctx context.Context) {
	cutoff := Now().Add(-s.tagTTL)
	tags, err := s.store.ExpireSuggestedTags(ctx, cutoff, ActorSystem)
	if err != nil {
		log.Printf(" [scheduler] error expiring suggested tags: %v", err)
		return
	}
	if len(tags) > 0 {
		log.Printf(" [scheduler] expired %d suggested tags", len(tags))
	}
}

// repromptStaleEvents nudges the user about pending events again.
// The notification goes out first; if marking fails the worst case is a
// duplicate prompt next tick.
func (s *Scheduler) repromptStaleEvents(ctx context.Context) {
	now := Now()
	stale, err := s.store.StaleEvents(ctx, now.Add(-s.eventRequeueAfter), housekeepingBatch)
	if err != nil {
		log.Printf(" [scheduler] error fetching stale events: %v", err)
		return
	}
	for _, e := range stale {
		if ctx.Err() != nil {
			return
		}
		s.notify(ctx, e.OwnerUserID, MsgEventConfirmation, map[string]any{
			"event_id":    e.ID,
			"description": e.Description,
			"event_time":  FormatTime(e.EventTime),
		})
		if _, err := s.store.MarkEventReprompted(ctx, e.ID, now, ActorSystem); err != nil {
			log.Printf(" [scheduler] event %s: reprompt mark failed: %v", e.ID, err)
		}
	}
}

// requeueStuckJobs republishes jobs whose stream entry went missing.
func (s *Scheduler) requeueStuckJobs(ctx context.Context) {
	n, err := s.dispatcher.RequeueStuck(ctx, Now().Add(-s.jobGrace), housekeepingBatch)
	if err != nil {
		log.Printf(" [scheduler] error requeuing stuck jobs: %v", err)
		return
	}
	if n > 0 {
		log.Printf(" [scheduler] requeued %d stuck jobs", n)
	}
}

// notify publishes one gateway notification. Delivery is fire-and-forget;
// a failed publish is logged and dropped.
func (s *Scheduler) notify(ctx context.Context, userID int64, mt MessageType, content map[string]any) {
	n, err := NewNotification(userID, mt, content)
	if err != nil {
		log.Printf(" [scheduler] notification encode failed: %v", err)
		return
	}
	if _, err := s.bus.Publish(ctx, StreamNotifyTelegram, n.Entry()); err != nil {
		log.Printf(" [scheduler] notification publish failed for user %d: %v", userID, err)
	}
}

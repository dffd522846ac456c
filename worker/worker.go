// Package worker consumes the LLM job streams, runs the model calls,
// persists outcomes through the core HTTP surface, and publishes
// user-facing notifications.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bearmemori/bearmemori"
	"github.com/bearmemori/bearmemori/client"
	"github.com/bearmemori/bearmemori/media"
)

const (
	defaultMaxRetries      = 5
	defaultHorizon         = 14 * 24 * time.Hour
	defaultStaleAfter      = 5 * time.Minute
	defaultBlock           = 5 * time.Second
	defaultTimeout         = 60 * time.Second
	defaultReclaimMinIdle  = time.Minute
	defaultReclaimInterval = 30 * time.Second
	defaultPauseDelay      = 5 * time.Second
)

// JobMetrics records terminal job outcomes. observer.Instruments
// satisfies it.
type JobMetrics interface {
	RecordJob(ctx context.Context, jobType bearmemori.JobType, status bearmemori.JobStatus, d time.Duration)
}

type Worker struct {
	bus     bearmemori.Bus
	core    *client.Client
	text    bearmemori.Provider
	vision  bearmemori.Provider
	media   *media.Store
	metrics JobMetrics
	logger  *slog.Logger

	consumer        string
	maxRetries      int
	horizon         time.Duration
	staleAfter      time.Duration
	block           time.Duration
	timeouts        map[bearmemori.JobType]time.Duration
	defaultTimeout  time.Duration
	reclaimMinIdle  time.Duration
	reclaimInterval time.Duration
	pauseDelay      time.Duration

	locks *userLocks

	mu       sync.Mutex
	attempts map[string]int  // message ID -> attempts this process has made
	notified map[string]bool // message ID -> llm_failure already published
	paused   map[string]bool // stream -> consuming own pending entries only

	// overridable in tests
	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

type Option func(*Worker)

func WithConsumerName(name string) Option {
	return func(w *Worker) { w.consumer = name }
}

func WithMaxRetries(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.maxRetries = n
		}
	}
}

// WithUnavailableHorizon bounds how long a job may wait out provider
// downtime, measured from the job row's creation.
func WithUnavailableHorizon(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.horizon = d
		}
	}
}

func WithStaleAfter(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.staleAfter = d
		}
	}
}

func WithBlock(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.block = d
		}
	}
}

// WithTimeouts sets per-job-type LLM call timeouts. Types not in the
// map use the default.
func WithTimeouts(t map[bearmemori.JobType]time.Duration) Option {
	return func(w *Worker) { w.timeouts = t }
}

func WithDefaultTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.defaultTimeout = d
		}
	}
}

func WithReclaim(minIdle, interval time.Duration) Option {
	return func(w *Worker) {
		if minIdle > 0 {
			w.reclaimMinIdle = minIdle
		}
		if interval > 0 {
			w.reclaimInterval = interval
		}
	}
}

// WithMetrics enables job outcome instrumentation.
func WithMetrics(m JobMetrics) Option {
	return func(w *Worker) { w.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func New(bus bearmemori.Bus, core *client.Client, text, vision bearmemori.Provider, mediaStore *media.Store, opts ...Option) *Worker {
	w := &Worker{
		bus:             bus,
		core:            core,
		text:            text,
		vision:          vision,
		media:           mediaStore,
		logger:          nopLogger,
		consumer:        "worker-1",
		maxRetries:      defaultMaxRetries,
		horizon:         defaultHorizon,
		staleAfter:      defaultStaleAfter,
		block:           defaultBlock,
		defaultTimeout:  defaultTimeout,
		reclaimMinIdle:  defaultReclaimMinIdle,
		reclaimInterval: defaultReclaimInterval,
		pauseDelay:      defaultPauseDelay,
		locks:           newUserLocks(),
		attempts:        make(map[string]int),
		notified:        make(map[string]bool),
		paused:          make(map[string]bool),
		now:             time.Now,
		after:           time.After,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes until ctx is cancelled: one goroutine per LLM stream
// plus a reclaim loop that adopts messages from dead consumers.
func (w *Worker) Run(ctx context.Context) error {
	for _, stream := range bearmemori.LLMStreams() {
		if err := w.bus.CreateGroup(ctx, stream, bearmemori.GroupLLMWorker); err != nil {
			return err
		}
	}
	// The worker publishes notifications as well; make sure the
	// gateway's group exists before the first one goes out.
	if err := w.bus.CreateGroup(ctx, bearmemori.StreamNotifyTelegram, bearmemori.GroupTelegram); err != nil {
		return err
	}
	var wg sync.WaitGroup
	for _, stream := range bearmemori.LLMStreams() {
		wg.Add(1)
		go func(stream string) {
			defer wg.Done()
			w.consumeLoop(ctx, stream)
		}(stream)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.reclaimLoop(ctx)
	}()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, stream string) {
	for ctx.Err() == nil {
		var (
			msgs []bearmemori.BusMessage
			err  error
		)
		if w.isPaused(stream) {
			msgs, err = w.bus.ConsumePending(ctx, stream, bearmemori.GroupLLMWorker, w.consumer, 1)
			if err == nil && len(msgs) == 0 {
				// Nothing of ours left pending; resume normal reads.
				w.setPaused(stream, false)
				continue
			}
		} else {
			msgs, err = w.bus.Consume(ctx, stream, bearmemori.GroupLLMWorker, w.consumer, 1, w.block)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("worker: stream read failed", "stream", stream, "error", err)
			w.wait(ctx, w.pauseDelay)
			continue
		}
		for _, m := range msgs {
			w.handleMessage(ctx, m)
		}
		if w.isPaused(stream) {
			// Redelivery pacing while the provider is down.
			w.wait(ctx, w.pauseDelay)
		}
	}
}

func (w *Worker) reclaimLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.after(w.reclaimInterval):
		}
		for _, stream := range bearmemori.LLMStreams() {
			msgs, err := w.bus.Claim(ctx, stream, bearmemori.GroupLLMWorker, w.consumer, w.reclaimMinIdle, 16)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Warn("worker: reclaim failed", "stream", stream, "error", err)
				continue
			}
			if len(msgs) > 0 {
				w.logger.Info("worker: reclaimed messages", "stream", stream, "count", len(msgs))
			}
			for _, m := range msgs {
				w.handleMessage(ctx, m)
			}
		}
	}
}

// handleMessage decodes, drops stale deliveries, and processes the job
// under the owner's lock so one user's jobs run strictly in order.
func (w *Worker) handleMessage(ctx context.Context, m bearmemori.BusMessage) {
	env, err := bearmemori.ParseJobEntry(m.Values)
	if err != nil {
		w.logger.Warn("worker: discarding malformed entry", "stream", m.Stream, "id", m.ID, "error", err)
		w.ack(ctx, m)
		return
	}
	if ts, terr := m.Time(); terr == nil && w.now().Sub(ts) > w.staleAfter {
		// The job row stays queued; the housekeeping sweep republishes
		// it if still wanted.
		w.logger.Info("worker: discarding stale message", "stream", m.Stream, "id", m.ID, "job_id", env.JobID)
		w.ack(ctx, m)
		w.forget(m.ID)
		return
	}

	unlock := w.locks.Lock(env.UserID)
	defer unlock()
	w.process(ctx, m, env)
}

func (w *Worker) process(ctx context.Context, m bearmemori.BusMessage, env bearmemori.JobEnvelope) {
	job, err := w.core.GetJob(ctx, env.JobID)
	if err != nil {
		var nf *bearmemori.NotFoundError
		if errors.As(err, &nf) {
			w.logger.Warn("worker: job row missing", "job_id", env.JobID)
			w.ack(ctx, m)
			w.forget(m.ID)
			return
		}
		w.unavailable(ctx, m, env, env.CreatedAt, err)
		return
	}
	// Redelivered after a crash mid-completion, or raced by another
	// consumer.
	if job.Terminal() {
		w.ack(ctx, m)
		w.forget(m.ID)
		return
	}
	if job.Status == bearmemori.JobQueued {
		if _, err := w.core.MarkJobProcessing(ctx, env.JobID); err != nil {
			w.unavailable(ctx, m, env, job.CreatedAt, err)
			return
		}
	}

	for {
		attempt := w.bumpAttempt(m.ID)
		result, notes, err := w.runHandler(ctx, env)
		if err == nil {
			if _, cerr := w.core.CompleteJob(ctx, env.JobID, result); cerr != nil {
				w.unavailable(ctx, m, env, job.CreatedAt, cerr)
				return
			}
			for _, n := range notes {
				w.notify(ctx, n)
			}
			w.recordOutcome(ctx, env, bearmemori.JobCompleted)
			w.ack(ctx, m)
			w.forget(m.ID)
			w.setPaused(m.Stream, false)
			return
		}
		if ctx.Err() != nil {
			// Shutdown; the unacked message redelivers.
			return
		}
		if classify(err) == kindUnavailable {
			w.unavailable(ctx, m, env, job.CreatedAt, err)
			return
		}
		if attempt >= w.maxRetries {
			w.fail(ctx, m, env, kindInvalidResponse, err)
			return
		}
		delay := time.Duration(1<<(attempt-1)) * time.Second
		w.logger.Warn("worker: retrying job", "job_id", env.JobID, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-w.after(delay):
		}
	}
}

// unavailable pauses the stream and leaves the message unacked so
// redelivery drives further attempts, until the job ages past the
// horizon.
func (w *Worker) unavailable(ctx context.Context, m bearmemori.BusMessage, env bearmemori.JobEnvelope, createdAt time.Time, cause error) {
	if !createdAt.IsZero() && w.now().Sub(createdAt) > w.horizon {
		w.fail(ctx, m, env, kindUnavailable, cause)
		return
	}
	w.setPaused(m.Stream, true)
	w.logger.Warn("worker: provider unavailable, stream paused",
		"stream", m.Stream, "job_id", env.JobID, "error", cause)
	if w.firstFailure(m.ID) {
		n, err := bearmemori.NewNotification(env.UserID, bearmemori.MsgLLMFailure, failureContent(env, cause))
		if err == nil {
			w.notify(ctx, n)
		}
	}
}

// fail is terminal: persist the failed status, tell the user, ack.
func (w *Worker) fail(ctx context.Context, m bearmemori.BusMessage, env bearmemori.JobEnvelope, kind string, cause error) {
	if _, err := w.core.FailJob(ctx, env.JobID, kind, cause.Error()); err != nil {
		// Leave the message pending so the failure is retried on
		// redelivery.
		w.logger.Error("worker: persisting job failure failed", "job_id", env.JobID, "error", err)
		return
	}
	msgType := bearmemori.MsgLLMFailure
	if kind == kindUnavailable {
		msgType = bearmemori.MsgLLMExpiry
	}
	if n, err := bearmemori.NewNotification(env.UserID, msgType, failureContent(env, cause)); err == nil {
		w.notify(ctx, n)
	}
	w.recordOutcome(ctx, env, bearmemori.JobFailed)
	w.ack(ctx, m)
	w.forget(m.ID)
}

// recordOutcome reports the queue-to-terminal latency when metrics are
// enabled.
func (w *Worker) recordOutcome(ctx context.Context, env bearmemori.JobEnvelope, status bearmemori.JobStatus) {
	if w.metrics == nil {
		return
	}
	var d time.Duration
	if !env.CreatedAt.IsZero() {
		d = w.now().Sub(env.CreatedAt)
	}
	w.metrics.RecordJob(ctx, env.JobType, status, d)
}

func failureContent(env bearmemori.JobEnvelope, cause error) any {
	return struct {
		JobID   string             `json:"job_id"`
		JobType bearmemori.JobType `json:"job_type"`
		Error   string             `json:"error"`
	}{env.JobID, env.JobType, cause.Error()}
}

func (w *Worker) notify(ctx context.Context, n bearmemori.Notification) {
	if _, err := w.bus.Publish(ctx, bearmemori.StreamNotifyTelegram, n.Entry()); err != nil {
		w.logger.Error("worker: notification publish failed",
			"user_id", n.UserID, "message_type", n.MessageType, "error", err)
	}
}

func (w *Worker) ack(ctx context.Context, m bearmemori.BusMessage) {
	if err := w.bus.Ack(ctx, m.Stream, bearmemori.GroupLLMWorker, m.ID); err != nil {
		w.logger.Error("worker: ack failed", "stream", m.Stream, "id", m.ID, "error", err)
	}
}

func (w *Worker) timeout(t bearmemori.JobType) time.Duration {
	if d, ok := w.timeouts[t]; ok && d > 0 {
		return d
	}
	return w.defaultTimeout
}

func (w *Worker) wait(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-w.after(d):
	}
}

// --- per-message bookkeeping ---

func (w *Worker) bumpAttempt(id string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts[id]++
	return w.attempts[id]
}

// firstFailure reports whether this message has not yet produced an
// llm_failure notification, and marks it.
func (w *Worker) firstFailure(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.notified[id] {
		return false
	}
	w.notified[id] = true
	return true
}

func (w *Worker) forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.attempts, id)
	delete(w.notified, id)
}

func (w *Worker) isPaused(stream string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused[stream]
}

func (w *Worker) setPaused(stream string, v bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if v {
		w.paused[stream] = true
	} else {
		delete(w.paused, stream)
	}
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

var nopLogger = slog.New(discardHandler{})

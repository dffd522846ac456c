package bearmemori

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Dispatcher hands work to the background worker fleet: one row in
// llm_jobs for durability, one stream entry for delivery.
type Dispatcher struct {
	store  Store
	bus    Bus
	logger *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// DispatcherLogger sets the structured logger (default: no output).
func DispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

func NewDispatcher(store Store, bus Bus, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{store: store, bus: bus, logger: nopLogger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch persists the job, then publishes its envelope to the stream
// for its type. The row commit is the source of truth: when the publish
// fails the job stays queued and the requeue sweep republishes it, so
// callers still get the created job back.
func (d *Dispatcher) Dispatch(ctx context.Context, jobType JobType, userID int64, payload any, actor string) (LLMJob, error) {
	stream, ok := StreamForJob(jobType)
	if !ok {
		return LLMJob{}, Validationf("unknown job type %q", jobType)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return LLMJob{}, fmt.Errorf("encode job payload: %w", err)
	}

	now := Now()
	job := LLMJob{
		ID:        NewID(),
		Type:      jobType,
		Payload:   raw,
		UserID:    userID,
		Status:    JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	job, err = d.store.CreateJob(ctx, job, actor)
	if err != nil {
		return LLMJob{}, fmt.Errorf("create job: %w", err)
	}

	if _, err := d.bus.Publish(ctx, stream, JobEntry(job)); err != nil {
		d.logger.Warn("dispatch: publish failed, job stays queued",
			"job_id", job.ID,
			"stream", stream,
			"error", err)
		return job, nil
	}
	d.logger.Debug("dispatch: job published",
		"job_id", job.ID,
		"job_type", job.Type,
		"stream", stream)
	return job, nil
}

// RequeueStuck republishes queued jobs whose last update is older than
// cutoff. Each job's updated_at is refreshed first, so a job that fails
// to publish again waits out another full grace period instead of being
// hammered every sweep.
func (d *Dispatcher) RequeueStuck(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	jobs, err := d.store.StuckJobs(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("select stuck jobs: %w", err)
	}
	requeued := 0
	for _, job := range jobs {
		stream, ok := StreamForJob(job.Type)
		if !ok {
			d.logger.Error("requeue: job has unknown type", "job_id", job.ID, "job_type", job.Type)
			continue
		}
		if _, err := d.store.RequeueJob(ctx, job.ID, "stream publish not acknowledged", ActorSystem); err != nil {
			d.logger.Error("requeue: mark failed", "job_id", job.ID, "error", err)
			continue
		}
		if _, err := d.bus.Publish(ctx, stream, JobEntry(job)); err != nil {
			d.logger.Warn("requeue: publish failed, will retry next sweep",
				"job_id", job.ID,
				"stream", stream,
				"error", err)
			continue
		}
		requeued++
	}
	if requeued > 0 {
		d.logger.Info("requeue: republished stuck jobs", "count", requeued)
	}
	return requeued, nil
}

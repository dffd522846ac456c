package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/bearmemori/bearmemori"
)

// RecordJob counts a job reaching a terminal status. The worker calls
// this once per completed or failed job.
func (i *Instruments) RecordJob(ctx context.Context, jobType bearmemori.JobType, status bearmemori.JobStatus, d time.Duration) {
	attrs := metric.WithAttributes(
		AttrJobType.String(string(jobType)),
		AttrJobStatus.String(string(status)),
	)
	i.JobsProcessed.Add(ctx, 1, attrs)
	i.JobDuration.Record(ctx, float64(d.Milliseconds()), attrs)
}

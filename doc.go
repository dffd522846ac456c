// Package bearmemori is the core of a personal knowledge-capture
// service: memories, tags, tasks, reminders, and calendar events for a
// small set of allowed users, enriched asynchronously by LLM jobs.
//
// The root package defines the domain types and the contracts the
// subpackages implement:
//
//   - [Store] — persistence (SQLite with FTS5 under store/sqlite)
//   - [Bus] — the job and notification streams (Redis under bus/redis)
//   - [Provider] — an LLM chat backend (provider/openaicompat)
//   - [Dispatcher] — persist-then-publish for LLM jobs
//   - [Scheduler] — the periodic housekeeping loop
//
// The HTTP surface lives in the api package; the stream consumer that
// runs the LLM handlers lives in worker. The two binaries under cmd
// wire them together:
//
//	bearmemori         the core service (API, store, scheduler)
//	bearmemori-worker  the LLM job consumer
//
// # Jobs
//
// Every LLM job is a row first and a stream entry second. The
// dispatcher persists the job as queued, then publishes a small
// envelope onto the stream for its type. Workers read the envelope,
// fetch the row through the core API, and record the outcome the same
// way, so a lost stream entry is never a lost job: housekeeping
// requeues any row that stays queued past its grace period.
//
// # Timestamps
//
// All times are UTC, millisecond precision, formatted with
// [TimeLayout]. [Now] and [FormatTime]/[ParseTime] are the only
// entry points; rows and wire payloads never carry anything else.
package bearmemori

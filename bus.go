package bearmemori

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Stream names and consumer groups. One stream per job type keeps slow
// job classes from starving fast ones.
const (
	StreamImageTag     = "llm:image_tag"
	StreamIntent       = "llm:intent"
	StreamFollowup     = "llm:followup"
	StreamTaskMatch    = "llm:task_match"
	StreamEmailExtract = "llm:email_extract"

	StreamNotifyTelegram = "notify:telegram"

	GroupLLMWorker = "llm-worker"
	GroupTelegram  = "telegram"
)

// LLMStreams lists the job streams in a stable order.
func LLMStreams() []string {
	return []string{
		StreamImageTag,
		StreamIntent,
		StreamFollowup,
		StreamTaskMatch,
		StreamEmailExtract,
	}
}

// StreamForJob maps a job type to its stream.
func StreamForJob(t JobType) (string, bool) {
	switch t {
	case JobImageTag:
		return StreamImageTag, true
	case JobIntentClassify:
		return StreamIntent, true
	case JobFollowup:
		return StreamFollowup, true
	case JobTaskMatch:
		return StreamTaskMatch, true
	case JobEmailExtract:
		return StreamEmailExtract, true
	}
	return "", false
}

// BusMessage is one delivered stream entry.
type BusMessage struct {
	ID     string
	Stream string
	Values map[string]string
}

// Time returns the wall-clock encoded in the entry ID.
func (m BusMessage) Time() (time.Time, error) {
	return ParseMessageTime(m.ID)
}

// Bus abstracts the message broker. Consume blocks up to block for new
// entries; ConsumePending rereads entries already delivered to this
// consumer but not yet acknowledged.
type Bus interface {
	Publish(ctx context.Context, stream string, values map[string]string) (string, error)
	CreateGroup(ctx context.Context, stream, group string) error
	Consume(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]BusMessage, error)
	ConsumePending(ctx context.Context, stream, group, consumer string, count int) ([]BusMessage, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	// Claim transfers entries idle for at least minIdle from dead
	// consumers in the group to this one.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]BusMessage, error)
	Ping(ctx context.Context) error
	Close() error
}

// ParseMessageTime extracts the timestamp from a stream entry ID of the
// form "<unix-ms>-<seq>".
func ParseMessageTime(id string) (time.Time, error) {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}, fmt.Errorf("malformed stream id %q", id)
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed stream id %q: %w", id, err)
	}
	return time.UnixMilli(n).UTC(), nil
}

// --- Stream entry codecs ---

// JobEntry flattens a job into stream entry values.
func JobEntry(j LLMJob) map[string]string {
	return map[string]string{
		"job_id":     j.ID,
		"job_type":   string(j.Type),
		"user_id":    strconv.FormatInt(j.UserID, 10),
		"payload":    string(j.Payload),
		"created_at": FormatTime(j.CreatedAt),
	}
}

// JobEnvelope is the decoded form of a job stream entry.
type JobEnvelope struct {
	JobID     string
	JobType   JobType
	UserID    int64
	Payload   json.RawMessage
	CreatedAt time.Time
}

// ParseJobEntry decodes stream entry values. Entries that do not carry
// the dispatch fields are rejected so a poisoned stream cannot wedge a
// consumer.
func ParseJobEntry(values map[string]string) (JobEnvelope, error) {
	env := JobEnvelope{
		JobID:   values["job_id"],
		JobType: JobType(values["job_type"]),
		Payload: json.RawMessage(values["payload"]),
	}
	if env.JobID == "" {
		return JobEnvelope{}, fmt.Errorf("job entry missing job_id")
	}
	if _, ok := StreamForJob(env.JobType); !ok {
		return JobEnvelope{}, fmt.Errorf("job entry %s: unknown job_type %q", env.JobID, env.JobType)
	}
	if v := values["user_id"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return JobEnvelope{}, fmt.Errorf("job entry %s: bad user_id %q", env.JobID, v)
		}
		env.UserID = n
	}
	if v := values["created_at"]; v != "" {
		t, err := ParseTime(v)
		if err != nil {
			return JobEnvelope{}, fmt.Errorf("job entry %s: bad created_at %q", env.JobID, v)
		}
		env.CreatedAt = t
	}
	return env, nil
}

// Entry flattens a notification into stream entry values for the
// delivery gateway.
func (n Notification) Entry() map[string]string {
	return map[string]string{
		"user_id":      strconv.FormatInt(n.UserID, 10),
		"message_type": string(n.MessageType),
		"content":      string(n.Content),
	}
}

package bearmemori

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseMessageTime(t *testing.T) {
	got, err := ParseMessageTime("1739145600000-0")
	if err != nil {
		t.Fatalf("ParseMessageTime: %v", err)
	}
	want := time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseMessageTimeMalformed(t *testing.T) {
	for _, id := range []string{"", "12345", "abc-0", "-0"} {
		if _, err := ParseMessageTime(id); err == nil {
			t.Errorf("ParseMessageTime(%q): expected error", id)
		}
	}
}

func TestJobEntryRoundTrip(t *testing.T) {
	created := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	job := LLMJob{
		ID:        "job-1",
		Type:      JobImageTag,
		UserID:    42,
		Payload:   json.RawMessage(`{"memory_id":"m-1"}`),
		CreatedAt: created,
	}

	env, err := ParseJobEntry(JobEntry(job))
	if err != nil {
		t.Fatalf("ParseJobEntry: %v", err)
	}
	if env.JobID != "job-1" || env.JobType != JobImageTag || env.UserID != 42 {
		t.Errorf("envelope fields wrong: %+v", env)
	}
	if string(env.Payload) != `{"memory_id":"m-1"}` {
		t.Errorf("payload changed: %s", env.Payload)
	}
	if !env.CreatedAt.Equal(created) {
		t.Errorf("created_at changed: got %v, want %v", env.CreatedAt, created)
	}
}

func TestParseJobEntryRejectsBadEntries(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]string
	}{
		{"missing job_id", map[string]string{"job_type": "image_tag"}},
		{"unknown job_type", map[string]string{"job_id": "j", "job_type": "mystery"}},
		{"bad user_id", map[string]string{"job_id": "j", "job_type": "image_tag", "user_id": "forty-two"}},
		{"bad created_at", map[string]string{"job_id": "j", "job_type": "image_tag", "created_at": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseJobEntry(tt.values); err == nil {
				t.Errorf("expected error for %v", tt.values)
			}
		})
	}
}

func TestStreamForJobCoversAllTypes(t *testing.T) {
	types := []JobType{JobImageTag, JobIntentClassify, JobFollowup, JobTaskMatch, JobEmailExtract}
	seen := map[string]bool{}
	for _, jt := range types {
		stream, ok := StreamForJob(jt)
		if !ok {
			t.Errorf("StreamForJob(%q) not mapped", jt)
			continue
		}
		if seen[stream] {
			t.Errorf("stream %q mapped twice", stream)
		}
		seen[stream] = true
	}
	if _, ok := StreamForJob("mystery"); ok {
		t.Error("unknown job type should not map")
	}
}

func TestNotificationEntry(t *testing.T) {
	n, err := NewNotification(42, MsgReminder, map[string]any{"text": "buy butter"})
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	entry := n.Entry()
	if entry["user_id"] != "42" {
		t.Errorf("user_id = %q", entry["user_id"])
	}
	if entry["message_type"] != "reminder" {
		t.Errorf("message_type = %q", entry["message_type"])
	}
	var content map[string]string
	if err := json.Unmarshal([]byte(entry["content"]), &content); err != nil {
		t.Fatalf("content not JSON: %v", err)
	}
	if content["text"] != "buy butter" {
		t.Errorf("content = %v", content)
	}
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bearmemori/bearmemori"
	"github.com/bearmemori/bearmemori/api"
	"github.com/bearmemori/bearmemori/client"
	"github.com/bearmemori/bearmemori/media"
	"github.com/bearmemori/bearmemori/store/sqlite"
)

// recordingBus captures publishes and acks; consume paths are unused by
// handleMessage-level tests.
type recordingBus struct {
	mu        sync.Mutex
	published []busEntry
	acked     []string
	groups    []string
}

type busEntry struct {
	Stream string
	Values map[string]string
}

func (b *recordingBus) Publish(_ context.Context, stream string, values map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, busEntry{Stream: stream, Values: values})
	return fmt.Sprintf("%d-0", time.Now().UnixMilli()), nil
}

func (b *recordingBus) CreateGroup(_ context.Context, stream, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.groups = append(b.groups, stream+"/"+group)
	return nil
}
func (b *recordingBus) Consume(context.Context, string, string, string, int, time.Duration) ([]bearmemori.BusMessage, error) {
	return nil, nil
}
func (b *recordingBus) ConsumePending(context.Context, string, string, string, int) ([]bearmemori.BusMessage, error) {
	return nil, nil
}
func (b *recordingBus) Ack(_ context.Context, _, _ string, ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, ids...)
	return nil
}
func (b *recordingBus) Claim(context.Context, string, string, string, time.Duration, int) ([]bearmemori.BusMessage, error) {
	return nil, nil
}
func (b *recordingBus) Ping(context.Context) error { return nil }
func (b *recordingBus) Close() error               { return nil }

func (b *recordingBus) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = nil
	b.acked = nil
}

func (b *recordingBus) notifications() []busEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []busEntry
	for _, e := range b.published {
		if e.Stream == bearmemori.StreamNotifyTelegram {
			out = append(out, e)
		}
	}
	return out
}

func (b *recordingBus) ackCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.acked)
}

// fakeProvider scripts Chat responses.
type fakeProvider struct {
	mu      sync.Mutex
	calls   int
	lastReq bearmemori.ChatRequest
	fn      func(req bearmemori.ChatRequest) (bearmemori.ChatResponse, error)
}

func (p *fakeProvider) Chat(_ context.Context, req bearmemori.ChatRequest) (bearmemori.ChatResponse, error) {
	p.mu.Lock()
	p.calls++
	p.lastReq = req
	fn := p.fn
	p.mu.Unlock()
	if fn == nil {
		return bearmemori.ChatResponse{}, errors.New("no scripted response")
	}
	return fn(req)
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func respondJSON(s string) func(bearmemori.ChatRequest) (bearmemori.ChatResponse, error) {
	return func(bearmemori.ChatRequest) (bearmemori.ChatResponse, error) {
		return bearmemori.ChatResponse{Content: s}, nil
	}
}

type workerEnv struct {
	store      *sqlite.Store
	bus        *recordingBus
	text       *fakeProvider
	vision     *fakeProvider
	media      *media.Store
	dispatcher *bearmemori.Dispatcher
	w          *Worker
}

func newWorkerEnv(t *testing.T) *workerEnv {
	t.Helper()
	s := sqlite.New(filepath.Join(t.TempDir(), "core.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { s.Close() }) //nolint:errcheck

	m, err := media.New(t.TempDir())
	if err != nil {
		t.Fatalf("media store: %v", err)
	}
	bus := &recordingBus{}
	dispatcher := bearmemori.NewDispatcher(s, bus)
	ts := httptest.NewServer(api.New(s, dispatcher, api.WithMedia(m)).Router())
	t.Cleanup(ts.Close)

	env := &workerEnv{
		store:      s,
		bus:        bus,
		text:       &fakeProvider{},
		vision:     &fakeProvider{},
		media:      m,
		dispatcher: dispatcher,
	}
	env.w = New(bus, client.New(ts.URL), env.text, env.vision, m, WithConsumerName("test-1"))
	// Backoffs collapse to zero in tests.
	env.w.after = func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time)
		close(ch)
		return ch
	}
	return env
}

func (e *workerEnv) seedUser(t *testing.T, id int64) int64 {
	t.Helper()
	ctx := context.Background()
	if _, err := e.store.UpsertUser(ctx, bearmemori.User{ID: id, DisplayName: "tester"}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	if _, err := e.store.SetUserAllowed(ctx, id, true, bearmemori.ActorSystem); err != nil {
		t.Fatalf("allow user: %v", err)
	}
	return id
}

func (e *workerEnv) dispatch(t *testing.T, jobType bearmemori.JobType, userID int64, payload any) bearmemori.LLMJob {
	t.Helper()
	job, err := e.dispatcher.Dispatch(context.Background(), jobType, userID, payload, bearmemori.ActorSystem)
	if err != nil {
		t.Fatalf("dispatch %s: %v", jobType, err)
	}
	e.bus.reset()
	return job
}

func message(job bearmemori.LLMJob) bearmemori.BusMessage {
	stream, _ := bearmemori.StreamForJob(job.Type)
	return bearmemori.BusMessage{
		ID:     fmt.Sprintf("%d-0", time.Now().UnixMilli()),
		Stream: stream,
		Values: bearmemori.JobEntry(job),
	}
}

func TestIntentClassifyCompletes(t *testing.T) {
	e := newWorkerEnv(t)
	owner := e.seedUser(t, 7)
	job := e.dispatch(t, bearmemori.JobIntentClassify, owner, bearmemori.IntentPayload{
		Text:      "remind me to call mom tomorrow at 9",
		Timestamp: bearmemori.Now(),
	})
	e.text.fn = respondJSON(`{"intent":"reminder","extracted":{"subject":"call mom","when":"2999-01-01T09:00:00Z"}}`)

	e.w.handleMessage(context.Background(), message(job))

	got, err := e.store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != bearmemori.JobCompleted {
		t.Fatalf("status = %q, error = %q", got.Status, got.ErrorMessage)
	}
	var res bearmemori.IntentResult
	if err := json.Unmarshal(got.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Intent != bearmemori.IntentReminder || res.Stale {
		t.Errorf("result = %+v", res)
	}
	notes := e.bus.notifications()
	if len(notes) != 1 || notes[0].Values["message_type"] != string(bearmemori.MsgIntentResult) {
		t.Errorf("notifications = %+v", notes)
	}
	if e.bus.ackCount() != 1 {
		t.Errorf("acks = %d", e.bus.ackCount())
	}
}

func TestIntentClassifyStaleTime(t *testing.T) {
	e := newWorkerEnv(t)
	owner := e.seedUser(t, 7)
	job := e.dispatch(t, bearmemori.JobIntentClassify, owner, bearmemori.IntentPayload{
		Text:      "remind me yesterday",
		Timestamp: bearmemori.Now(),
	})
	e.text.fn = respondJSON(`{"intent":"reminder","extracted":{"subject":"too late","when":"2001-01-01T09:00:00Z"}}`)

	e.w.handleMessage(context.Background(), message(job))

	got, _ := e.store.GetJob(context.Background(), job.ID)
	var res bearmemori.IntentResult
	if err := json.Unmarshal(got.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !res.Stale {
		t.Error("resolved past time not flagged stale")
	}
	var types []string
	for _, n := range e.bus.notifications() {
		types = append(types, n.Values["message_type"])
	}
	want := []string{string(bearmemori.MsgIntentResult), string(bearmemori.MsgStaleMessage)}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Errorf("notification types = %v, want %v", types, want)
	}
}

func TestStaleMessageDiscarded(t *testing.T) {
	e := newWorkerEnv(t)
	owner := e.seedUser(t, 7)
	job := e.dispatch(t, bearmemori.JobIntentClassify, owner, bearmemori.IntentPayload{
		Text: "hello", Timestamp: bearmemori.Now(),
	})
	m := message(job)
	m.ID = fmt.Sprintf("%d-0", time.Now().Add(-10*time.Minute).UnixMilli())

	e.w.handleMessage(context.Background(), m)

	if n := e.text.callCount(); n != 0 {
		t.Errorf("provider called %d times for a stale message", n)
	}
	got, _ := e.store.GetJob(context.Background(), job.ID)
	if got.Status != bearmemori.JobQueued {
		t.Errorf("status = %q, want queued", got.Status)
	}
	if e.bus.ackCount() != 1 {
		t.Errorf("stale message not acked")
	}
}

func TestTerminalJobSkipped(t *testing.T) {
	e := newWorkerEnv(t)
	owner := e.seedUser(t, 7)
	job := e.dispatch(t, bearmemori.JobIntentClassify, owner, bearmemori.IntentPayload{
		Text: "hello", Timestamp: bearmemori.Now(),
	})
	ctx := context.Background()
	if _, err := e.store.MarkJobProcessing(ctx, job.ID, bearmemori.ActorLLMWorker); err != nil {
		t.Fatal(err)
	}
	if _, err := e.store.CompleteJob(ctx, job.ID, json.RawMessage(`{}`), bearmemori.ActorLLMWorker); err != nil {
		t.Fatal(err)
	}

	e.w.handleMessage(ctx, message(job))

	if n := e.text.callCount(); n != 0 {
		t.Errorf("provider called %d times for a terminal job", n)
	}
	if e.bus.ackCount() != 1 {
		t.Error("redelivered terminal job not acked")
	}
}

func TestInvalidResponseRetriesThenFails(t *testing.T) {
	e := newWorkerEnv(t)
	owner := e.seedUser(t, 7)
	job := e.dispatch(t, bearmemori.JobIntentClassify, owner, bearmemori.IntentPayload{
		Text: "hello", Timestamp: bearmemori.Now(),
	})
	e.text.fn = respondJSON(`this is not json`)

	e.w.handleMessage(context.Background(), message(job))

	if n := e.text.callCount(); n != defaultMaxRetries {
		t.Errorf("attempts = %d, want %d", n, defaultMaxRetries)
	}
	got, _ := e.store.GetJob(context.Background(), job.ID)
	if got.Status != bearmemori.JobFailed {
		t.Fatalf("status = %q", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "decode") {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
	notes := e.bus.notifications()
	if len(notes) != 1 || notes[0].Values["message_type"] != string(bearmemori.MsgLLMFailure) {
		t.Errorf("notifications = %+v", notes)
	}
	if e.bus.ackCount() != 1 {
		t.Error("exhausted job not acked")
	}
}

func TestUnavailablePausesStream(t *testing.T) {
	e := newWorkerEnv(t)
	owner := e.seedUser(t, 7)
	job := e.dispatch(t, bearmemori.JobIntentClassify, owner, bearmemori.IntentPayload{
		Text: "hello", Timestamp: bearmemori.Now(),
	})
	e.text.fn = func(bearmemori.ChatRequest) (bearmemori.ChatResponse, error) {
		return bearmemori.ChatResponse{}, &bearmemori.ErrHTTP{Status: 503, Body: "overloaded"}
	}
	m := message(job)

	e.w.handleMessage(context.Background(), m)

	if !e.w.isPaused(m.Stream) {
		t.Error("stream not paused")
	}
	if e.bus.ackCount() != 0 {
		t.Error("unavailable message must stay pending")
	}
	got, _ := e.store.GetJob(context.Background(), job.ID)
	if got.Status != bearmemori.JobProcessing {
		t.Errorf("status = %q, want processing", got.Status)
	}
	if n := e.bus.notifications(); len(n) != 1 || n[0].Values["message_type"] != string(bearmemori.MsgLLMFailure) {
		t.Errorf("notifications = %+v", n)
	}

	// Redelivery while still down: no duplicate failure notification.
	e.w.handleMessage(context.Background(), m)
	if n := e.bus.notifications(); len(n) != 1 {
		t.Errorf("duplicate llm_failure: %+v", n)
	}

	// Recovery completes the job and unpauses.
	e.text.fn = respondJSON(`{"intent":"general_note"}`)
	e.w.handleMessage(context.Background(), m)
	if e.w.isPaused(m.Stream) {
		t.Error("stream still paused after success")
	}
	got, _ = e.store.GetJob(context.Background(), job.ID)
	if got.Status != bearmemori.JobCompleted {
		t.Errorf("status = %q", got.Status)
	}
}

func TestUnavailableHorizonExpires(t *testing.T) {
	e := newWorkerEnv(t)
	owner := e.seedUser(t, 7)
	job := e.dispatch(t, bearmemori.JobIntentClassify, owner, bearmemori.IntentPayload{
		Text: "hello", Timestamp: bearmemori.Now(),
	})
	e.text.fn = func(bearmemori.ChatRequest) (bearmemori.ChatResponse, error) {
		return bearmemori.ChatResponse{}, &bearmemori.ErrHTTP{Status: 503, Body: "down"}
	}
	// Pin the clock 15 days out so the job row is past the horizon
	// while the message itself reads as fresh.
	future := time.Now().Add(15 * 24 * time.Hour)
	e.w.now = func() time.Time { return future }
	m := message(job)
	m.ID = fmt.Sprintf("%d-0", future.UnixMilli())

	e.w.handleMessage(context.Background(), m)

	got, _ := e.store.GetJob(context.Background(), job.ID)
	if got.Status != bearmemori.JobFailed {
		t.Fatalf("status = %q", got.Status)
	}
	if n := e.bus.notifications(); len(n) != 1 || n[0].Values["message_type"] != string(bearmemori.MsgLLMExpiry) {
		t.Errorf("notifications = %+v", n)
	}
	if e.bus.ackCount() != 1 {
		t.Error("expired job not acked")
	}
}

func TestTaskMatchNotifiesOnlyConfident(t *testing.T) {
	e := newWorkerEnv(t)
	owner := e.seedUser(t, 7)
	ctx := context.Background()
	task, err := e.store.CreateTask(ctx, bearmemori.Task{
		OwnerUserID: owner,
		Description: "buy stamps",
	}, bearmemori.ActorUser(owner))
	if err != nil {
		t.Fatal(err)
	}

	job := e.dispatch(t, bearmemori.JobTaskMatch, owner, bearmemori.TaskMatchPayload{
		MemoryID: "m1", Content: "got the stamps today",
	})
	e.text.fn = respondJSON(fmt.Sprintf(`{"task_id":%q,"confidence":0.4}`, task.ID))
	e.w.handleMessage(ctx, message(job))

	got, _ := e.store.GetJob(ctx, job.ID)
	if got.Status != bearmemori.JobCompleted {
		t.Fatalf("status = %q, error = %q", got.Status, got.ErrorMessage)
	}
	if n := e.bus.notifications(); len(n) != 0 {
		t.Errorf("low-confidence match notified: %+v", n)
	}

	job = e.dispatch(t, bearmemori.JobTaskMatch, owner, bearmemori.TaskMatchPayload{
		MemoryID: "m1", Content: "got the stamps today",
	})
	e.text.fn = respondJSON(fmt.Sprintf(`{"task_id":%q,"confidence":0.92}`, task.ID))
	e.w.handleMessage(ctx, message(job))

	if n := e.bus.notifications(); len(n) != 1 || n[0].Values["message_type"] != string(bearmemori.MsgTaskMatchResult) {
		t.Errorf("notifications = %+v", n)
	}
}

func TestEmailExtractCreatesConfidentEvents(t *testing.T) {
	e := newWorkerEnv(t)
	owner := e.seedUser(t, 7)
	ctx := context.Background()

	job := e.dispatch(t, bearmemori.JobEmailExtract, owner, bearmemori.EmailExtractPayload{
		EmailID: "msg-1",
		Subject: "Your appointment",
		Body:    "Dentist on March 3rd at 10:00. Also maybe a sale sometime.",
	})
	e.text.fn = respondJSON(`{"events":[
		{"description":"Dentist appointment","event_time":"2027-03-03T10:00:00Z","confidence":0.95},
		{"description":"Sale","event_time":"2027-03-10T00:00:00Z","confidence":0.3}
	]}`)

	e.w.handleMessage(ctx, message(job))

	got, _ := e.store.GetJob(ctx, job.ID)
	if got.Status != bearmemori.JobCompleted {
		t.Fatalf("status = %q, error = %q", got.Status, got.ErrorMessage)
	}
	events, err := e.store.ListEvents(ctx, bearmemori.EventFilter{OwnerUserID: owner})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %+v", events)
	}
	ev := events[0]
	if ev.Status != bearmemori.EventPending || ev.SourceType != bearmemori.EventFromEmail {
		t.Errorf("event = %+v", ev)
	}
	if !ev.EventTime.Equal(time.Date(2027, 3, 3, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("event_time = %v", ev.EventTime)
	}
	if n := e.bus.notifications(); len(n) != 1 || n[0].Values["message_type"] != string(bearmemori.MsgEventConfirmation) {
		t.Errorf("notifications = %+v", n)
	}
}

func TestImageTagSuggestsAndDescribes(t *testing.T) {
	e := newWorkerEnv(t)
	owner := e.seedUser(t, 7)
	ctx := context.Background()

	// The API layer sets a pending expiry on image memories; mirror it
	// here so the store's validation of the fixture passes.
	expires := bearmemori.Now().Add(7 * 24 * time.Hour)
	mem, err := e.store.CreateMemory(ctx, bearmemori.Memory{
		OwnerUserID:      owner,
		MediaType:        "image",
		MediaFileID:      "tg-9",
		Status:           bearmemori.MemoryPending,
		PendingExpiresAt: &expires,
	}, nil, bearmemori.ActorUser(owner))
	if err != nil {
		t.Fatal(err)
	}
	path, err := e.media.Save(mem.ID, "jpg", strings.NewReader("fake image bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.store.AttachImage(ctx, mem.ID, "tg-9", path, bearmemori.ActorUser(owner)); err != nil {
		t.Fatal(err)
	}

	job := e.dispatch(t, bearmemori.JobImageTag, owner, bearmemori.ImageTagPayload{
		MemoryID: mem.ID,
		ImageRef: path,
	})
	e.vision.fn = respondJSON(`{"description":"A receipt from a hardware store","tags":["Receipt","hardware",""],"location":"Berlin"}`)

	e.w.handleMessage(ctx, message(job))

	got, _ := e.store.GetJob(ctx, job.ID)
	if got.Status != bearmemori.JobCompleted {
		t.Fatalf("status = %q, error = %q", got.Status, got.ErrorMessage)
	}
	if e.vision.callCount() != 1 || e.text.callCount() != 0 {
		t.Errorf("calls: vision=%d text=%d", e.vision.callCount(), e.text.callCount())
	}
	if len(e.vision.lastReq.Messages) != 2 || len(e.vision.lastReq.Messages[1].Images) != 1 {
		t.Fatalf("vision request = %+v", e.vision.lastReq)
	}

	tags, err := e.store.ListMemoryTags(ctx, mem.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 2 {
		t.Fatalf("tags = %+v", tags)
	}
	for _, tag := range tags {
		if tag.Status != bearmemori.TagSuggested {
			t.Errorf("tag %q status = %q", tag.Tag, tag.Status)
		}
		if tag.Tag != strings.ToLower(tag.Tag) {
			t.Errorf("tag %q not lowered", tag.Tag)
		}
	}

	updated, _ := e.store.GetMemory(ctx, mem.ID)
	if updated.Content != "A receipt from a hardware store" {
		t.Errorf("content = %q", updated.Content)
	}
}

func TestMalformedEntryAcked(t *testing.T) {
	e := newWorkerEnv(t)
	m := bearmemori.BusMessage{
		ID:     fmt.Sprintf("%d-0", time.Now().UnixMilli()),
		Stream: bearmemori.StreamIntent,
		Values: map[string]string{"garbage": "yes"},
	}
	e.w.handleMessage(context.Background(), m)
	if e.bus.ackCount() != 1 {
		t.Error("malformed entry must be acked so it cannot wedge the stream")
	}
}

func TestRunCreatesConsumerGroups(t *testing.T) {
	e := newWorkerEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	e.bus.mu.Lock()
	groups := append([]string(nil), e.bus.groups...)
	e.bus.mu.Unlock()

	want := map[string]bool{}
	for _, stream := range bearmemori.LLMStreams() {
		want[stream+"/"+bearmemori.GroupLLMWorker] = false
	}
	want[bearmemori.StreamNotifyTelegram+"/"+bearmemori.GroupTelegram] = false
	for _, g := range groups {
		if _, ok := want[g]; ok {
			want[g] = true
		}
	}
	for g, seen := range want {
		if !seen {
			t.Errorf("group %s not created on startup", g)
		}
	}
}

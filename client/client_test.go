package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bearmemori/bearmemori"
)

func TestJobTransitions(t *testing.T) {
	var gotActor string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/llm_jobs/job-1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotActor = r.Header.Get("X-Actor")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(bearmemori.LLMJob{ //nolint:errcheck
			ID:     "job-1",
			Status: bearmemori.JobStatus(gotBody["status"].(string)),
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	j, err := c.MarkJobProcessing(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("MarkJobProcessing: %v", err)
	}
	if j.Status != bearmemori.JobProcessing {
		t.Errorf("status = %q", j.Status)
	}
	if gotActor != bearmemori.ActorLLMWorker {
		t.Errorf("actor header = %q", gotActor)
	}

	if _, err := c.FailJob(context.Background(), "job-1", "invalid_response", "bad schema"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if gotBody["error_kind"] != "invalid_response" || gotBody["error_message"] != "bad schema" {
		t.Errorf("fail body = %v", gotBody)
	}
}

func TestTypedErrorsRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"validation", http.StatusBadRequest, func(err error) bool {
			var e *bearmemori.ValidationError
			return errors.As(err, &e)
		}},
		{"not found", http.StatusNotFound, func(err error) bool {
			var e *bearmemori.NotFoundError
			return errors.As(err, &e)
		}},
		{"conflict", http.StatusConflict, func(err error) bool {
			var e *bearmemori.ConflictError
			return errors.As(err, &e)
		}},
		{"server error", http.StatusInternalServerError, func(err error) bool {
			var e *bearmemori.ErrHTTP
			return errors.As(err, &e) && e.Status == http.StatusInternalServerError
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(`{"error":"nope"}`)) //nolint:errcheck
			}))
			defer srv.Close()

			c := New(srv.URL)
			_, err := c.GetJob(context.Background(), "x")
			if err == nil || !tc.check(err) {
				t.Errorf("err = %v, wrong type for status %d", err, tc.status)
			}
		})
	}
}

func TestOpenTasksQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tasks" {
			t.Errorf("path = %q", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("owner") != "42" || q.Get("state") != "NOT_DONE" {
			t.Errorf("query = %v", q)
		}
		w.Write([]byte(`{"tasks":[{"id":"t1","owner_user_id":42,"description":"Vitamins","state":"NOT_DONE"}]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	tasks, err := New(srv.URL).OpenTasks(context.Background(), 42)
	if err != nil {
		t.Fatalf("OpenTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t1" {
		t.Errorf("tasks = %+v", tasks)
	}
}

func TestPutTags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/memories/m1/tags" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req tagsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if len(req.Tags) != 2 || req.Tags[0].Status != bearmemori.TagSuggested {
			t.Errorf("tags = %+v", req.Tags)
		}
		json.NewEncoder(w).Encode(map[string]any{"tags": req.Tags}) //nolint:errcheck
	}))
	defer srv.Close()

	tags, err := New(srv.URL).PutTags(context.Background(), "m1", []bearmemori.MemoryTag{
		{Tag: "receipt", Status: bearmemori.TagSuggested},
		{Tag: "butter", Status: bearmemori.TagSuggested},
	})
	if err != nil {
		t.Fatalf("PutTags: %v", err)
	}
	if len(tags) != 2 {
		t.Errorf("tags = %+v", tags)
	}
}

func TestGetRetriesTransient(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(bearmemori.LLMJob{ID: "j1", Status: bearmemori.JobQueued}) //nolint:errcheck
	}))
	defer srv.Close()

	job, err := New(srv.URL).GetJob(context.Background(), "j1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.ID != "j1" {
		t.Errorf("job = %+v", job)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

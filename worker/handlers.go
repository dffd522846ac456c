package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/bearmemori/bearmemori"
	"github.com/bearmemori/bearmemori/media"
)

// notifyThreshold gates low-confidence model output from reaching the
// user for task_match and email_extract.
const notifyThreshold = 0.7

// runHandler dispatches the job to its handler and returns the result
// document plus the notifications to publish on success.
func (w *Worker) runHandler(ctx context.Context, env bearmemori.JobEnvelope) (json.RawMessage, []bearmemori.Notification, error) {
	switch env.JobType {
	case bearmemori.JobImageTag:
		return w.handleImageTag(ctx, env)
	case bearmemori.JobIntentClassify:
		return w.handleIntentClassify(ctx, env)
	case bearmemori.JobFollowup:
		return w.handleFollowup(ctx, env)
	case bearmemori.JobTaskMatch:
		return w.handleTaskMatch(ctx, env)
	case bearmemori.JobEmailExtract:
		return w.handleEmailExtract(ctx, env)
	}
	return nil, nil, fmt.Errorf("no handler for job type %q", env.JobType)
}

func (w *Worker) handleImageTag(ctx context.Context, env bearmemori.JobEnvelope) (json.RawMessage, []bearmemori.Notification, error) {
	var p bearmemori.ImageTagPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, nil, fmt.Errorf("decode image_tag payload: %w", err)
	}
	raw, err := w.media.Read(p.ImageRef)
	if err != nil {
		return nil, nil, fmt.Errorf("read image %s: %w", p.ImageRef, err)
	}

	userText := "Describe and tag this image."
	if p.Caption != "" {
		userText = "The owner captioned this image: " + p.Caption
	}
	req := bearmemori.ChatRequest{
		Messages: []bearmemori.ChatMessage{
			bearmemori.SystemMessage(imageTagPrompt),
			{
				Role:    "user",
				Content: userText,
				Images: []bearmemori.ImageData{{
					MimeType: media.MimeForPath(p.ImageRef),
					Base64:   base64.StdEncoding.EncodeToString(raw),
				}},
			},
		},
		Schema: imageTagSchema,
	}
	var out bearmemori.ImageTagResult
	if err := w.chat(ctx, w.vision, env.JobType, req, &out); err != nil {
		return nil, nil, err
	}
	if out.Description == "" {
		return nil, nil, fmt.Errorf("image_tag result missing description")
	}

	tags := make([]bearmemori.MemoryTag, 0, len(out.Tags))
	for _, t := range out.Tags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			tags = append(tags, bearmemori.MemoryTag{Tag: t, Status: bearmemori.TagSuggested})
		}
	}
	if len(tags) > 0 {
		if _, err := w.core.PutTags(ctx, p.MemoryID, tags); err != nil {
			return nil, nil, fmt.Errorf("store suggested tags: %w", err)
		}
	}
	if p.Caption == "" {
		if _, err := w.core.UpdateMemoryContent(ctx, p.MemoryID, out.Description); err != nil {
			return nil, nil, fmt.Errorf("set memory description: %w", err)
		}
	}

	result, err := json.Marshal(out)
	if err != nil {
		return nil, nil, err
	}
	n, err := bearmemori.NewNotification(env.UserID, bearmemori.MsgImageTagResult, struct {
		MemoryID string `json:"memory_id"`
		bearmemori.ImageTagResult
	}{p.MemoryID, out})
	if err != nil {
		return nil, nil, err
	}
	return result, []bearmemori.Notification{n}, nil
}

func (w *Worker) handleIntentClassify(ctx context.Context, env bearmemori.JobEnvelope) (json.RawMessage, []bearmemori.Notification, error) {
	var p bearmemori.IntentPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, nil, fmt.Errorf("decode intent_classify payload: %w", err)
	}
	req := bearmemori.ChatRequest{
		Messages: []bearmemori.ChatMessage{
			bearmemori.SystemMessage(intentPrompt),
			bearmemori.UserMessage(fmt.Sprintf("Sent at %s:\n%s", p.Timestamp.Format(time.RFC3339), p.Text)),
		},
		Schema: intentSchema,
	}
	var out bearmemori.IntentResult
	if err := w.chat(ctx, w.text, env.JobType, req, &out); err != nil {
		return nil, nil, err
	}
	switch out.Intent {
	case bearmemori.IntentReminder, bearmemori.IntentTask, bearmemori.IntentSearch,
		bearmemori.IntentGeneralNote, bearmemori.IntentAmbiguous:
	default:
		return nil, nil, fmt.Errorf("intent result carries unknown intent %q", out.Intent)
	}

	// A resolved time already in the past cannot become a reminder; the
	// gateway offers reschedule or dismiss instead.
	if out.Extracted != nil && out.Extracted.When != "" {
		if when, err := parseWhen(out.Extracted.When); err == nil && when.Before(w.now()) {
			out.Stale = true
		}
	}

	result, err := json.Marshal(out)
	if err != nil {
		return nil, nil, err
	}
	content := struct {
		MemoryID string `json:"memory_id,omitempty"`
		Text     string `json:"text"`
		bearmemori.IntentResult
	}{p.MemoryID, p.Text, out}
	n, err := bearmemori.NewNotification(env.UserID, bearmemori.MsgIntentResult, content)
	if err != nil {
		return nil, nil, err
	}
	notes := []bearmemori.Notification{n}
	if out.Stale {
		stale, err := bearmemori.NewNotification(env.UserID, bearmemori.MsgStaleMessage, content)
		if err != nil {
			return nil, nil, err
		}
		notes = append(notes, stale)
	}
	return result, notes, nil
}

func (w *Worker) handleFollowup(ctx context.Context, env bearmemori.JobEnvelope) (json.RawMessage, []bearmemori.Notification, error) {
	var p bearmemori.FollowupPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, nil, fmt.Errorf("decode followup payload: %w", err)
	}
	userText := "Message: " + p.OriginalText
	if p.Context != "" {
		userText += "\nContext: " + p.Context
	}
	req := bearmemori.ChatRequest{
		Messages: []bearmemori.ChatMessage{
			bearmemori.SystemMessage(followupPrompt),
			bearmemori.UserMessage(userText),
		},
		Schema: followupSchema,
	}
	var out bearmemori.FollowupResult
	if err := w.chat(ctx, w.text, env.JobType, req, &out); err != nil {
		return nil, nil, err
	}
	if out.Question == "" {
		return nil, nil, fmt.Errorf("followup result missing question")
	}

	result, err := json.Marshal(out)
	if err != nil {
		return nil, nil, err
	}
	n, err := bearmemori.NewNotification(env.UserID, bearmemori.MsgFollowupResult, out)
	if err != nil {
		return nil, nil, err
	}
	return result, []bearmemori.Notification{n}, nil
}

func (w *Worker) handleTaskMatch(ctx context.Context, env bearmemori.JobEnvelope) (json.RawMessage, []bearmemori.Notification, error) {
	var p bearmemori.TaskMatchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, nil, fmt.Errorf("decode task_match payload: %w", err)
	}
	tasks, err := w.core.OpenTasks(ctx, env.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch open tasks: %w", err)
	}
	out := bearmemori.TaskMatchResult{}
	if len(tasks) > 0 {
		var sb strings.Builder
		sb.WriteString("Message: ")
		sb.WriteString(p.Content)
		sb.WriteString("\nOpen tasks:\n")
		for _, t := range tasks {
			fmt.Fprintf(&sb, "- id=%s: %s\n", t.ID, t.Description)
		}
		req := bearmemori.ChatRequest{
			Messages: []bearmemori.ChatMessage{
				bearmemori.SystemMessage(taskMatchPrompt),
				bearmemori.UserMessage(sb.String()),
			},
			Schema: taskMatchSchema,
		}
		if err := w.chat(ctx, w.text, env.JobType, req, &out); err != nil {
			return nil, nil, err
		}
		if out.Confidence < 0 || out.Confidence > 1 {
			return nil, nil, fmt.Errorf("task_match confidence %v out of range", out.Confidence)
		}
	}

	result, err := json.Marshal(out)
	if err != nil {
		return nil, nil, err
	}
	var notes []bearmemori.Notification
	if out.TaskID != "" && out.Confidence > notifyThreshold {
		n, err := bearmemori.NewNotification(env.UserID, bearmemori.MsgTaskMatchResult, struct {
			MemoryID string `json:"memory_id"`
			bearmemori.TaskMatchResult
		}{p.MemoryID, out})
		if err != nil {
			return nil, nil, err
		}
		notes = append(notes, n)
	}
	return result, notes, nil
}

func (w *Worker) handleEmailExtract(ctx context.Context, env bearmemori.JobEnvelope) (json.RawMessage, []bearmemori.Notification, error) {
	var p bearmemori.EmailExtractPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, nil, fmt.Errorf("decode email_extract payload: %w", err)
	}
	body := reduceEmailBody(p.Body)

	req := bearmemori.ChatRequest{
		Messages: []bearmemori.ChatMessage{
			bearmemori.SystemMessage(emailExtractPrompt),
			bearmemori.UserMessage(fmt.Sprintf("Subject: %s\n\n%s", p.Subject, body)),
		},
		Schema: emailExtractSchema,
	}
	var out bearmemori.EmailExtractResult
	if err := w.chat(ctx, w.text, env.JobType, req, &out); err != nil {
		return nil, nil, err
	}

	var notes []bearmemori.Notification
	for _, ev := range out.Events {
		if ev.Confidence <= notifyThreshold {
			continue
		}
		when, err := parseWhen(ev.EventTime)
		if err != nil {
			w.logger.Warn("worker: skipping event with unparseable time",
				"job_id", env.JobID, "event_time", ev.EventTime)
			continue
		}
		created, err := w.core.CreateEvent(ctx, bearmemori.Event{
			OwnerUserID:  env.UserID,
			Description:  ev.Description,
			EventTime:    when,
			SourceType:   bearmemori.EventFromEmail,
			SourceDetail: p.Subject,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create event: %w", err)
		}
		n, err := bearmemori.NewNotification(env.UserID, bearmemori.MsgEventConfirmation, created)
		if err != nil {
			return nil, nil, err
		}
		notes = append(notes, n)
	}

	result, err := json.Marshal(out)
	if err != nil {
		return nil, nil, err
	}
	return result, notes, nil
}

// chat runs one structured LLM call under the job type's timeout and
// decodes the JSON document into out.
func (w *Worker) chat(ctx context.Context, p bearmemori.Provider, jobType bearmemori.JobType, req bearmemori.ChatRequest, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, w.timeout(jobType))
	defer cancel()
	resp, err := p.Chat(callCtx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(trimFences(resp.Content)), out); err != nil {
		return fmt.Errorf("decode %s result: %w", jobType, err)
	}
	return nil
}

// trimFences strips a markdown code fence some models wrap around JSON
// even under schema constraints.
func trimFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

// parseWhen accepts the timestamp shapes models actually emit.
func parseWhen(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}

// reduceEmailBody strips an HTML email down to readable text before it
// goes into the prompt. Plain text passes through.
func reduceEmailBody(body string) string {
	if !strings.Contains(body, "<") || !strings.Contains(body, ">") {
		return body
	}
	u, _ := url.Parse("message://inbox")
	article, err := readability.FromReader(strings.NewReader(body), u)
	if err != nil || strings.TrimSpace(article.TextContent) == "" {
		return body
	}
	return strings.TrimSpace(article.TextContent)
}

package bearmemori

import (
	"encoding/json"
	"fmt"
	"time"
)

// --- Domain types (database records) ---

type User struct {
	ID          int64     `json:"user_id"`
	DisplayName string    `json:"display_name"`
	IsAllowed   bool      `json:"is_allowed"`
	CreatedAt   time.Time `json:"created_at"`
}

type UserSettings struct {
	UserID    int64     `json:"user_id"`
	Timezone  string    `json:"timezone"` // IANA name, e.g. "Europe/Berlin"
	Language  string    `json:"language"` // BCP 47 tag, e.g. "en"
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type MemoryStatus string

const (
	MemoryConfirmed MemoryStatus = "confirmed"
	MemoryPending   MemoryStatus = "pending"
)

type Memory struct {
	ID               string       `json:"id"`
	OwnerUserID      int64        `json:"owner_user_id"`
	SourceChatID     string       `json:"source_chat_id,omitempty"`
	SourceMessageID  string       `json:"source_message_id,omitempty"`
	Content          string       `json:"content,omitempty"`
	MediaType        string       `json:"media_type,omitempty"` // "image" or empty
	MediaFileID      string       `json:"media_file_id,omitempty"`
	MediaLocalPath   string       `json:"media_local_path,omitempty"`
	Status           MemoryStatus `json:"status"`
	PendingExpiresAt *time.Time   `json:"pending_expires_at,omitempty"`
	IsPinned         bool         `json:"is_pinned"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

type TagStatus string

const (
	TagConfirmed TagStatus = "confirmed"
	TagSuggested TagStatus = "suggested"
)

type MemoryTag struct {
	MemoryID    string     `json:"memory_id"`
	Tag         string     `json:"tag"`
	Status      TagStatus  `json:"status"`
	SuggestedAt *time.Time `json:"suggested_at,omitempty"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

type TaskState string

const (
	TaskNotDone TaskState = "NOT_DONE"
	TaskDone    TaskState = "DONE"
)

type Task struct {
	ID                string     `json:"id"`
	MemoryID          string     `json:"memory_id,omitempty"`
	OwnerUserID       int64      `json:"owner_user_id"`
	Description       string     `json:"description"`
	State             TaskState  `json:"state"`
	DueAt             *time.Time `json:"due_at,omitempty"`
	RecurrenceMinutes *int64     `json:"recurrence_minutes,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

type Reminder struct {
	ID                string     `json:"id"`
	MemoryID          string     `json:"memory_id,omitempty"`
	OwnerUserID       int64      `json:"owner_user_id"`
	FireAt            time.Time  `json:"fire_at"`
	RecurrenceMinutes *int64     `json:"recurrence_minutes,omitempty"`
	Fired             bool       `json:"fired"`
	Text              string     `json:"text,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

type EventSource string

const (
	EventFromEmail  EventSource = "email"
	EventFromManual EventSource = "manual"
)

type EventStatus string

const (
	EventPending   EventStatus = "pending"
	EventConfirmed EventStatus = "confirmed"
	EventRejected  EventStatus = "rejected"
)

type Event struct {
	ID           string      `json:"id"`
	MemoryID     string      `json:"memory_id,omitempty"`
	OwnerUserID  int64       `json:"owner_user_id"`
	Description  string      `json:"description"`
	EventTime    time.Time   `json:"event_time"`
	SourceType   EventSource `json:"source_type"`
	SourceDetail string      `json:"source_detail,omitempty"`
	Status       EventStatus `json:"status"`
	PendingSince *time.Time  `json:"pending_since,omitempty"`
	ReminderID   string      `json:"reminder_id,omitempty"`
	ConfirmedAt  *time.Time  `json:"confirmed_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// --- Audit log ---

type AuditAction string

const (
	AuditCreated   AuditAction = "created"
	AuditConfirmed AuditAction = "confirmed"
	AuditDeleted   AuditAction = "deleted"
	AuditExpired   AuditAction = "expired"
	AuditFired     AuditAction = "fired"
	AuditUpdated   AuditAction = "updated"
	AuditRejected  AuditAction = "rejected"
	AuditRequeued  AuditAction = "requeued"
)

type AuditEntry struct {
	ID         int64           `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     AuditAction     `json:"action"`
	Actor      string          `json:"actor"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Audit actor strings. Every mutation records one of these.
const (
	ActorSystem    = "system"
	ActorLLMWorker = "llm_worker"
)

func ActorUser(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

// --- Background jobs ---

type JobType string

const (
	JobImageTag       JobType = "image_tag"
	JobIntentClassify JobType = "intent_classify"
	JobFollowup       JobType = "followup"
	JobTaskMatch      JobType = "task_match"
	JobEmailExtract   JobType = "email_extract"
)

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

type LLMJob struct {
	ID           string          `json:"id"`
	Type         JobType         `json:"job_type"`
	Payload      json.RawMessage `json:"payload"`
	UserID       int64           `json:"user_id,omitempty"`
	Status       JobStatus       `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Terminal reports whether the job has reached a final status.
func (j LLMJob) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// --- Job payloads (stored in llm_jobs.payload) ---

type ImageTagPayload struct {
	MemoryID string `json:"memory_id"`
	ImageRef string `json:"image_ref"` // local path under the image store
	Caption  string `json:"caption,omitempty"`
}

type IntentPayload struct {
	MemoryID  string    `json:"memory_id,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type FollowupPayload struct {
	OriginalText string `json:"original_text"`
	Context      string `json:"context,omitempty"`
}

type TaskMatchPayload struct {
	MemoryID string `json:"memory_id"`
	Content  string `json:"content"`
}

type EmailExtractPayload struct {
	EmailID string `json:"email_id,omitempty"`
	Subject string `json:"subject"`
	Body    string `json:"body"` // raw HTML or plain text
}

// --- Job results (stored in llm_jobs.result) ---

type ImageTagResult struct {
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Location    string   `json:"location,omitempty"`
}

// Intent labels produced by the text model.
const (
	IntentReminder    = "reminder"
	IntentTask        = "task"
	IntentSearch      = "search"
	IntentGeneralNote = "general_note"
	IntentAmbiguous   = "ambiguous"
)

type IntentResult struct {
	Intent    string            `json:"intent"`
	Tags      []string          `json:"tags,omitempty"`
	Extracted *IntentExtraction `json:"extracted,omitempty"`
	Stale     bool              `json:"stale,omitempty"`
}

type IntentExtraction struct {
	Subject    string   `json:"subject,omitempty"`
	When       string   `json:"when,omitempty"`
	QueryTerms []string `json:"query_terms,omitempty"`
}

type FollowupResult struct {
	Question string `json:"question"`
}

type TaskMatchResult struct {
	TaskID     string  `json:"task_id"` // empty when nothing matched
	Confidence float64 `json:"confidence"`
}

type EmailExtractResult struct {
	Events []ExtractedEvent `json:"events"`
}

type ExtractedEvent struct {
	Description string  `json:"description"`
	EventTime   string  `json:"event_time"` // ISO-8601
	Confidence  float64 `json:"confidence"`
}

// --- Outbound notifications ---

type MessageType string

const (
	MsgReminder          MessageType = "reminder"
	MsgEventConfirmation MessageType = "event_confirmation"
	MsgImageTagResult    MessageType = "llm_image_tag_result"
	MsgIntentResult      MessageType = "llm_intent_result"
	MsgFollowupResult    MessageType = "llm_followup_result"
	MsgTaskMatchResult   MessageType = "llm_task_match_result"
	MsgEmailResult       MessageType = "llm_email_extract_result"
	MsgLLMFailure        MessageType = "llm_failure"
	MsgLLMExpiry         MessageType = "llm_expiry"
	MsgStaleMessage      MessageType = "stale_message"
)

// Notification is a message for the delivery gateway. Content is an
// arbitrary JSON document whose shape depends on MessageType.
type Notification struct {
	UserID      int64           `json:"user_id"`
	MessageType MessageType     `json:"message_type"`
	Content     json.RawMessage `json:"content"`
}

func NewNotification(userID int64, mt MessageType, content any) (Notification, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return Notification{}, fmt.Errorf("encode notification content: %w", err)
	}
	return Notification{UserID: userID, MessageType: mt, Content: raw}, nil
}

// --- LLM protocol types ---

type ChatMessage struct {
	Role    string      `json:"role"` // "system" or "user"
	Content string      `json:"content"`
	Images  []ImageData `json:"images,omitempty"`
}

type ImageData struct {
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
}

type ChatRequest struct {
	Messages []ChatMessage   `json:"messages"`
	Schema   *ResponseSchema `json:"schema,omitempty"`
}

// ResponseSchema constrains the model to structured JSON output.
type ResponseSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"` // JSON Schema
}

type ChatResponse struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

// --- Search ---

// SearchQuery is a prepared full-text query. Match holds the FTS
// expression produced by BuildMatchQuery, not raw user input.
type SearchQuery struct {
	Match       string
	OwnerUserID int64
	PinnedOnly  bool
	MediaType   string
	From        *time.Time
	To          *time.Time
	Limit       int
}

type SearchResult struct {
	MemoryID       string    `json:"memory_id"`
	Snippet        string    `json:"snippet"`
	Content        string    `json:"content,omitempty"`
	MediaType      string    `json:"media_type,omitempty"`
	MediaLocalPath string    `json:"media_local_path,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	IsPinned       bool      `json:"is_pinned"`
	CreatedAt      time.Time `json:"created_at"`
}

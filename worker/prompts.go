package worker

import (
	"encoding/json"

	"github.com/bearmemori/bearmemori"
)

const imageTagPrompt = `You are a personal memory assistant. Describe the image in one or two
sentences and propose 3-6 short lowercase tags that would help the owner
find it again. If the image clearly shows a place, name it in "location".
Respond with JSON only.`

const intentPrompt = `You are a personal memory assistant. Classify the user's message into
exactly one intent: "reminder" (they want to be reminded at a time),
"task" (something to do, no fixed time required), "search" (they are
looking for a stored memory), "general_note" (information to keep), or
"ambiguous". Extract "when" as an ISO-8601 timestamp when the message
names a resolvable time, "subject" as a short phrase, and "query_terms"
for searches. Suggest up to 5 lowercase tags for notes. Respond with
JSON only.`

const followupPrompt = `You are a personal memory assistant. The user's message was ambiguous.
Write one short, friendly clarifying question in the user's language
that would resolve what they want. Respond with JSON only.`

const taskMatchPrompt = `You are a personal memory assistant. The user wrote a message that may
refer to one of their open tasks, for example reporting it done. Given
the message and the task list, pick the task it refers to, or none.
Report confidence between 0 and 1. Respond with JSON only.`

const emailExtractPrompt = `You are a personal memory assistant. Extract calendar-worthy events
(appointments, deliveries, deadlines, bookings) from the email below.
For each event give a short description, the event time as ISO-8601,
and your confidence between 0 and 1. Marketing content is not an event.
Respond with JSON only.`

// Response schemas passed to the provider so the model is held to
// structured output.
var (
	imageTagSchema = &bearmemori.ResponseSchema{
		Name: "image_tag",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"description": {"type": "string"},
				"tags": {"type": "array", "items": {"type": "string"}},
				"location": {"type": "string"}
			},
			"required": ["description", "tags"],
			"additionalProperties": false
		}`),
	}

	intentSchema = &bearmemori.ResponseSchema{
		Name: "intent_classify",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"intent": {"type": "string", "enum": ["reminder", "task", "search", "general_note", "ambiguous"]},
				"tags": {"type": "array", "items": {"type": "string"}},
				"extracted": {
					"type": "object",
					"properties": {
						"subject": {"type": "string"},
						"when": {"type": "string"},
						"query_terms": {"type": "array", "items": {"type": "string"}}
					},
					"additionalProperties": false
				}
			},
			"required": ["intent"],
			"additionalProperties": false
		}`),
	}

	followupSchema = &bearmemori.ResponseSchema{
		Name: "followup",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"question": {"type": "string"}
			},
			"required": ["question"],
			"additionalProperties": false
		}`),
	}

	taskMatchSchema = &bearmemori.ResponseSchema{
		Name: "task_match",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"task_id": {"type": "string"},
				"confidence": {"type": "number", "minimum": 0, "maximum": 1}
			},
			"required": ["task_id", "confidence"],
			"additionalProperties": false
		}`),
	}

	emailExtractSchema = &bearmemori.ResponseSchema{
		Name: "email_extract",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"events": {
					"type": "array",
					"items": {
						"type": "object",
						"properties": {
							"description": {"type": "string"},
							"event_time": {"type": "string"},
							"confidence": {"type": "number", "minimum": 0, "maximum": 1}
						},
						"required": ["description", "event_time", "confidence"],
						"additionalProperties": false
					}
				}
			},
			"required": ["events"],
			"additionalProperties": false
		}`),
	}
)

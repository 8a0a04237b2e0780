package dto

import "encoding/json"

// PubSubPushRequest is the request body for a Pub/Sub push notification.
type PubSubPushRequest struct {
	Message      PubSubMessage `json:"message"`
	Subscription string        `json:"subscription"`
}

// PubSubMessage is the actual message from Pub/Sub.
type PubSubMessage struct {
	Data       string            `json:"data"` // Base64-encoded
	MessageID  string            `json:"messageId"`
	Attributes map[string]string `json:"attributes"`
}

// EngineJobEvent is one progress or completion report from the analysis
// engine, carried inside the push message data.
type EngineJobEvent struct {
	JobID    string          `json:"job_id"`
	UserID   string          `json:"user_id,omitempty"`
	Status   string          `json:"status,omitempty"`
	Progress *float64        `json:"progress,omitempty"`
	Stage    *string         `json:"stage,omitempty"`
	Error    *JobStatusError `json:"error,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

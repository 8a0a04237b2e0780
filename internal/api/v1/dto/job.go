package dto

import "encoding/json"

// JobCreateResponse is returned as soon as a job is queued. The client polls
// StatusURL from here on.
type JobCreateResponse struct {
	JobID     string `json:"job_id"`
	UserID    string `json:"user_id"`
	StatusURL string `json:"status_url"`
	Message   string `json:"message"`
}

// JobStatusError carries the user-facing failure message.
type JobStatusError struct {
	Message string `json:"message"`
}

// JobStatusResponse is the polling payload. Unknown and foreign job IDs get
// status "not_found" with no other fields set.
type JobStatusResponse struct {
	JobID    string          `json:"job_id"`
	Status   string          `json:"status"`
	Progress *float64        `json:"progress,omitempty"`
	Stage    *string         `json:"stage,omitempty"`
	Error    *JobStatusError `json:"error,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// JobListItem is one entry of the job history listing.
type JobListItem struct {
	JobID            string   `json:"job_id"`
	CreatedAt        int64    `json:"created_at"`
	OriginalFilename string   `json:"original_filename"`
	Status           string   `json:"status"`
	Progress         *float64 `json:"progress,omitempty"`
	Stage            *string  `json:"stage,omitempty"`
	ThrowsDetected   *int     `json:"throws_detected,omitempty"`
	HasSideVideo     bool     `json:"has_side_video"`
	HasFrontVideo    bool     `json:"has_front_video"`
}

// JobVideoURLResponse wraps a presigned playback URL.
type JobVideoURLResponse struct {
	URL string `json:"url"`
}

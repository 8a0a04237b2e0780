package model

import (
	"encoding/json"
	"time"
)

// Job statuses. A job moves queued → running → done|failed; queued → failed is
// reachable when dispatch itself fails. Done and failed are terminal.
// StatusNotFound is synthetic, returned for unknown job IDs and never stored.
const (
	JobStatusQueued   = "queued"
	JobStatusRunning  = "running"
	JobStatusDone     = "done"
	JobStatusFailed   = "failed"
	JobStatusNotFound = "not_found"
)

// IsTerminalJobStatus reports whether a stored status permits no further writes.
func IsTerminalJobStatus(status string) bool {
	return status == JobStatusDone || status == JobStatusFailed
}

// Job represents one analysis request from upload to terminal completion.
type Job struct {
	JobID            string          `db:"job_id" json:"job_id"`
	UserID           string          `db:"user_id" json:"user_id"`
	CreatedAt        int64           `db:"created_at" json:"created_at"` // unix seconds
	OriginalFilename string          `db:"original_filename" json:"original_filename"`
	Status           string          `db:"status" json:"status"`
	Progress         *float64        `db:"progress" json:"progress,omitempty"`
	Stage            *string         `db:"stage" json:"stage,omitempty"`
	ErrorMessage     *string         `db:"error_message" json:"error_message,omitempty"`
	ThrowsDetected   *int            `db:"throws_detected" json:"throws_detected,omitempty"`
	ResultData       json.RawMessage `db:"result_data" json:"result_data,omitempty"`
	HasSideVideo     bool            `db:"has_side_video" json:"has_side_video"`
	HasFrontVideo    bool            `db:"has_front_video" json:"has_front_video"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// JobResult mirrors the result payload the analysis engine produces for a
// finished job. Overlay URLs point at rendered videos; the plan fields carry
// the generated coaching documents.
type JobResult struct {
	OverlayURL          string                 `json:"overlay_url,omitempty"`
	OverlaySideURL      string                 `json:"overlay_side_url,omitempty"`
	OverlayFrontURL     string                 `json:"overlay_front_url,omitempty"`
	AnalysisURL         string                 `json:"analysis_url,omitempty"`
	LessonPlanURL       string                 `json:"lesson_plan_url,omitempty"`
	PracticePlanPDFURL  string                 `json:"practice_plan_pdf_url,omitempty"`
	PracticePlanTxtURL  string                 `json:"practice_plan_txt_url,omitempty"`
	PracticePlan        map[string]interface{} `json:"practice_plan,omitempty"`
	LessonPlan          map[string]interface{} `json:"lesson_plan,omitempty"`
	AnalysisSummary     map[string]interface{} `json:"analysis_summary,omitempty"`
	Views               map[string]bool        `json:"views,omitempty"`
}

// Result decodes the stored result payload. Returns nil when the job carries none.
func (j *Job) Result() (*JobResult, error) {
	if len(j.ResultData) == 0 {
		return nil, nil
	}
	var res JobResult
	if err := json.Unmarshal(j.ResultData, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

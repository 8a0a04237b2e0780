// Package engine talks to the external throw-analysis engine over HTTP.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrEngineUnavailable covers timeouts and connection-level failures; the
// caller may advise the user to retry.
var ErrEngineUnavailable = errors.New("engine_unavailable")

// ErrEngineRejected means the engine answered with a non-2xx status; these are
// not retried automatically.
var ErrEngineRejected = errors.New("engine_rejected")

// ErrNotConfigured is returned when no engine base URL is set.
var ErrNotConfigured = errors.New("engine_not_configured")

// Upload is one video file to forward to the engine.
type Upload struct {
	Filename string
	Content  io.Reader
}

// AnalyzeRequest carries everything the engine needs to start an analysis.
// Identity context travels in the form payload, a side-channel header and the
// original bearer token; the engine uses them for its own tracking.
type AnalyzeRequest struct {
	JobID       string
	UserID      string
	UserEmail   string
	Model       string
	BearerToken string
	SideVideo   *Upload
	FrontVideo  *Upload
}

// StatusError is the error block of an engine status payload.
type StatusError struct {
	Message string `json:"message"`
}

// StatusResponse is the engine's view of a job.
type StatusResponse struct {
	JobID    string          `json:"job_id"`
	Status   string          `json:"status"`
	Progress *float64        `json:"progress"`
	Stage    *string         `json:"stage"`
	Error    *StatusError    `json:"error"`
	Result   json.RawMessage `json:"result"`
}

// Client dispatches jobs to the analysis engine and fetches their status.
type Client interface {
	Configured() bool
	Analyze(ctx context.Context, req *AnalyzeRequest) error
	FetchStatus(ctx context.Context, jobID string) (*StatusResponse, error)
}

type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  zerolog.Logger
}

// NewClient creates an engine client. An empty baseURL yields an unconfigured
// client whose Analyze returns ErrNotConfigured.
func NewClient(baseURL, apiKey string, requestTimeout time.Duration, logger zerolog.Logger) Client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: requestTimeout},
		logger:  logger.With().Str("service", "EngineClient").Logger(),
	}
}

func (c *client) Configured() bool {
	return c.baseURL != ""
}

// Analyze streams the uploaded videos to the engine as a multipart request.
func (c *client) Analyze(ctx context.Context, req *AnalyzeRequest) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeAnalyzeBody(mw, req))
	}()

	url := fmt.Sprintf("%s/analyze", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return fmt.Errorf("creating analyze request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("X-User-ID", req.UserID)
	if req.BearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.BearerToken)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.Error().Err(err).Str("job_id", req.JobID).Msg("Analyze request failed")
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.logger.Error().
			Int("status_code", resp.StatusCode).
			Str("job_id", req.JobID).
			Str("error_body", string(body)).
			Msg("Engine rejected analyze request")
		return fmt.Errorf("%w: status %d: %s", ErrEngineRejected, resp.StatusCode, string(body))
	}

	c.logger.Info().
		Str("job_id", req.JobID).
		Str("duration", time.Since(start).String()).
		Msg("Engine accepted analyze request")
	return nil
}

func writeAnalyzeBody(mw *multipart.Writer, req *AnalyzeRequest) error {
	fields := map[string]string{
		"user_id": req.UserID,
		"job_id":  req.JobID,
		"model":   req.Model,
	}
	if req.UserEmail != "" {
		fields["user_email"] = req.UserEmail
	}
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			return fmt.Errorf("writing field %s: %w", name, err)
		}
	}
	videos := map[string]*Upload{
		"side_video":  req.SideVideo,
		"front_video": req.FrontVideo,
	}
	for name, upload := range videos {
		if upload == nil {
			continue
		}
		part, err := mw.CreateFormFile(name, upload.Filename)
		if err != nil {
			return fmt.Errorf("creating file part %s: %w", name, err)
		}
		if _, err := io.Copy(part, upload.Content); err != nil {
			return fmt.Errorf("copying %s: %w", name, err)
		}
	}
	return mw.Close()
}

// FetchStatus retrieves the engine's full status payload for a job.
func (c *client) FetchStatus(ctx context.Context, jobID string) (*StatusResponse, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	url := fmt.Sprintf("%s/jobs/%s", c.baseURL, jobID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating status request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: status %d: %s", ErrEngineRejected, resp.StatusCode, string(body))
	}

	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decoding status for job %s: %w", jobID, err)
	}
	return &status, nil
}

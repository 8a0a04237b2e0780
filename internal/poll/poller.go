// Package poll implements the client-side status polling loop. One poller
// polls one job: a new request is scheduled only after the previous response
// has been handled, so there is never more than one in-flight request per job.
package poll

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Default scheduling intervals. After a poll-level error the loop backs off
// slightly but keeps polling.
const (
	DefaultInterval     = 1000 * time.Millisecond
	DefaultErrorBackoff = 1500 * time.Millisecond
)

// JobStatus is the payload the status endpoint returns.
type JobStatus struct {
	JobID    string          `json:"job_id"`
	Status   string          `json:"status"`
	Progress *float64        `json:"progress,omitempty"`
	Stage    *string         `json:"stage,omitempty"`
	Error    *StatusError    `json:"error,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

type StatusError struct {
	Message string `json:"message"`
}

// Terminal reports whether the status ends the polling loop.
func Terminal(status string) bool {
	return status == "done" || status == "failed" || status == "not_found"
}

// StatusFetcher retrieves the current status of a job.
type StatusFetcher interface {
	FetchJobStatus(ctx context.Context, jobID string) (*JobStatus, error)
}

// Poller drives the polling loop for a single consumer.
type Poller struct {
	fetcher      StatusFetcher
	Interval     time.Duration
	ErrorBackoff time.Duration

	// OnUpdate is invoked for every successfully handled response, including
	// the terminal one. It is never invoked after cancellation.
	OnUpdate func(*JobStatus)
}

func NewPoller(fetcher StatusFetcher) *Poller {
	return &Poller{
		fetcher:      fetcher,
		Interval:     DefaultInterval,
		ErrorBackoff: DefaultErrorBackoff,
	}
}

// Poll loops until the job reaches a terminal status or ctx is cancelled.
// A response that resolves after cancellation is discarded without invoking
// OnUpdate, so no state is touched once the consumer has moved on. There is
// no poll budget: a job stuck in running is polled until the caller cancels.
func (p *Poller) Poll(ctx context.Context, jobID string) (*JobStatus, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		status, err := p.fetcher.FetchJobStatus(ctx, jobID)

		// Cancellation is checked before acting on the in-flight response.
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}

		if err != nil {
			if !sleep(ctx, p.ErrorBackoff) {
				return nil, ctx.Err()
			}
			continue
		}

		if p.OnUpdate != nil {
			p.OnUpdate(status)
		}
		if Terminal(status.Status) {
			return status, nil
		}

		if !sleep(ctx, p.Interval) {
			return nil, ctx.Err()
		}
	}
}

// sleep waits for d, returning false if ctx was cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// HTTPStatusClient fetches job status from the public API with a bearer token.
type HTTPStatusClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewHTTPStatusClient(baseURL, token string) *HTTPStatusClient {
	return &HTTPStatusClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPStatusClient) FetchJobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	url := fmt.Sprintf("%s/v1/jobs/%s", c.BaseURL, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating status request: %w", err)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching status for job %s: %w", jobID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %d for job %s", resp.StatusCode, jobID)
	}
	var status JobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decoding status for job %s: %w", jobID, err)
	}
	return &status, nil
}

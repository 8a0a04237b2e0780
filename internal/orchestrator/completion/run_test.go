package completion

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"dartscoach/internal/engine"
	"dartscoach/internal/model"
)

type recordingJobs struct {
	done     map[string]json.RawMessage
	doneThrows map[string]*int
	failed   map[string]string
	progress map[string]string
}

func newRecordingJobs() *recordingJobs {
	return &recordingJobs{
		done:       make(map[string]json.RawMessage),
		doneThrows: make(map[string]*int),
		failed:     make(map[string]string),
		progress:   make(map[string]string),
	}
}

func (r *recordingJobs) CreateJob(ctx context.Context, j *model.Job) error { return nil }
func (r *recordingJobs) GetJobByID(ctx context.Context, jobID string) (*model.Job, error) {
	return nil, nil
}
func (r *recordingJobs) ListJobsByUser(ctx context.Context, userID string, limit, offset int) ([]model.Job, error) {
	return nil, nil
}
func (r *recordingJobs) MarkRunning(ctx context.Context, jobID string) error { return nil }
func (r *recordingJobs) UpdateProgress(ctx context.Context, jobID string, status *string, progress *float64, stage *string) error {
	if status != nil {
		r.progress[jobID] = *status
	}
	return nil
}
func (r *recordingJobs) MarkFailed(ctx context.Context, jobID, errorMessage string) error {
	r.failed[jobID] = errorMessage
	return nil
}
func (r *recordingJobs) MarkDone(ctx context.Context, jobID string, result json.RawMessage, throwsDetected *int) error {
	r.done[jobID] = result
	r.doneThrows[jobID] = throwsDetected
	return nil
}

type fakeStatusClient struct {
	status   *engine.StatusResponse
	fetchErr error
	fetches  int
}

func (f *fakeStatusClient) Configured() bool { return true }
func (f *fakeStatusClient) Analyze(ctx context.Context, req *engine.AnalyzeRequest) error {
	return errors.New("not implemented")
}
func (f *fakeStatusClient) FetchStatus(ctx context.Context, jobID string) (*engine.StatusResponse, error) {
	f.fetches++
	return f.status, f.fetchErr
}

func TestPersistEventDone(t *testing.T) {
	jobs := newRecordingJobs()
	eng := &fakeStatusClient{}
	result := json.RawMessage(`{"overlay_url":"https://x/overlay.mp4","analysis_summary":{"throws_detected":7}}`)
	event := &completionEvent{JobID: "job-1", Status: model.JobStatusDone, Result: result}

	if err := persistEvent(context.Background(), jobs, eng, event); err != nil {
		t.Fatalf("persistEvent returned error: %v", err)
	}
	if _, ok := jobs.done["job-1"]; !ok {
		t.Fatal("expected MarkDone to be called")
	}
	throws := jobs.doneThrows["job-1"]
	if throws == nil || *throws != 7 {
		t.Errorf("expected 7 throws detected, got %v", throws)
	}
	if eng.fetches != 0 {
		t.Errorf("embedded result must not trigger a fetch, got %d", eng.fetches)
	}
}

// Engine pushes may omit the result payload; the full status is fetched from
// the engine before the job is marked done so result_data is never empty.
func TestPersistEventDoneFetchesMissingResult(t *testing.T) {
	jobs := newRecordingJobs()
	eng := &fakeStatusClient{status: &engine.StatusResponse{
		JobID:  "job-1",
		Status: model.JobStatusDone,
		Result: json.RawMessage(`{"overlay_url":"https://x/overlay.mp4","analysis_summary":{"throws_detected":3}}`),
	}}
	event := &completionEvent{JobID: "job-1", Status: model.JobStatusDone}

	if err := persistEvent(context.Background(), jobs, eng, event); err != nil {
		t.Fatalf("persistEvent returned error: %v", err)
	}
	if eng.fetches != 1 {
		t.Fatalf("expected 1 status fetch, got %d", eng.fetches)
	}
	if len(jobs.done["job-1"]) == 0 {
		t.Fatal("expected the fetched result to be persisted")
	}
	throws := jobs.doneThrows["job-1"]
	if throws == nil || *throws != 3 {
		t.Errorf("expected 3 throws detected from fetched result, got %v", throws)
	}
}

func TestPersistEventDoneFetchFailureRetries(t *testing.T) {
	jobs := newRecordingJobs()
	eng := &fakeStatusClient{fetchErr: engine.ErrEngineUnavailable}
	event := &completionEvent{JobID: "job-1", Status: model.JobStatusDone}

	err := persistEvent(context.Background(), jobs, eng, event)
	if !errors.Is(err, engine.ErrEngineUnavailable) {
		t.Fatalf("expected fetch failure to propagate for retry, got %v", err)
	}
	if len(jobs.done) != 0 {
		t.Error("job must not be marked done without a result")
	}
}

func TestPersistEventFailed(t *testing.T) {
	jobs := newRecordingJobs()
	event := &completionEvent{
		JobID:  "job-2",
		Status: model.JobStatusFailed,
		Error: &struct {
			Message string `json:"message"`
		}{Message: "no throws detected in video"},
	}

	if err := persistEvent(context.Background(), jobs, &fakeStatusClient{}, event); err != nil {
		t.Fatalf("persistEvent returned error: %v", err)
	}
	if jobs.failed["job-2"] != "no throws detected in video" {
		t.Errorf("unexpected failure message %q", jobs.failed["job-2"])
	}
}

func TestPersistEventFailedDefaultMessage(t *testing.T) {
	jobs := newRecordingJobs()
	event := &completionEvent{JobID: "job-3", Status: model.JobStatusFailed}

	if err := persistEvent(context.Background(), jobs, &fakeStatusClient{}, event); err != nil {
		t.Fatalf("persistEvent returned error: %v", err)
	}
	if jobs.failed["job-3"] == "" {
		t.Error("expected a default failure message")
	}
}

func TestPersistEventNonTerminalWritesProgress(t *testing.T) {
	jobs := newRecordingJobs()
	event := &completionEvent{JobID: "job-4", Status: model.JobStatusRunning}

	if err := persistEvent(context.Background(), jobs, &fakeStatusClient{}, event); err != nil {
		t.Fatalf("persistEvent returned error: %v", err)
	}
	if jobs.progress["job-4"] != model.JobStatusRunning {
		t.Errorf("expected progress write, got %v", jobs.progress)
	}
}

func TestThrowsDetected(t *testing.T) {
	if got := throwsDetected(nil); got != nil {
		t.Errorf("expected nil for empty result, got %v", got)
	}
	if got := throwsDetected(json.RawMessage(`{"overlay_url":"x"}`)); got != nil {
		t.Errorf("expected nil without analysis summary, got %v", got)
	}
	if got := throwsDetected(json.RawMessage(`not json`)); got != nil {
		t.Errorf("expected nil for malformed result, got %v", got)
	}
	got := throwsDetected(json.RawMessage(`{"analysis_summary":{"throws_detected":12}}`))
	if got == nil || *got != 12 {
		t.Errorf("expected 12, got %v", got)
	}
}

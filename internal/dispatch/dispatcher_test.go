package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"dartscoach/internal/engine"
	"dartscoach/internal/model"

	"github.com/rs/zerolog"
)

type fakeEngine struct {
	mu         sync.Mutex
	configured bool
	analyzeErr error
	requests   []*engine.AnalyzeRequest
}

func (f *fakeEngine) Configured() bool { return f.configured }

func (f *fakeEngine) Analyze(ctx context.Context, req *engine.AnalyzeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.SideVideo != nil {
		io.Copy(io.Discard, req.SideVideo.Content)
	}
	if req.FrontVideo != nil {
		io.Copy(io.Discard, req.FrontVideo.Content)
	}
	f.requests = append(f.requests, req)
	return f.analyzeErr
}

func (f *fakeEngine) FetchStatus(ctx context.Context, jobID string) (*engine.StatusResponse, error) {
	return nil, errors.New("not implemented")
}

type fakeJobs struct {
	mu       sync.Mutex
	running  []string
	failed   map[string]string
	createds []string
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{failed: make(map[string]string)}
}

func (f *fakeJobs) CreateJob(ctx context.Context, j *model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createds = append(f.createds, j.JobID)
	return nil
}

func (f *fakeJobs) GetJobByID(ctx context.Context, jobID string) (*model.Job, error) {
	return nil, nil
}

func (f *fakeJobs) ListJobsByUser(ctx context.Context, userID string, limit, offset int) ([]model.Job, error) {
	return nil, nil
}

func (f *fakeJobs) MarkRunning(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = append(f.running, jobID)
	return nil
}

func (f *fakeJobs) UpdateProgress(ctx context.Context, jobID string, status *string, progress *float64, stage *string) error {
	return nil
}

func (f *fakeJobs) MarkFailed(ctx context.Context, jobID, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[jobID] = errorMessage
	return nil
}

func (f *fakeJobs) MarkDone(ctx context.Context, jobID string, result json.RawMessage, throwsDetected *int) error {
	return nil
}

type fakeProfiles struct {
	mu      sync.Mutex
	reverts map[string]int
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{reverts: make(map[string]int)}
}

func (f *fakeProfiles) CreateProfile(ctx context.Context, p *model.Profile) error { return nil }
func (f *fakeProfiles) GetProfileByID(ctx context.Context, userID string) (*model.Profile, error) {
	return nil, nil
}
func (f *fakeProfiles) GetProfileByStripeCustomerID(ctx context.Context, customerID string) (*model.Profile, error) {
	return nil, nil
}
func (f *fakeProfiles) UpdateStripeCustomerID(ctx context.Context, userID, customerID string) error {
	return nil
}
func (f *fakeProfiles) CheckAndIncrementAnalysisCount(ctx context.Context, userID string) (int, int, error) {
	return 0, 0, errors.New("not implemented")
}
func (f *fakeProfiles) RevertAnalysisCount(ctx context.Context, userID string, previousCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverts[userID] = previousCount
	return nil
}
func (f *fakeProfiles) GrantEntitlement(ctx context.Context, userID, planType string, limit int, resetCount bool) error {
	return nil
}
func (f *fakeProfiles) DowngradeToFree(ctx context.Context, userID string) error { return nil }

type fakeVideos struct{}

func (fakeVideos) OpenVideo(ctx context.Context, jobID, view string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(view + "-bytes")), nil
}

func queuedJob(id string) *model.Job {
	return &model.Job{
		JobID:            id,
		UserID:           "user-1",
		OriginalFilename: "throw.mp4",
		Status:           model.JobStatusQueued,
		HasSideVideo:     true,
	}
}

func runTask(t *testing.T, eng *fakeEngine, jobs *fakeJobs, profiles *fakeProfiles, task *Task) *Dispatcher {
	t.Helper()
	d := New(eng, jobs, profiles, fakeVideos{}, nil, "job-events", 1, 4, zerolog.Nop())
	d.Start(context.Background())
	if err := d.Enqueue(task); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	d.Shutdown()
	return d
}

func TestDispatchSuccessMarksRunning(t *testing.T) {
	eng := &fakeEngine{configured: true}
	jobs := newFakeJobs()
	profiles := newFakeProfiles()

	runTask(t, eng, jobs, profiles, &Task{Job: queuedJob("job-ok"), Model: "gpt-5-mini", PreviousCount: 2})

	if len(eng.requests) != 1 {
		t.Fatalf("expected 1 analyze request, got %d", len(eng.requests))
	}
	if eng.requests[0].SideVideo == nil {
		t.Error("expected side video to be streamed")
	}
	if len(jobs.running) != 1 || jobs.running[0] != "job-ok" {
		t.Errorf("expected job marked running, got %v", jobs.running)
	}
	if len(jobs.failed) != 0 {
		t.Errorf("no job should be failed, got %v", jobs.failed)
	}
	if len(profiles.reverts) != 0 {
		t.Errorf("quota must not be reverted on success, got %v", profiles.reverts)
	}
}

func TestDispatchFailureCompensates(t *testing.T) {
	eng := &fakeEngine{configured: true, analyzeErr: engine.ErrEngineUnavailable}
	jobs := newFakeJobs()
	profiles := newFakeProfiles()

	runTask(t, eng, jobs, profiles, &Task{Job: queuedJob("job-fail"), PreviousCount: 4})

	msg, ok := jobs.failed["job-fail"]
	if !ok {
		t.Fatal("expected job marked failed")
	}
	if !strings.Contains(msg, "Could not reach") {
		t.Errorf("expected unavailable message, got %q", msg)
	}
	if got, ok := profiles.reverts["user-1"]; !ok || got != 4 {
		t.Errorf("expected quota reverted to 4, got %v (present=%v)", got, ok)
	}
	if len(jobs.running) != 0 {
		t.Errorf("failed dispatch must not mark running, got %v", jobs.running)
	}
}

func TestDispatchUnconfiguredEngineLeavesQueued(t *testing.T) {
	eng := &fakeEngine{configured: false}
	jobs := newFakeJobs()
	profiles := newFakeProfiles()

	runTask(t, eng, jobs, profiles, &Task{Job: queuedJob("job-idle"), PreviousCount: 0})

	if len(eng.requests) != 0 {
		t.Errorf("unconfigured engine must not receive requests, got %d", len(eng.requests))
	}
	if len(jobs.failed) != 0 || len(jobs.running) != 0 {
		t.Errorf("job must stay queued: failed=%v running=%v", jobs.failed, jobs.running)
	}
	if len(profiles.reverts) != 0 {
		t.Errorf("quota must not be reverted, got %v", profiles.reverts)
	}
}

func TestEnqueueFullQueue(t *testing.T) {
	eng := &fakeEngine{configured: true}
	d := New(eng, newFakeJobs(), newFakeProfiles(), fakeVideos{}, nil, "job-events", 1, 1, zerolog.Nop())
	// Not started: the single slot fills and the next enqueue must fail fast.
	if err := d.Enqueue(&Task{Job: queuedJob("a")}); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	if err := d.Enqueue(&Task{Job: queuedJob("b")}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if d.Pending() != 1 {
		t.Errorf("expected 1 pending task, got %d", d.Pending())
	}
}

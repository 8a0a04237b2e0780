// Package dispatch hands created jobs to the analysis engine off the request
// path. The dispatcher is a supervised worker pool draining a bounded queue,
// so the hand-off is an inspectable, cancellable unit of work rather than a
// detached goroutine per request.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"dartscoach/internal/engine"
	"dartscoach/internal/model"
	"dartscoach/internal/pubsub"
	"dartscoach/internal/repository"

	"github.com/rs/zerolog"
)

// ErrQueueFull is returned by Enqueue when the dispatch queue has no room.
// The caller treats it like any other dispatch failure and compensates.
var ErrQueueFull = errors.New("dispatch queue full")

// VideoSource opens a stored upload for streaming to the engine.
// view is "side" or "front".
type VideoSource interface {
	OpenVideo(ctx context.Context, jobID, view string) (io.ReadCloser, error)
}

// Task is one pending hand-off. PreviousCount is the user's analysis count
// before the quota increment, kept so a failed dispatch can revert it.
type Task struct {
	Job           *model.Job
	UserEmail     string
	Model         string
	BearerToken   string
	PreviousCount int
}

type Dispatcher struct {
	tasks       chan *Task
	engine      engine.Client
	jobs        repository.JobRepository
	profiles    repository.ProfileRepository
	videos      VideoSource
	publisher   pubsub.Publisher
	eventsTopic string
	workers     int
	wg          sync.WaitGroup
	logger      zerolog.Logger
}

func New(
	engineClient engine.Client,
	jobs repository.JobRepository,
	profiles repository.ProfileRepository,
	videos VideoSource,
	publisher pubsub.Publisher,
	eventsTopic string,
	workers, queueSize int,
	logger zerolog.Logger,
) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		tasks:       make(chan *Task, queueSize),
		engine:      engineClient,
		jobs:        jobs,
		profiles:    profiles,
		videos:      videos,
		publisher:   publisher,
		eventsTopic: eventsTopic,
		workers:     workers,
		logger:      logger.With().Str("service", "Dispatcher").Logger(),
	}
}

// Start launches the worker pool. Workers exit when the queue is closed or
// the context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.logger.Info().Int("workers", d.workers).Msg("Dispatcher started")
}

// Enqueue queues a job for dispatch without blocking the caller.
func (d *Dispatcher) Enqueue(task *Task) error {
	select {
	case d.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending reports how many tasks are waiting in the queue.
func (d *Dispatcher) Pending() int {
	return len(d.tasks)
}

// Shutdown stops accepting work and waits for in-flight dispatches to finish.
func (d *Dispatcher) Shutdown() {
	close(d.tasks)
	d.wg.Wait()
	d.logger.Info().Msg("Dispatcher stopped")
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-d.tasks:
			if !ok {
				return
			}
			d.process(ctx, task)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, task *Task) {
	job := task.Job

	// No engine configured: leave the job queued. It will never progress,
	// which is the documented degradation, not an error.
	if !d.engine.Configured() {
		d.logger.Warn().Str("job_id", job.JobID).Msg("No analysis engine configured; job stays queued")
		return
	}

	req := &engine.AnalyzeRequest{
		JobID:       job.JobID,
		UserID:      job.UserID,
		UserEmail:   task.UserEmail,
		Model:       task.Model,
		BearerToken: task.BearerToken,
	}

	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	if job.HasSideVideo {
		rc, err := d.videos.OpenVideo(ctx, job.JobID, "side")
		if err != nil {
			d.fail(ctx, task, "Could not read the uploaded side video. Please try again.")
			return
		}
		closers = append(closers, rc)
		req.SideVideo = &engine.Upload{Filename: job.OriginalFilename, Content: rc}
	}
	if job.HasFrontVideo {
		rc, err := d.videos.OpenVideo(ctx, job.JobID, "front")
		if err != nil {
			d.fail(ctx, task, "Could not read the uploaded front video. Please try again.")
			return
		}
		closers = append(closers, rc)
		req.FrontVideo = &engine.Upload{Filename: job.OriginalFilename, Content: rc}
	}

	if err := d.engine.Analyze(ctx, req); err != nil {
		d.logger.Error().Err(err).Str("job_id", job.JobID).Msg("Engine dispatch failed")
		d.fail(ctx, task, dispatchErrorMessage(err))
		return
	}

	if err := d.jobs.MarkRunning(ctx, job.JobID); err != nil {
		// The engine already has the job; progress reports will still land.
		d.logger.Error().Err(err).Str("job_id", job.JobID).Msg("Failed to mark job running after dispatch")
	}
	d.publishEvent(ctx, "job.dispatched", job)
}

// fail marks the job failed and reverts the quota unit reserved for it.
func (d *Dispatcher) fail(ctx context.Context, task *Task, message string) {
	job := task.Job
	if err := d.jobs.MarkFailed(ctx, job.JobID, message); err != nil {
		d.logger.Error().Err(err).Str("job_id", job.JobID).Msg("Failed to mark job failed")
	}
	if err := d.profiles.RevertAnalysisCount(ctx, job.UserID, task.PreviousCount); err != nil {
		d.logger.Error().Err(err).Str("user_id", job.UserID).Msg("Failed to revert analysis count after dispatch failure")
	}
	d.publishEvent(ctx, "job.dispatch_failed", job)
}

func (d *Dispatcher) publishEvent(ctx context.Context, event string, job *model.Job) {
	if d.publisher == nil {
		return
	}
	payload, err := json.Marshal(struct {
		Event      string `json:"event"`
		JobID      string `json:"job_id"`
		UserID     string `json:"user_id"`
		OccurredAt int64  `json:"occurred_at"`
	}{
		Event:      event,
		JobID:      job.JobID,
		UserID:     job.UserID,
		OccurredAt: time.Now().Unix(),
	})
	if err != nil {
		d.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal job event")
		return
	}
	if _, err := d.publisher.Publish(ctx, d.eventsTopic, payload); err != nil {
		// Events are best-effort; the job record is the source of truth.
		d.logger.Error().Err(err).Str("topic", d.eventsTopic).Msg("Failed to publish job event")
	}
}

func dispatchErrorMessage(err error) string {
	switch {
	case errors.Is(err, engine.ErrEngineUnavailable):
		return "Could not reach the analysis service. Please try again in a few minutes."
	case errors.Is(err, engine.ErrEngineRejected):
		return "The analysis service rejected this upload."
	default:
		return "Dispatching the analysis failed. Please try again."
	}
}

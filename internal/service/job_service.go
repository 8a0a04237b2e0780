package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"dartscoach/internal/dispatch"
	"dartscoach/internal/model"
	"dartscoach/internal/pubsub"
	"dartscoach/internal/repository"
	"dartscoach/internal/util"

	"github.com/rs/zerolog"
)

// ErrVideoNotFound is returned when a playback URL is requested for a view
// the job does not have.
var ErrVideoNotFound = errors.New("video not found")

// VideoUpload is one video file received from the client.
type VideoUpload struct {
	Filename string
	Content  io.Reader
	Size     int64
}

// JobService owns the analysis job lifecycle: creation with quota
// reservation, hand-off to the dispatcher, owner-scoped reads, and the
// compensating writes when a step before dispatch fails.
type JobService interface {
	CreateJob(ctx context.Context, userID, userEmail, bearerToken string, side, front *VideoUpload) (*model.Job, error)
	GetJob(ctx context.Context, userID, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, userID string, limit, offset int) ([]model.Job, error)
	GetVideoURL(ctx context.Context, userID, jobID, view string) (string, error)
}

type jobService struct {
	jobs        repository.JobRepository
	quota       QuotaService
	videos      VideoStore
	dispatcher  *dispatch.Dispatcher
	publisher   pubsub.Publisher
	eventsTopic string
	model       string
	logger      zerolog.Logger
}

func NewJobService(
	jobs repository.JobRepository,
	quota QuotaService,
	videos VideoStore,
	dispatcher *dispatch.Dispatcher,
	publisher pubsub.Publisher,
	eventsTopic string,
	engineModel string,
	logger zerolog.Logger,
) JobService {
	return &jobService{
		jobs:        jobs,
		quota:       quota,
		videos:      videos,
		dispatcher:  dispatcher,
		publisher:   publisher,
		eventsTopic: eventsTopic,
		model:       engineModel,
		logger:      logger.With().Str("service", "JobService").Logger(),
	}
}

// CreateJob reserves an analysis unit, persists the uploads and the job
// record, and enqueues the dispatch. It returns as soon as the job is queued;
// the dispatcher carries it from there. Any failure after the reservation
// releases the unit again, so a job the engine never saw costs nothing.
func (s *jobService) CreateJob(ctx context.Context, userID, userEmail, bearerToken string, side, front *VideoUpload) (*model.Job, error) {
	if side == nil && front == nil {
		return nil, fmt.Errorf("at least one video is required")
	}

	_, previousCount, err := s.quota.Reserve(ctx, userID)
	if err != nil {
		return nil, err
	}

	stage := "starting"
	progress := 0.0
	job := &model.Job{
		JobID:            util.NewJobID(),
		UserID:           userID,
		CreatedAt:        time.Now().Unix(),
		OriginalFilename: uploadFilename(side, front),
		Status:           model.JobStatusQueued,
		Progress:         &progress,
		Stage:            &stage,
		HasSideVideo:     side != nil,
		HasFrontVideo:    front != nil,
	}

	if side != nil {
		if err := s.videos.StoreVideo(ctx, job.JobID, "side", side.Content, side.Size); err != nil {
			return nil, s.abortCreate(ctx, job, previousCount, false, err)
		}
	}
	if front != nil {
		if err := s.videos.StoreVideo(ctx, job.JobID, "front", front.Content, front.Size); err != nil {
			return nil, s.abortCreate(ctx, job, previousCount, false, err)
		}
	}

	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return nil, s.abortCreate(ctx, job, previousCount, false, err)
	}

	task := &dispatch.Task{
		Job:           job,
		UserEmail:     userEmail,
		Model:         s.model,
		BearerToken:   bearerToken,
		PreviousCount: previousCount,
	}
	if err := s.dispatcher.Enqueue(task); err != nil {
		return nil, s.abortCreate(ctx, job, previousCount, true, err)
	}

	s.publishEvent(ctx, "job.created", job)
	s.logger.Info().
		Str("job_id", job.JobID).
		Str("user_id", userID).
		Bool("has_side", job.HasSideVideo).
		Bool("has_front", job.HasFrontVideo).
		Msg("Job created and queued for dispatch")
	return job, nil
}

// abortCreate undoes whatever the create got through before failing: any
// stored uploads are deleted, the record (when it exists) is marked failed so
// a phantom queued row never lingers, and the quota reservation is released.
// All steps are best-effort.
func (s *jobService) abortCreate(ctx context.Context, job *model.Job, previousCount int, recorded bool, cause error) error {
	if recorded {
		if err := s.jobs.MarkFailed(ctx, job.JobID, "The analysis could not be started. Please try again."); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.JobID).Msg("Failed to mark aborted job failed")
		}
	}
	if err := s.videos.DeleteVideos(ctx, job.JobID); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.JobID).Msg("Failed to delete stored videos during abort")
	}
	if err := s.quota.Release(ctx, job.UserID, previousCount); err != nil {
		s.logger.Error().Err(err).Str("user_id", job.UserID).Msg("Failed to release analysis unit during abort")
	}
	s.logger.Error().Err(cause).Str("user_id", job.UserID).Str("job_id", job.JobID).Msg("Job creation aborted")
	return fmt.Errorf("failed to create job: %w", cause)
}

// GetJob returns the job only to its owner. A missing job and another user's
// job are indistinguishable to the caller: both return nil.
func (s *jobService) GetJob(ctx context.Context, userID, jobID string) (*model.Job, error) {
	job, err := s.jobs.GetJobByID(ctx, jobID)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job")
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil || job.UserID != userID {
		return nil, nil
	}
	return job, nil
}

// ListJobs returns the user's jobs, newest first.
func (s *jobService) ListJobs(ctx context.Context, userID string, limit, offset int) ([]model.Job, error) {
	jobs, err := s.jobs.ListJobsByUser(ctx, userID, limit, offset)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to list jobs")
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// GetVideoURL returns a presigned playback URL for one stored view.
func (s *jobService) GetVideoURL(ctx context.Context, userID, jobID, view string) (string, error) {
	job, err := s.GetJob(ctx, userID, jobID)
	if err != nil {
		return "", err
	}
	if job == nil {
		return "", ErrVideoNotFound
	}
	switch view {
	case "side":
		if !job.HasSideVideo {
			return "", ErrVideoNotFound
		}
	case "front":
		if !job.HasFrontVideo {
			return "", ErrVideoNotFound
		}
	default:
		return "", ErrVideoNotFound
	}
	return s.videos.GetPresignedURL(ctx, jobID, view)
}

func (s *jobService) publishEvent(ctx context.Context, event string, job *model.Job) {
	if s.publisher == nil {
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
		s.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal job event")
		return
	}
	if _, err := s.publisher.Publish(ctx, s.eventsTopic, payload); err != nil {
		s.logger.Error().Err(err).Str("topic", s.eventsTopic).Msg("Failed to publish job event")
	}
}

func uploadFilename(side, front *VideoUpload) string {
	if side != nil {
		return side.Filename
	}
	return front.Filename
}

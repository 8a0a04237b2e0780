// Package completion drains the completion queue: terminal engine events are
// persisted to the job record with retries, and exhausted messages land in the
// dead-letter queue instead of being lost.
package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dartscoach/internal/config"
	"dartscoach/internal/engine"
	"dartscoach/internal/model"
	"dartscoach/internal/pgmq"
	"dartscoach/internal/repository"

	"github.com/rs/zerolog"
)

type completionEvent struct {
	JobID    string   `json:"job_id"`
	Status   string   `json:"status"`
	Progress *float64 `json:"progress"`
	Stage    *string  `json:"stage"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error"`
	Result json.RawMessage `json:"result"`
}

// Run starts the completion orchestrator.
func Run(ctx context.Context, logger zerolog.Logger, client *pgmq.Client, jobs repository.JobRepository, dlqRepo repository.DLQRepository, engineClient engine.Client) error {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Msgf("Error loading config in completion orchestrator: %v", err)
	}
	queue := cfg.CompletionQueueName
	logger.Info().Str("queue", queue).Msg("Starting completion orchestrator")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Shutting down completion orchestrator")
			return nil
		default:
		}

		msgs, err := client.ReadWithPoll(ctx, queue, cfg.CompletionPollTimeoutSec, cfg.CompletionPollMaxMsg)
		if err != nil {
			logger.Error().Err(err).Msg("Error reading completion queue")
			time.Sleep(time.Second)
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		msg := msgs[0]
		logger.Info().Int64("msg_id", msg.ID).Msg("Received completion event")

		var event completionEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil || event.JobID == "" {
			logger.Error().Err(err).Msg("Failed to unmarshal completion event; deleting message")
			client.Delete(ctx, queue, []int64{msg.ID})
			continue
		}

		// Persist the terminal state with retry/backoff. The job record is
		// what the client polls, so this write must not be dropped lightly.
		backoff := time.Duration(cfg.CompletionBackoffInitialSec) * time.Second
		var persistErr error
		for attempt := 1; attempt <= cfg.CompletionMaxRetries; attempt++ {
			persistErr = persistEvent(ctx, jobs, engineClient, &event)
			if persistErr == nil {
				break
			}
			logger.Error().Err(persistErr).
				Int("attempt", attempt).
				Str("job_id", event.JobID).
				Msg("Failed to persist completion event, retrying")
			time.Sleep(backoff)
			backoff *= 2
			if backoff > time.Duration(cfg.CompletionBackoffMaxSec)*time.Second {
				backoff = time.Duration(cfg.CompletionBackoffMaxSec) * time.Second
			}
		}

		if persistErr != nil {
			dlq := cfg.CompletionDeadLetterQueueName
			if err := client.Send(ctx, dlq, msg.Data); err != nil {
				logger.Error().Err(err).Str("dlq", dlq).Msg("Failed to send message to dead-letter queue")
			}
			dbMessage := &model.DeadLetterMessage{
				QueueName: queue,
				JobID:     event.JobID,
				Payload:   string(msg.Data),
				Error:     persistErr.Error(),
				Status:    "unprocessed",
			}
			if err := dlqRepo.Create(ctx, dbMessage); err != nil {
				logger.Error().Err(err).Str("job_id", event.JobID).Msg("Failed to record dead-letter message")
			}
			if err := client.Delete(ctx, queue, []int64{msg.ID}); err != nil {
				logger.Error().Err(err).Msg("Error deleting completion message after failure")
			}
			logger.Warn().
				Int("attempts", cfg.CompletionMaxRetries).
				Str("job_id", event.JobID).
				Err(persistErr).
				Msg("Exhausted all completion retries; moving event to DLQ")
			continue
		}

		if err := client.Delete(ctx, queue, []int64{msg.ID}); err != nil {
			logger.Error().Err(err).Msg("Error deleting completion message")
		}
		logger.Info().Str("job_id", event.JobID).Str("status", event.Status).Msg("Completion event persisted")
	}
}

func persistEvent(ctx context.Context, jobs repository.JobRepository, engineClient engine.Client, event *completionEvent) error {
	switch event.Status {
	case model.JobStatusDone:
		// Some engine pushes omit the result payload to stay under the push
		// size limit; fetch the full status before marking the job done so
		// result_data is never persisted empty.
		result := event.Result
		if len(result) == 0 {
			status, err := engineClient.FetchStatus(ctx, event.JobID)
			if err != nil {
				return fmt.Errorf("fetching result for done job %s: %w", event.JobID, err)
			}
			result = status.Result
		}
		return jobs.MarkDone(ctx, event.JobID, result, throwsDetected(result))
	case model.JobStatusFailed:
		message := "Analysis failed."
		if event.Error != nil && event.Error.Message != "" {
			message = event.Error.Message
		}
		return jobs.MarkFailed(ctx, event.JobID, message)
	default:
		// Non-terminal events never belong on this queue; treat as progress.
		return jobs.UpdateProgress(ctx, event.JobID, &event.Status, event.Progress, event.Stage)
	}
}

// throwsDetected digs the throw count out of the result's analysis summary.
func throwsDetected(result json.RawMessage) *int {
	res, err := (&model.Job{ResultData: result}).Result()
	if err != nil || res == nil {
		return nil
	}
	if v, ok := res.AnalysisSummary["throws_detected"].(float64); ok {
		n := int(v)
		return &n
	}
	return nil
}

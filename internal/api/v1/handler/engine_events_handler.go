package handler

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"dartscoach/internal/api/v1/dto"
	"dartscoach/internal/model"
	"dartscoach/internal/pgmq"
	"dartscoach/internal/repository"

	"github.com/rs/zerolog"
)

// EngineEventsHandler receives job progress from the analysis engine via
// Pub/Sub push. Progress reports are written straight to the job record;
// terminal reports are forwarded to the completion queue, where the
// orchestrator persists the result with retries.
type EngineEventsHandler struct {
	jobs            repository.JobRepository
	queue           *pgmq.Client
	completionQueue string
	logger          zerolog.Logger
}

func NewEngineEventsHandler(jobs repository.JobRepository, queue *pgmq.Client, completionQueue string, logger zerolog.Logger) *EngineEventsHandler {
	return &EngineEventsHandler{
		jobs:            jobs,
		queue:           queue,
		completionQueue: completionQueue,
		logger:          logger.With().Str("handler", "EngineEventsHandler").Logger(),
	}
}

// RegisterRoutes registers the push endpoint behind the Pub/Sub auth middleware.
func (h *EngineEventsHandler) RegisterRoutes(mux *http.ServeMux, pubsubAuthMw func(http.Handler) http.Handler) {
	mux.Handle("/engine-events", pubsubAuthMw(http.HandlerFunc(h.handlePush)))
}

// handlePush acks malformed messages with 200 so Pub/Sub stops redelivering
// them; only transient persistence failures return 5xx for redelivery.
func (h *EngineEventsHandler) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var push dto.PubSubPushRequest
	if err := json.NewDecoder(r.Body).Decode(&push); err != nil {
		h.logger.Warn().Err(err).Msg("Malformed Pub/Sub push envelope")
		w.WriteHeader(http.StatusOK)
		return
	}

	data, err := base64.StdEncoding.DecodeString(push.Message.Data)
	if err != nil {
		// Emulator pushes arrive unencoded.
		data = []byte(push.Message.Data)
	}

	var event dto.EngineJobEvent
	if err := json.Unmarshal(data, &event); err != nil || event.JobID == "" {
		h.logger.Warn().
			Str("message_id", push.Message.MessageID).
			Msg("Dropping engine event without a job ID")
		w.WriteHeader(http.StatusOK)
		return
	}

	if model.IsTerminalJobStatus(event.Status) {
		if err := h.queue.Send(r.Context(), h.completionQueue, data); err != nil {
			h.logger.Error().Err(err).Str("job_id", event.JobID).Msg("Failed to enqueue completion event")
			http.Error(w, "failed to enqueue completion event", http.StatusInternalServerError)
			return
		}
		h.logger.Info().Str("job_id", event.JobID).Str("status", event.Status).Msg("Completion event enqueued")
		w.WriteHeader(http.StatusOK)
		return
	}

	var status *string
	if event.Status != "" {
		status = &event.Status
	}
	if err := h.jobs.UpdateProgress(r.Context(), event.JobID, status, event.Progress, event.Stage); err != nil {
		h.logger.Error().Err(err).Str("job_id", event.JobID).Msg("Failed to write progress update")
		http.Error(w, "failed to write progress update", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"dartscoach/internal/api/v1/dto"
	"dartscoach/internal/middleware"
	"dartscoach/internal/model"
	"dartscoach/internal/service"

	"github.com/rs/zerolog"
)

// JobHandler handles analysis job endpoints.
type JobHandler struct {
	jobService     service.JobService
	maxUploadBytes int64
	logger         zerolog.Logger
}

func NewJobHandler(jobService service.JobService, maxUploadBytes int64, logger zerolog.Logger) *JobHandler {
	return &JobHandler{
		jobService:     jobService,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}
}

// RegisterRoutes mounts v1 job routes
func (h *JobHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("/jobs", authMw(http.HandlerFunc(h.handleJobs)))
	mux.Handle("/jobs/", authMw(http.HandlerFunc(h.handleJobByID)))
}

func (h *JobHandler) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createJob(w, r)
	case http.MethodGet:
		h.listJobs(w, r)
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobByID routes /jobs/{id} and /jobs/{id}/video.
func (h *JobHandler) handleJobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/jobs/"), "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		h.getJobStatus(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "video":
		h.getJobVideo(w, r, parts[0])
	default:
		http.NotFound(w, r)
	}
}

// createJob godoc
// @Summary Upload throw videos and queue an analysis job
// @Description Accepts multipart side_video and/or front_video, reserves one analysis unit and queues the job. Returns immediately with the job ID to poll.
// @Tags jobs
// @Accept mpfd
// @Produce json
// @Success 201 {object} dto.JobCreateResponse
// @Failure 400 {object} map[string]string "no video provided"
// @Failure 402 {object} map[string]string "subscription required"
// @Failure 413 {object} map[string]string "upload too large"
// @Failure 429 {object} map[string]string "analysis limit reached"
// @Router /jobs [post]
func (h *JobHandler) createJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserContextKey).(string)
	if !ok || userID == "" {
		http.Error(w, "Unauthorized: User ID not found in context", http.StatusUnauthorized)
		return
	}
	userEmail, _ := r.Context().Value(middleware.UserEmailContextKey).(string)
	bearerToken, _ := r.Context().Value(middleware.BearerTokenContextKey).(string)

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSONError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("Upload exceeds the %dMB limit.", h.maxUploadBytes>>20))
			return
		}
		writeJSONError(w, http.StatusBadRequest, "Invalid multipart payload.")
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	side, err := formVideo(r, "side_video")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Could not read side_video.")
		return
	}
	front, err := formVideo(r, "front_video")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Could not read front_video.")
		return
	}
	if side == nil && front == nil {
		writeJSONError(w, http.StatusBadRequest, "Provide at least one of side_video or front_video.")
		return
	}

	job, err := h.jobService.CreateJob(r.Context(), userID, userEmail, bearerToken, side, front)
	if err != nil {
		h.writeCreateError(w, err)
		return
	}

	resp := dto.JobCreateResponse{
		JobID:     job.JobID,
		UserID:    job.UserID,
		StatusURL: "/v1/jobs/" + job.JobID,
		Message:   "Analysis queued. Poll the status URL for progress.",
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

func (h *JobHandler) writeCreateError(w http.ResponseWriter, err error) {
	var limitErr *service.LimitReachedError
	switch {
	case errors.Is(err, service.ErrSubscriptionRequired):
		writeJSONError(w, http.StatusPaymentRequired, "An active plan is required to run analyses.")
	case errors.As(err, &limitErr):
		writeJSONError(w, http.StatusTooManyRequests, limitErr.Message)
	case errors.Is(err, service.ErrProfileNotFound):
		// An authenticated user without a profile row is a data-integrity
		// failure on our side, not a client addressing error.
		h.logger.Error().Err(err).Msg("Authenticated user has no profile row")
		writeJSONError(w, http.StatusInternalServerError,
			"Your account could not be loaded. Please contact support.")
	default:
		h.logger.Error().Err(err).Msg("Failed to create job")
		writeJSONError(w, http.StatusInternalServerError, "Failed to create job.")
	}
}

// getJobStatus godoc
// @Summary Poll the status of an analysis job
// @Description Returns the job's current status. Unknown job IDs and jobs owned by other users return status not_found with HTTP 200.
// @Tags jobs
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} dto.JobStatusResponse
// @Router /jobs/{id} [get]
func (h *JobHandler) getJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	userID, ok := r.Context().Value(middleware.UserContextKey).(string)
	if !ok || userID == "" {
		http.Error(w, "Unauthorized: User ID not found in context", http.StatusUnauthorized)
		return
	}

	job, err := h.jobService.GetJob(r.Context(), userID, jobID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "Failed to get job status.")
		return
	}

	resp := dto.JobStatusResponse{JobID: jobID, Status: model.JobStatusNotFound}
	if job != nil {
		resp = dto.JobStatusResponse{
			JobID:    job.JobID,
			Status:   job.Status,
			Progress: job.Progress,
			Stage:    job.Stage,
			Result:   job.ResultData,
		}
		if job.ErrorMessage != nil {
			resp.Error = &dto.JobStatusError{Message: *job.ErrorMessage}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *JobHandler) listJobs(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(middleware.UserContextKey).(string)
	if !ok || userID == "" {
		http.Error(w, "Unauthorized: User ID not found in context", http.StatusUnauthorized)
		return
	}

	limit := 20
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 100 {
		limit = l
	}
	offset := 0
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}

	jobs, err := h.jobService.ListJobs(r.Context(), userID, limit, offset)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "Failed to list jobs.")
		return
	}

	items := make([]dto.JobListItem, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, dto.JobListItem{
			JobID:            job.JobID,
			CreatedAt:        job.CreatedAt,
			OriginalFilename: job.OriginalFilename,
			Status:           job.Status,
			Progress:         job.Progress,
			Stage:            job.Stage,
			ThrowsDetected:   job.ThrowsDetected,
			HasSideVideo:     job.HasSideVideo,
			HasFrontVideo:    job.HasFrontVideo,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(items)
}

// getJobVideo godoc
// @Summary Get a presigned playback URL for a stored video
// @Tags jobs
// @Produce json
// @Param id path string true "Job ID"
// @Param view query string true "Video view" Enums(side, front)
// @Success 200 {object} dto.JobVideoURLResponse
// @Failure 404 {object} map[string]string "video not found"
// @Router /jobs/{id}/video [get]
func (h *JobHandler) getJobVideo(w http.ResponseWriter, r *http.Request, jobID string) {
	userID, ok := r.Context().Value(middleware.UserContextKey).(string)
	if !ok || userID == "" {
		http.Error(w, "Unauthorized: User ID not found in context", http.StatusUnauthorized)
		return
	}

	view := r.URL.Query().Get("view")
	if view == "" {
		view = "side"
	}

	url, err := h.jobService.GetVideoURL(r.Context(), userID, jobID, view)
	if err != nil {
		if errors.Is(err, service.ErrVideoNotFound) {
			writeJSONError(w, http.StatusNotFound, "Video not found.")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "Failed to generate video URL.")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(dto.JobVideoURLResponse{URL: url})
}

// formVideo returns the named upload or nil when the part is absent.
func formVideo(r *http.Request, field string) (*service.VideoUpload, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, nil
		}
		return nil, err
	}
	return &service.VideoUpload{
		Filename: header.Filename,
		Content:  file,
		Size:     header.Size,
	}, nil
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

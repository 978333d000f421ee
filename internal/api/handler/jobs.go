package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	mw "github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/api/middleware"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/api/response"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/jobs"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/store"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/pkg/models"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 20

// JobService is what the job handlers depend on.
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*models.Job, error)
	Status(ctx context.Context, userID, id string) (*models.Job, error)
	List(ctx context.Context, userID string, limit int) ([]*models.Job, error)
}

// NewAnalyzeHandler returns an http.HandlerFunc for POST /api/v1/analyze.
func NewAnalyzeHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := mw.GetIdentity(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing identity", nil)
			return
		}

		var req struct {
			Description    string `json:"description"`
			ImageReference string `json:"image_reference"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		job, err := svc.Submit(r.Context(), jobs.SubmitRequest{
			TenantID:       id.TenantID,
			UserID:         id.UserID,
			Description:    req.Description,
			ImageReference: req.ImageReference,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}

		response.Accepted(w, submitResponse{JobID: job.ID.String(), Status: job.Status})
	}
}

// NewStatusHandler returns an http.HandlerFunc for GET /api/v1/analyze/{jobID}.
func NewStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := mw.GetIdentity(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing identity", nil)
			return
		}

		job, err := svc.Status(r.Context(), id.UserID, chi.URLParam(r, "jobID"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, toJobView(job))
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := mw.GetIdentity(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing identity", nil)
			return
		}

		limit := jobs.MaxListLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
				return
			}
			limit = min(n, jobs.MaxListLimit)
		}

		list, err := svc.List(r.Context(), id.UserID, limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		views := make([]jobView, 0, len(list))
		for _, j := range list {
			views = append(views, toJobView(j))
		}
		response.Collection(w, views, response.ListMeta{Limit: limit, Count: len(views)})
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrValidation):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR",
			strings.TrimPrefix(err.Error(), jobs.ErrValidation.Error()+": "), nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	case errors.Is(err, store.ErrRemoteStore):
		slog.Error("store request failed", "error", err)
		response.Error(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE",
			"The data store is not available", nil)
	default:
		slog.Error("request failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

type submitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type jobView struct {
	JobID       string          `json:"job_id"`
	Status      string          `json:"status"`
	Progress    int             `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
	CompletedAt *string         `json:"completed_at,omitempty"`
}

func toJobView(j *models.Job) jobView {
	v := jobView{
		JobID:     j.ID.String(),
		Status:    j.Status,
		Progress:  j.Progress,
		Error:     j.Error,
		CreatedAt: j.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: j.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if j.Status == models.JobStatusCompleted && len(j.Result) > 0 {
		v.Result = j.Result
	}
	if j.CompletedAt != nil {
		s := j.CompletedAt.UTC().Format(time.RFC3339)
		v.CompletedAt = &s
	}
	return v
}

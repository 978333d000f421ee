// Package jobs owns the analysis job lifecycle. Every state change is a single
// conditional update at the store whose filter includes the expected current
// status, so concurrent dispatchers can never both win the same transition.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/store"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/pkg/models"
	"github.com/google/uuid"
)

// Table is the store table holding job state. It must never be cached.
const Table = "analysis_jobs"

var (
	// ErrAlreadyClaimed means another dispatcher moved the job out of pending first.
	ErrAlreadyClaimed = errors.New("job already claimed")
	// ErrStateConflict means the job was not in the status the transition requires.
	ErrStateConflict = errors.New("job not in expected state")
)

var validTransitions = map[string][]string{
	models.JobStatusPending:    {models.JobStatusProcessing, models.JobStatusFailed},
	models.JobStatusProcessing: {models.JobStatusProcessing, models.JobStatusCompleted, models.JobStatusFailed},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to string) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Repository reads and transitions jobs through a store.Binding.
type Repository struct {
	db  store.Binding
	now func() time.Time
}

type Option func(*Repository)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

func NewRepository(db store.Binding, opts ...Option) *Repository {
	r := &Repository{db: db, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create stores job as pending with progress 0. A zero ID is replaced with a new one.
func (r *Repository) Create(ctx context.Context, job *models.Job) error {
	now := r.now().UTC()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = models.JobStatusPending
	job.Progress = models.ProgressQueued
	job.Result = nil
	job.Error = nil
	job.CompletedAt = nil
	job.CreatedAt = now
	job.UpdatedAt = now

	if err := r.db.Write(ctx, Table, []store.Record{toRecord(job)}); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	res, err := r.db.Query(ctx, Table, store.Query{
		Filters: []store.Filter{store.Eq("id", id.String())},
		Limit:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(res.Records) == 0 {
		return nil, store.ErrNotFound
	}
	return fromRecord(res.Records[0])
}

// ListByUser returns the user's most recent jobs, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID string, limit int) ([]*models.Job, error) {
	return r.list(ctx, "list user jobs", store.Query{
		Filters: []store.Filter{store.Eq("user_id", userID)},
		Sort:    []store.Sort{store.Desc("created_at")},
		Limit:   limit,
	})
}

// ListPending returns up to limit pending jobs, oldest first.
func (r *Repository) ListPending(ctx context.Context, limit int) ([]*models.Job, error) {
	return r.list(ctx, "list pending jobs", store.Query{
		Filters: []store.Filter{store.Eq("status", models.JobStatusPending)},
		Sort:    []store.Sort{store.Asc("created_at")},
		Limit:   limit,
	})
}

// ListStuck returns non-terminal jobs created before cutoff, oldest first.
func (r *Repository) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error) {
	return r.list(ctx, "list stuck jobs", store.Query{
		Filters: []store.Filter{
			store.In("status", models.JobStatusPending, models.JobStatusProcessing),
			store.Lt("created_at", cutoff.UTC()),
		},
		Sort:  []store.Sort{store.Asc("created_at")},
		Limit: limit,
	})
}

func (r *Repository) list(ctx context.Context, op string, q store.Query) ([]*models.Job, error) {
	res, err := r.db.Query(ctx, Table, q)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	jobs := make([]*models.Job, 0, len(res.Records))
	for _, rec := range res.Records {
		j, err := fromRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Claim moves a pending job to processing. Exactly one caller wins; every other
// concurrent caller gets ErrAlreadyClaimed.
func (r *Repository) Claim(ctx context.Context, id uuid.UUID) error {
	n, err := r.transition(ctx, id, []string{models.JobStatusPending}, store.Record{
		"status":   models.JobStatusProcessing,
		"progress": models.ProgressClaimed,
	})
	if err != nil {
		return fmt.Errorf("claim job: %w", err)
	}
	if n == 0 {
		return ErrAlreadyClaimed
	}
	return nil
}

// MarkExtracted records that analysis finished and persistence is under way.
func (r *Repository) MarkExtracted(ctx context.Context, id uuid.UUID) error {
	n, err := r.transition(ctx, id, []string{models.JobStatusProcessing}, store.Record{
		"progress": models.ProgressExtracted,
	})
	if err != nil {
		return fmt.Errorf("mark job extracted: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("mark job extracted: %w", ErrStateConflict)
	}
	return nil
}

// Complete stores the result summary and makes the job terminal.
func (r *Repository) Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	now := r.now().UTC()
	n, err := r.transition(ctx, id, []string{models.JobStatusProcessing}, store.Record{
		"status":       models.JobStatusCompleted,
		"progress":     models.ProgressDone,
		"result":       result,
		"completed_at": now,
	})
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("complete job: %w", ErrStateConflict)
	}
	return nil
}

// Fail makes a pending or processing job terminal with msg as its error. It
// reports false when the job was already terminal, which is not an error.
func (r *Repository) Fail(ctx context.Context, id uuid.UUID, msg string) (bool, error) {
	now := r.now().UTC()
	n, err := r.transition(ctx, id, []string{models.JobStatusPending, models.JobStatusProcessing}, store.Record{
		"status":       models.JobStatusFailed,
		"error":        msg,
		"completed_at": now,
	})
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	return n > 0, nil
}

func (r *Repository) transition(ctx context.Context, id uuid.UUID, from []string, updates store.Record) (int64, error) {
	statusFilter := store.Eq("status", from[0])
	if len(from) > 1 {
		vs := make([]any, len(from))
		for i, s := range from {
			vs[i] = s
		}
		statusFilter = store.In("status", vs...)
	}
	updates["updated_at"] = r.now().UTC()
	return r.db.Update(ctx, Table, []store.Filter{store.Eq("id", id.String()), statusFilter}, updates)
}

func toRecord(j *models.Job) store.Record {
	rec := store.Record{
		"id":              j.ID.String(),
		"tenant_id":       j.TenantID,
		"user_id":         j.UserID,
		"status":          j.Status,
		"description":     j.Description,
		"image_reference": j.ImageReference,
		"progress":        j.Progress,
		"created_at":      j.CreatedAt,
		"updated_at":      j.UpdatedAt,
		"result":          nil,
		"error":           nil,
		"completed_at":    nil,
	}
	if len(j.Result) > 0 {
		rec["result"] = j.Result
	}
	if j.Error != nil {
		rec["error"] = *j.Error
	}
	if j.CompletedAt != nil {
		rec["completed_at"] = *j.CompletedAt
	}
	return rec
}

func fromRecord(rec store.Record) (*models.Job, error) {
	id, err := uuid.Parse(rec.String("id"))
	if err != nil {
		return nil, fmt.Errorf("parse job id %q: %w", rec.String("id"), err)
	}
	return &models.Job{
		ID:             id,
		TenantID:       rec.String("tenant_id"),
		UserID:         rec.String("user_id"),
		Status:         rec.String("status"),
		Description:    rec.String("description"),
		ImageReference: rec.String("image_reference"),
		Progress:       rec.Int("progress"),
		Result:         rec.JSON("result"),
		Error:          rec.StringPtr("error"),
		CreatedAt:      rec.Time("created_at"),
		UpdatedAt:      rec.Time("updated_at"),
		CompletedAt:    rec.TimePtr("completed_at"),
	}, nil
}

package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/store"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ErrValidation marks submissions rejected before any job exists.
var ErrValidation = errors.New("validation error")

var validate = validator.New()

// MaxListLimit caps List.
const MaxListLimit = 50

// SubmitRequest is one analysis submission. At least one of Description and
// ImageReference must be non-empty.
type SubmitRequest struct {
	TenantID       string `validate:"required"`
	UserID         string `validate:"required"`
	Description    string `validate:"required_without=ImageReference,max=10000"`
	ImageReference string `validate:"required_without=Description,max=2048"`
}

// Publisher announces new jobs to an event-driven dispatcher.
type Publisher interface {
	Publish(ctx context.Context, msg models.JobMessage) error
}

// Service accepts submissions and answers status queries.
type Service struct {
	repo      *Repository
	publisher Publisher
	logger    *slog.Logger
}

type ServiceOption func(*Service)

// WithPublisher makes Submit announce every created job.
func WithPublisher(p Publisher) ServiceOption {
	return func(s *Service) { s.publisher = p }
}

func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

func NewService(repo *Repository, opts ...ServiceOption) *Service {
	s := &Service{repo: repo, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates req and creates a pending job. Invalid input returns an error
// wrapping ErrValidation and nothing is written.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	req.Description = strings.TrimSpace(req.Description)
	req.ImageReference = strings.TrimSpace(req.ImageReference)

	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, describeValidation(err))
	}

	job := &models.Job{
		TenantID:       req.TenantID,
		UserID:         req.UserID,
		Description:    req.Description,
		ImageReference: req.ImageReference,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, err
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, job.Message()); err != nil {
			// Nothing will ever pick the job up, so it must not stay pending.
			if _, failErr := s.repo.Fail(ctx, job.ID, "could not enqueue job"); failErr != nil {
				s.logger.Error("failing unqueued job", "job_id", job.ID, "error", failErr)
			}
			return nil, fmt.Errorf("enqueue job: %w", err)
		}
	}

	s.logger.Info("job submitted", "job_id", job.ID, "user_id", job.UserID)
	return job, nil
}

// Status returns the job if it belongs to userID. Other users' jobs are reported
// as not found.
func (s *Service) Status(ctx context.Context, userID string, id string) (*models.Job, error) {
	jobID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, store.ErrNotFound
	}
	return job, nil
}

// List returns the user's latest jobs, newest first.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]*models.Job, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	return s.repo.ListByUser(ctx, userID, limit)
}

func parseID(id string) (uuid.UUID, error) {
	jobID, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid job id %q", ErrValidation, id)
	}
	return jobID, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required_without":
			msgs = append(msgs, "description or image_reference is required")
		case "required":
			msgs = append(msgs, fieldName(fe.Field())+" is required")
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", fieldName(fe.Field()), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid", fieldName(fe.Field())))
		}
	}
	return strings.Join(dedupe(msgs), "; ")
}

func fieldName(f string) string {
	switch f {
	case "ImageReference":
		return "image_reference"
	case "TenantID":
		return "tenant_id"
	case "UserID":
		return "user_id"
	}
	return strings.ToLower(f)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

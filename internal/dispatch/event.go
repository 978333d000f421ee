package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/jobs"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/store"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/pkg/models"
)

// EventHandler runs the job named by one queue message. Deliveries are
// at-least-once, so a message for a job that is already claimed or terminal
// is acknowledged without doing anything.
type EventHandler struct {
	repo   *jobs.Repository
	runner *Runner
	guard  guard
	logger *slog.Logger
}

type EventOption func(*EventHandler)

func WithEventTenant(tenantID string) EventOption {
	return func(h *EventHandler) { h.guard.tenantID = tenantID }
}

func WithEventClock(now func() time.Time) EventOption {
	return func(h *EventHandler) { h.guard.now = now }
}

func WithEventLogger(l *slog.Logger) EventOption {
	return func(h *EventHandler) {
		h.logger = l
		h.guard.logger = l
	}
}

func NewEventHandler(repo *jobs.Repository, runner *Runner, jobTimeout time.Duration, opts ...EventOption) *EventHandler {
	h := &EventHandler{
		repo:   repo,
		runner: runner,
		guard:  guard{repo: repo, timeout: jobTimeout, now: time.Now, logger: slog.Default()},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle processes msg. It returns an error only when the message should be
// delivered again: a store failure before the job was claimed. Analysis
// failures are recorded on the job and acknowledged.
func (h *EventHandler) Handle(ctx context.Context, msg models.JobMessage) error {
	job, err := h.repo.Get(ctx, msg.JobID)
	if errors.Is(err, store.ErrNotFound) {
		h.logger.Warn("message for unknown job", "job_id", msg.JobID)
		return nil
	}
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		h.logger.Debug("job already terminal", "job_id", job.ID, "status", job.Status)
		return nil
	}

	ok, err := h.guard.admit(ctx, job)
	if err != nil || !ok {
		return err
	}

	if err := h.repo.Claim(ctx, job.ID); err != nil {
		if errors.Is(err, jobs.ErrAlreadyClaimed) {
			// If the claimant died, Poller.RunRecovery fails the job at the timeout.
			h.logger.Debug("job claimed elsewhere", "job_id", job.ID)
			return nil
		}
		return err
	}

	_ = h.runner.Execute(ctx, job)
	return nil
}

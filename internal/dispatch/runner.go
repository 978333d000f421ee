// Package dispatch moves pending jobs through analysis. Poller is the
// long-lived loop; EventHandler runs one job per inbound queue message. Both
// rely on the atomic claim in package jobs for exclusivity.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/analysis"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/jobs"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/pkg/models"
)

// ErrStuckJob marks a job that stayed pending or processing past the job timeout.
var ErrStuckJob = errors.New("stuck job timeout")

const maxErrorLen = 500

// failTimeout bounds the terminal Fail write, which outlives the caller's context.
const failTimeout = 10 * time.Second

// Analyzer runs the two analysis stages.
type Analyzer interface {
	Run(ctx context.Context, r analysis.Run) (*models.AnalysisResult, error)
}

// ResultWriter stores a typed result and returns its record id.
type ResultWriter interface {
	Persist(ctx context.Context, job *models.Job, result *models.AnalysisResult) (string, error)
}

// Runner executes one claimed job to a terminal state.
type Runner struct {
	repo     *jobs.Repository
	analyzer Analyzer
	results  ResultWriter
	logger   *slog.Logger
}

func NewRunner(repo *jobs.Repository, analyzer Analyzer, results ResultWriter, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{repo: repo, analyzer: analyzer, results: results, logger: logger}
}

// Execute analyzes job, persists the result and completes the job. Job must
// already be claimed. Any failure fails the job with a readable message and is
// returned. The failure is recorded even when ctx was cancelled mid-run, so a
// shutdown never leaves a claimed job in processing.
func (r *Runner) Execute(ctx context.Context, job *models.Job) error {
	start := time.Now()
	if err := r.execute(ctx, job); err != nil {
		msg := failureMessage(err)
		failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failTimeout)
		defer cancel()
		failed, ferr := r.repo.Fail(failCtx, job.ID, msg)
		switch {
		case ferr != nil:
			r.logger.Error("job fail transition failed", "job_id", job.ID, "error", ferr, "cause", err)
		case failed:
			r.logger.Warn("job failed", "job_id", job.ID, "error", msg)
		default:
			r.logger.Info("job already terminal", "job_id", job.ID, "error", msg)
		}
		return err
	}
	r.logger.Info("job completed", "job_id", job.ID, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (r *Runner) execute(ctx context.Context, job *models.Job) error {
	result, err := r.analyzer.Run(ctx, analysis.Run{
		JobID:  job.ID,
		UserID: job.UserID,
		Input: analysis.Input{
			Description:    job.Description,
			ImageReference: job.ImageReference,
		},
	})
	if err != nil {
		return err
	}

	if err := r.repo.MarkExtracted(ctx, job.ID); err != nil {
		return err
	}

	resultID, err := r.results.Persist(ctx, job, result)
	if err != nil {
		return err
	}

	summary, err := result.Summary(resultID)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return r.repo.Complete(ctx, job.ID, summary)
}

func failureMessage(err error) string {
	msg := err.Error()
	if len(msg) <= maxErrorLen {
		return msg
	}
	cut := maxErrorLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + "..."
}

// guard force-fails jobs this dispatcher must not run.
type guard struct {
	repo     *jobs.Repository
	tenantID string
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// admit reports whether job may be claimed. Jobs of another tenant and jobs
// older than the timeout are failed instead.
func (g *guard) admit(ctx context.Context, job *models.Job) (bool, error) {
	if g.tenantID != "" && job.TenantID != g.tenantID {
		msg := fmt.Sprintf("tenant mismatch: job belongs to %q, dispatcher serves %q", job.TenantID, g.tenantID)
		if _, err := g.repo.Fail(ctx, job.ID, msg); err != nil {
			return false, err
		}
		g.logger.Warn("job tenant mismatch", "job_id", job.ID, "tenant_id", job.TenantID)
		return false, nil
	}
	if age := job.Age(g.now()); age > g.timeout {
		return false, g.expire(ctx, job, age)
	}
	return true, nil
}

func (g *guard) expire(ctx context.Context, job *models.Job, age time.Duration) error {
	failed, err := g.repo.Fail(ctx, job.ID, timeoutMessage(age, g.timeout))
	if err != nil {
		return err
	}
	if failed {
		g.logger.Warn("stuck job failed", "job_id", job.ID, "status", job.Status,
			"age_s", int(age.Seconds()), "error", ErrStuckJob)
	}
	return nil
}

func timeoutMessage(age, limit time.Duration) string {
	return fmt.Sprintf("job timed out after %ds (limit %ds)", int(age.Seconds()), int(limit.Seconds()))
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/config"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/jobs"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	settledSize = 1024
	settledTTL  = time.Hour
)

// Poller repeatedly claims and runs pending jobs until its context ends.
type Poller struct {
	repo       *jobs.Repository
	runner     *Runner
	guard      guard
	batchSize  int
	idleDelay  time.Duration
	errorDelay time.Duration
	// settled remembers jobs this instance already failed or finished so a
	// lagging read does not hand them back every cycle. Claim decides exclusivity.
	settled *expirable.LRU[uuid.UUID, struct{}]
	sleep   func(ctx context.Context, d time.Duration) bool
	logger  *slog.Logger
}

type PollerOption func(*Poller)

// WithTenant restricts the poller to jobs of tenantID. Other tenants' jobs are failed.
func WithTenant(tenantID string) PollerOption {
	return func(p *Poller) { p.guard.tenantID = tenantID }
}

func WithPollerClock(now func() time.Time) PollerOption {
	return func(p *Poller) { p.guard.now = now }
}

// WithSleep replaces the delay between cycles, for tests. sleep reports false
// when ctx ended first.
func WithSleep(sleep func(ctx context.Context, d time.Duration) bool) PollerOption {
	return func(p *Poller) { p.sleep = sleep }
}

func WithPollerLogger(l *slog.Logger) PollerOption {
	return func(p *Poller) {
		p.logger = l
		p.guard.logger = l
	}
}

func NewPoller(repo *jobs.Repository, runner *Runner, cfg config.DispatchConfig, opts ...PollerOption) *Poller {
	p := &Poller{
		repo:       repo,
		runner:     runner,
		guard:      guard{repo: repo, timeout: cfg.JobTimeout, now: time.Now, logger: slog.Default()},
		batchSize:  cfg.BatchSize,
		idleDelay:  cfg.IdleDelay,
		errorDelay: cfg.ErrorDelay,
		settled:    expirable.NewLRU[uuid.UUID, struct{}](settledSize, nil, settledTTL),
		sleep:      sleepContext,
		logger:     slog.Default(),
	}
	if p.batchSize <= 0 {
		p.batchSize = 10
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until ctx is cancelled. A failing cycle is logged and retried
// after the error delay; Run itself never stops on a job's failure.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("poller started", "batch_size", p.batchSize, "tenant_id", p.guard.tenantID)
	for ctx.Err() == nil {
		delay := p.cycle(ctx)
		if !p.sleep(ctx, delay) {
			break
		}
	}
	p.logger.Info("poller stopped")
}

func (p *Poller) cycle(ctx context.Context) (delay time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("poll cycle panicked", "panic", fmt.Sprint(r))
			delay = p.errorDelay
		}
	}()

	n, err := p.RunOnce(ctx)
	switch {
	case err != nil:
		if ctx.Err() == nil {
			p.logger.Error("poll cycle failed", "error", err)
		}
		return p.errorDelay
	case n == 0:
		return p.idleDelay
	default:
		return 0
	}
}

// RunOnce performs a single cycle: fail stuck jobs, then claim and execute
// eligible pending jobs oldest first. It returns how many jobs it executed.
// A store error ends the cycle early; jobs stay where they were.
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	if _, err := p.RecoverStuck(ctx); err != nil {
		return 0, err
	}

	pending, err := p.repo.ListPending(ctx, p.batchSize)
	if err != nil {
		return 0, err
	}

	executed := 0
	for _, job := range pending {
		if err := ctx.Err(); err != nil {
			return executed, err
		}
		if p.settled.Contains(job.ID) {
			continue
		}

		ok, err := p.guard.admit(ctx, job)
		if err != nil {
			return executed, err
		}
		if !ok {
			p.settled.Add(job.ID, struct{}{})
			continue
		}

		if err := p.repo.Claim(ctx, job.ID); err != nil {
			if errors.Is(err, jobs.ErrAlreadyClaimed) {
				p.logger.Debug("job claimed elsewhere", "job_id", job.ID)
				continue
			}
			return executed, err
		}

		// Failure is recorded on the job; the loop moves on.
		_ = p.runner.Execute(ctx, job)
		p.settled.Add(job.ID, struct{}{})
		executed++
	}
	return executed, nil
}

// RecoverStuck fails up to one batch of jobs that stayed pending or processing
// past the job timeout and returns how many it found.
func (p *Poller) RecoverStuck(ctx context.Context) (int, error) {
	cutoff := p.guard.now().Add(-p.guard.timeout)
	stuck, err := p.repo.ListStuck(ctx, cutoff, p.batchSize)
	if err != nil {
		return 0, err
	}
	for _, job := range stuck {
		if err := p.guard.expire(ctx, job, job.Age(p.guard.now())); err != nil {
			return 0, err
		}
		p.settled.Add(job.ID, struct{}{})
	}
	return len(stuck), nil
}

// RunRecovery sweeps stuck jobs until ctx is cancelled, without claiming new
// work. Queue consumers run it alongside the stream: a message whose worker
// died is redelivered to a consumer that cannot claim the job, so only the
// sweep can move it to failed.
func (p *Poller) RunRecovery(ctx context.Context) {
	p.logger.Info("stuck job sweep started", "timeout", p.guard.timeout)
	for ctx.Err() == nil {
		delay := p.sweep(ctx)
		if !p.sleep(ctx, delay) {
			break
		}
	}
	p.logger.Info("stuck job sweep stopped")
}

func (p *Poller) sweep(ctx context.Context) (delay time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("stuck job sweep panicked", "panic", fmt.Sprint(r))
			delay = p.errorDelay
		}
	}()

	n, err := p.RecoverStuck(ctx)
	switch {
	case err != nil:
		if ctx.Err() == nil {
			p.logger.Error("stuck job sweep failed", "error", err)
		}
		return p.errorDelay
	case n >= p.batchSize:
		return 0
	default:
		return p.idleDelay
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

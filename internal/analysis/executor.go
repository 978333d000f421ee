package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/store"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/pkg/models"
	"github.com/google/uuid"
)

// UsageTable receives one cost record per analysis run.
const UsageTable = "usage_log"

// Run identifies the job being analyzed, for cost accounting.
type Run struct {
	JobID  uuid.UUID
	UserID string
	Input
}

// Executor runs classification then extraction and accounts for their cost.
type Executor struct {
	classifier *Classifier
	extractor  *Extractor
	usage      store.Binding
	costPer1K  float64
	now        func() time.Time
	logger     *slog.Logger
}

type ExecutorOption func(*Executor)

// WithUsageStore records a UsageRecord per run in db.
func WithUsageStore(db store.Binding) ExecutorOption {
	return func(e *Executor) { e.usage = db }
}

func WithCostPer1KTokens(rate float64) ExecutorOption {
	return func(e *Executor) { e.costPer1K = rate }
}

func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

func NewExecutor(classifier *Classifier, extractor *Extractor, opts ...ExecutorOption) *Executor {
	e := &Executor{
		classifier: classifier,
		extractor:  extractor,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run classifies and extracts. A classification failure never surfaces; an
// extraction failure returns an error wrapping ErrExtraction.
func (e *Executor) Run(ctx context.Context, r Run) (*models.AnalysisResult, error) {
	cls := e.classifier.Classify(ctx, r.Input)

	payload, resp, err := e.extractor.Extract(ctx, cls.Category, r.Input)
	tokens := cls.TokensUsed + resp.TotalTokens()
	cost := e.Cost(tokens)
	if err != nil {
		e.logger.Warn("analysis failed",
			"job_id", r.JobID, "category", cls.Category, "tokens", tokens, "cost_usd", cost, "error", err)
		return nil, err
	}

	result := &models.AnalysisResult{
		Category:   cls.Category,
		Confidence: cls.Confidence,
		Payload:    payload,
		TokensUsed: tokens,
		CostUSD:    cost,
		Fallback:   cls.Fallback,
	}
	for _, m := range []string{cls.Model, resp.Model} {
		if m != "" && !slices.Contains(result.Models, m) {
			result.Models = append(result.Models, m)
		}
	}

	e.logger.Info("analysis.usage",
		"job_id", r.JobID,
		"category", cls.Category,
		"confidence", cls.Confidence,
		"fallback", cls.Fallback,
		"tokens", tokens,
		"cost_usd", cost,
	)
	e.recordUsage(ctx, r, result)
	return result, nil
}

// Cost prices tokens at the configured per-1K rate.
func (e *Executor) Cost(tokens int) float64 {
	return float64(tokens) / 1000 * e.costPer1K
}

// recordUsage is best effort: a failed write is logged and the run still succeeds.
func (e *Executor) recordUsage(ctx context.Context, r Run, result *models.AnalysisResult) {
	if e.usage == nil {
		return
	}
	u := models.UsageRecord{
		// Derived from the job so a redelivered job overwrites its record.
		ID:          uuid.NewSHA1(r.JobID, []byte("usage")),
		JobID:       r.JobID,
		UserID:      r.UserID,
		Category:    result.Category,
		Models:      strings.Join(result.Models, ","),
		TotalTokens: result.TokensUsed,
		CostUSD:     result.CostUSD,
		CreatedAt:   e.now().UTC(),
	}
	err := e.usage.Write(ctx, UsageTable, []store.Record{{
		"id":           u.ID.String(),
		"job_id":       u.JobID.String(),
		"user_id":      u.UserID,
		"category":     string(u.Category),
		"models":       u.Models,
		"total_tokens": u.TotalTokens,
		"cost_usd":     u.CostUSD,
		"created_at":   u.CreatedAt,
	}})
	if err != nil {
		e.logger.Warn("usage record not written", "job_id", r.JobID, "error", fmt.Errorf("write usage: %w", err))
	}
}

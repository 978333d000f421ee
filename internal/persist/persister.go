// Package persist writes typed analysis results to their tables.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/store"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/pkg/models"
	"github.com/google/uuid"
)

const (
	FoodTable             = "food_results"
	ReceiptTable          = "receipt_results"
	ReceiptItemsTable     = "receipt_items"
	WorkoutTable          = "workout_results"
	WorkoutExercisesTable = "workout_exercises"
)

// ErrPersist wraps every failure to store a result. Nothing from the failed
// attempt is left behind.
var ErrPersist = errors.New("result persistence failed")

// recordSet is one result as rows: a parent plus children pointing at it.
type recordSet struct {
	table       string
	parent      store.Record
	childTable  string
	parentField string
	children    []store.Record
}

// Persister maps each payload type to its tables. The parent row id is the job
// id and child ids derive from it, so writing the same job twice upserts the
// same rows.
type Persister struct {
	db     store.Binding
	now    func() time.Time
	logger *slog.Logger
}

func NewPersister(db store.Binding, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{db: db, now: time.Now, logger: logger}
}

// Persist stores result for job and returns the parent record id. Unknown
// payloads have no table; they return an empty id and live only in the job result.
func (p *Persister) Persist(ctx context.Context, job *models.Job, result *models.AnalysisResult) (string, error) {
	set, err := p.build(job, result.Payload)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPersist, err)
	}
	if set == nil {
		return "", nil
	}
	parentID := set.parent.String("id")

	if err := p.db.Write(ctx, set.table, []store.Record{set.parent}); err != nil {
		return "", fmt.Errorf("%w: write %s: %w", ErrPersist, set.table, err)
	}
	if set.childTable == "" {
		return parentID, nil
	}

	// Rows left over from an earlier attempt with more children.
	if _, err := p.db.Delete(ctx, set.childTable, []store.Filter{store.Eq(set.parentField, parentID)}); err != nil {
		p.rollback(ctx, set)
		return "", fmt.Errorf("%w: clear %s: %w", ErrPersist, set.childTable, err)
	}
	if len(set.children) > 0 {
		if err := p.db.Write(ctx, set.childTable, set.children); err != nil {
			p.rollback(ctx, set)
			return "", fmt.Errorf("%w: write %s: %w", ErrPersist, set.childTable, err)
		}
	}
	return parentID, nil
}

// rollback removes the parent and any children so a failed attempt leaves no
// partial result. It runs even if ctx is already cancelled.
func (p *Persister) rollback(ctx context.Context, set *recordSet) {
	ctx = context.WithoutCancel(ctx)
	parentID := set.parent.String("id")
	if _, err := p.db.Delete(ctx, set.childTable, []store.Filter{store.Eq(set.parentField, parentID)}); err != nil {
		p.logger.Error("rollback children failed", "table", set.childTable, "parent_id", parentID, "error", err)
	}
	if _, err := p.db.Delete(ctx, set.table, []store.Filter{store.Eq("id", parentID)}); err != nil {
		p.logger.Error("rollback parent failed", "table", set.table, "parent_id", parentID, "error", err)
	}
}

func (p *Persister) build(job *models.Job, payload models.Payload) (*recordSet, error) {
	now := p.now().UTC()
	parentID := job.ID.String()
	base := store.Record{
		"id":         parentID,
		"job_id":     parentID,
		"user_id":    job.UserID,
		"image_url":  job.ImageReference,
		"created_at": now,
	}

	switch v := payload.(type) {
	case models.FoodResult:
		items, err := json.Marshal(v.Items)
		if err != nil {
			return nil, fmt.Errorf("encode food items: %w", err)
		}
		calories, protein, carbs, fat := v.Totals()
		rec := base.Clone()
		rec["description"] = job.Description
		rec["meal_type"] = v.MealType
		rec["calories"] = calories
		rec["total_protein"] = protein
		rec["total_carbs"] = carbs
		rec["total_fat"] = fat
		rec["food_items"] = json.RawMessage(items)
		return &recordSet{table: FoodTable, parent: rec}, nil

	case models.ReceiptResult:
		rec := base.Clone()
		rec["vendor"] = v.MerchantName
		rec["receipt_date"] = v.PurchaseDate
		rec["total_amount"] = v.TotalAmount
		rec["currency"] = v.Currency
		children := make([]store.Record, 0, len(v.Items))
		for i, it := range v.Items {
			qty := it.Quantity
			if qty == 0 {
				qty = 1
			}
			children = append(children, store.Record{
				"id":         childID(job.ID, i),
				"receipt_id": parentID,
				"name":       it.Name,
				"price":      it.Price,
				"quantity":   qty,
				"created_at": now,
			})
		}
		return &recordSet{table: ReceiptTable, parent: rec, childTable: ReceiptItemsTable, parentField: "receipt_id", children: children}, nil

	case models.WorkoutResult:
		rec := base.Clone()
		delete(rec, "image_url")
		rec["workout_type"] = v.WorkoutType
		rec["duration_minutes"] = v.DurationMinutes
		rec["calories_burned"] = v.CaloriesBurnedEstimate
		children := make([]store.Record, 0, len(v.Exercises))
		for i, ex := range v.Exercises {
			children = append(children, store.Record{
				"id":         childID(job.ID, i),
				"workout_id": parentID,
				"name":       ex.Name,
				"sets":       ex.Sets,
				"reps":       ex.Reps,
				"weight":     ex.Weight,
				"created_at": now,
			})
		}
		return &recordSet{table: WorkoutTable, parent: rec, childTable: WorkoutExercisesTable, parentField: "workout_id", children: children}, nil

	case models.UnknownResult:
		return nil, nil

	default:
		return nil, fmt.Errorf("unsupported payload type %T", payload)
	}
}

func childID(jobID uuid.UUID, index int) string {
	return uuid.NewSHA1(jobID, []byte(strconv.Itoa(index))).String()
}

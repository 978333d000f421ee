package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category is the content class assigned by stage 1.
type Category string

const (
	CategoryFood    Category = "food"
	CategoryReceipt Category = "receipt"
	CategoryWorkout Category = "workout"
	CategoryUnknown Category = "unknown"
)

// ParseCategory maps any label to a known category, defaulting to unknown.
func ParseCategory(s string) Category {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case CategoryFood, CategoryReceipt, CategoryWorkout:
		return c
	default:
		return CategoryUnknown
	}
}

// Classification is the stage 1 outcome.
type Classification struct {
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
	TokensUsed int      `json:"tokens_used"`
	Fallback   bool     `json:"fallback,omitempty"`
	// Model is the model that answered, empty when no reply was received.
	Model string `json:"model,omitempty"`
}

// Payload is the typed stage 2 result. Exactly one concrete type exists per category.
type Payload interface {
	Category() Category
}

type FoodItem struct {
	Name     string  `json:"name"`
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Carbs    float64 `json:"carbs"`
	Fat      float64 `json:"fat"`
	Fiber    float64 `json:"fiber,omitempty"`
	Sodium   float64 `json:"sodium,omitempty"`
}

type FoodResult struct {
	Items         []FoodItem `json:"food_items"`
	MealType      string     `json:"meal_type"`
	TotalCalories float64    `json:"total_calories"`
}

func (FoodResult) Category() Category { return CategoryFood }

// Totals sums macronutrients across items. TotalCalories from the model is
// used when items carry no calorie data.
func (f FoodResult) Totals() (calories, protein, carbs, fat float64) {
	for _, it := range f.Items {
		calories += it.Calories
		protein += it.Protein
		carbs += it.Carbs
		fat += it.Fat
	}
	if calories == 0 {
		calories = f.TotalCalories
	}
	return calories, protein, carbs, fat
}

type ReceiptItem struct {
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

type ReceiptResult struct {
	MerchantName string        `json:"merchant_name"`
	PurchaseDate string        `json:"purchase_date"`
	TotalAmount  float64       `json:"total_amount"`
	Currency     string        `json:"currency"`
	Items        []ReceiptItem `json:"items"`
}

func (ReceiptResult) Category() Category { return CategoryReceipt }

type Exercise struct {
	Name   string  `json:"name"`
	Sets   int     `json:"sets"`
	Reps   int     `json:"reps"`
	Weight float64 `json:"weight,omitempty"`
}

type WorkoutResult struct {
	WorkoutType            string     `json:"workout_type"`
	DurationMinutes        float64    `json:"duration_minutes"`
	CaloriesBurnedEstimate float64    `json:"calories_burned_estimate"`
	Exercises              []Exercise `json:"exercises"`
}

func (WorkoutResult) Category() Category { return CategoryWorkout }

// UnknownResult keeps whatever the model returned for unclassifiable content.
type UnknownResult struct {
	Data map[string]any `json:"data"`
}

func (UnknownResult) Category() Category { return CategoryUnknown }

// AnalysisResult is the full outcome of a two-stage run.
type AnalysisResult struct {
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
	Payload    Payload  `json:"data"`
	TokensUsed int      `json:"tokens_used"`
	CostUSD    float64  `json:"cost_usd"`
	Models     []string `json:"models,omitempty"`
	Fallback   bool     `json:"classification_fallback,omitempty"`
}

// Summary is what gets stored on the job once it completes.
func (r *AnalysisResult) Summary(resultID string) (json.RawMessage, error) {
	return json.Marshal(struct {
		*AnalysisResult
		ResultID string `json:"result_id,omitempty"`
	}{r, resultID})
}

// UsageRecord is one cost-accounting entry per analysis run.
type UsageRecord struct {
	ID          uuid.UUID `json:"id"`
	JobID       uuid.UUID `json:"job_id"`
	UserID      string    `json:"user_id"`
	Category    Category  `json:"category"`
	Models      string    `json:"models"`
	TotalTokens int       `json:"total_tokens"`
	CostUSD     float64   `json:"cost_usd"`
	CreatedAt   time.Time `json:"created_at"`
}

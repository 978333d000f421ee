package analysis_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/ai/mock"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/analysis"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/store"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const foodReply = `{"food_items":[{"name":"chicken","calories":280,"protein":42,"carbs":0,"fat":12},{"name":"greens","calories":40,"protein":2,"carbs":7,"fat":0.5}],"meal_type":"lunch","total_calories":320}`

// scriptedProvider answers classification calls and extraction calls separately.
func scriptedProvider(classify, extract string, classifyErr, extractErr error) *mock.MockProvider {
	return &mock.MockProvider{
		Name_: "scripted",
		CompleteFunc: func(_ context.Context, req models.ChatRequest) (models.ChatResponse, error) {
			if strings.Contains(req.System, "Classify") {
				if classifyErr != nil {
					return models.ChatResponse{}, classifyErr
				}
				return models.ChatResponse{Content: classify, Model: "m-1", InputTokens: 100, OutputTokens: 20}, nil
			}
			if extractErr != nil {
				return models.ChatResponse{}, extractErr
			}
			return models.ChatResponse{Content: extract, Model: "m-1", InputTokens: 600, OutputTokens: 280}, nil
		},
	}
}

func newExecutor(t *testing.T, p models.LLMProvider, opts ...analysis.ExecutorOption) *analysis.Executor {
	t.Helper()
	prompts := analysis.NewPrompts(nil, analysis.NewFSPrompts(nil))
	ex, err := analysis.NewExtractor(p, prompts, 500, nil)
	require.NoError(t, err)
	return analysis.NewExecutor(analysis.NewClassifier(p, 50, nil), ex, opts...)
}

func TestExecutor_FoodRun(t *testing.T) {
	db := store.NewMemoryBinding()
	p := scriptedProvider(`{"category":"food","confidence":0.95}`, foodReply, nil, nil)
	ex := newExecutor(t, p, analysis.WithUsageStore(db), analysis.WithCostPer1KTokens(0.002))
	jobID := uuid.New()

	res, err := ex.Run(context.Background(), analysis.Run{JobID: jobID, UserID: "u1", Input: analysis.Input{Description: "Grilled chicken salad"}})
	require.NoError(t, err)

	assert.Equal(t, models.CategoryFood, res.Category)
	assert.InDelta(t, 0.95, res.Confidence, 0.0001)
	assert.Equal(t, 1000, res.TokensUsed)
	assert.InDelta(t, 0.002, res.CostUSD, 1e-9)
	assert.Equal(t, []string{"m-1"}, res.Models)

	food, ok := res.Payload.(models.FoodResult)
	require.True(t, ok, "payload is %T", res.Payload)
	require.Len(t, food.Items, 2)
	assert.Equal(t, "chicken", food.Items[0].Name)
	assert.InDelta(t, 320, food.TotalCalories, 0.001)

	usage, err := db.Query(context.Background(), analysis.UsageTable, store.Query{})
	require.NoError(t, err)
	require.Len(t, usage.Records, 1)
	assert.Equal(t, jobID.String(), usage.Records[0].String("job_id"))
	assert.Equal(t, "food", usage.Records[0].String("category"))
	assert.Equal(t, 1000, usage.Records[0].Int("total_tokens"))
}

func TestExecutor_RerunOverwritesUsage(t *testing.T) {
	db := store.NewMemoryBinding()
	p := scriptedProvider(`{"category":"food","confidence":0.95}`, foodReply, nil, nil)
	ex := newExecutor(t, p, analysis.WithUsageStore(db))
	run := analysis.Run{JobID: uuid.New(), UserID: "u1", Input: analysis.Input{Description: "salad"}}

	_, err := ex.Run(context.Background(), run)
	require.NoError(t, err)
	_, err = ex.Run(context.Background(), run)
	require.NoError(t, err)

	usage, err := db.Query(context.Background(), analysis.UsageTable, store.Query{})
	require.NoError(t, err)
	assert.Len(t, usage.Records, 1)
}

func TestExecutor_ClassificationFailureStillExtracts(t *testing.T) {
	receipt := `{"merchant_name":"Blue Bottle","purchase_date":"2025-02-01","total_amount":4.5,"currency":"USD","items":[{"name":"latte","price":4.5,"quantity":1}]}`
	p := scriptedProvider("", receipt, errors.New("provider down"), nil)
	ex := newExecutor(t, p)

	res, err := ex.Run(context.Background(), analysis.Run{JobID: uuid.New(), Input: analysis.Input{Description: "coffee shop receipt"}})
	require.NoError(t, err)
	assert.Equal(t, models.CategoryReceipt, res.Category)
	assert.True(t, res.Fallback)
	assert.InDelta(t, analysis.FallbackConfidence, res.Confidence, 0.0001)

	r, ok := res.Payload.(models.ReceiptResult)
	require.True(t, ok)
	assert.Equal(t, "Blue Bottle", r.MerchantName)
	require.Len(t, r.Items, 1)
}

func TestExecutor_WorkoutPayload(t *testing.T) {
	workout := `{"workout_type":"strength","duration_minutes":50,"calories_burned_estimate":300,"exercises":[{"name":"bench press","sets":3,"reps":8,"weight":60}]}`
	ex := newExecutor(t, scriptedProvider(`{"category":"workout","confidence":0.8}`, workout, nil, nil))

	res, err := ex.Run(context.Background(), analysis.Run{JobID: uuid.New(), Input: analysis.Input{Description: "bench day"}})
	require.NoError(t, err)
	w, ok := res.Payload.(models.WorkoutResult)
	require.True(t, ok)
	require.Len(t, w.Exercises, 1)
	assert.Equal(t, 3, w.Exercises[0].Sets)
	assert.InDelta(t, 60, w.Exercises[0].Weight, 0.001)
}

func TestExecutor_UnknownPayload(t *testing.T) {
	ex := newExecutor(t, scriptedProvider(`{"category":"unknown","confidence":0.6}`, `{"subject":"cat","color":"grey"}`, nil, nil))

	res, err := ex.Run(context.Background(), analysis.Run{JobID: uuid.New(), Input: analysis.Input{Description: "my cat"}})
	require.NoError(t, err)
	u, ok := res.Payload.(models.UnknownResult)
	require.True(t, ok)
	assert.Equal(t, "cat", u.Data["subject"])
}

func TestExecutor_ExtractionFailures(t *testing.T) {
	tests := []struct {
		name       string
		extract    string
		extractErr error
	}{
		{"provider error", "", errors.New("503 from provider")},
		{"not json", "Sorry, I can't tell.", nil},
		{"schema mismatch", `{"food_items":"chicken"}`, nil},
		{"missing required field", `{"meal_type":"lunch"}`, nil},
		{"negative calories", `{"food_items":[{"name":"x","calories":-5}]}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := newExecutor(t, scriptedProvider(`{"category":"food","confidence":0.9}`, tt.extract, nil, tt.extractErr))
			res, err := ex.Run(context.Background(), analysis.Run{JobID: uuid.New(), Input: analysis.Input{Description: "lunch"}})
			require.Error(t, err)
			assert.ErrorIs(t, err, analysis.ErrExtraction)
			assert.Nil(t, res)
		})
	}
}

type failingUsage struct {
	*store.MemoryBinding
}

func (failingUsage) Write(_ context.Context, _ string, _ []store.Record) error {
	return store.ErrUnavailable
}

func TestExecutor_UsageWriteFailureIsNotFatal(t *testing.T) {
	p := scriptedProvider(`{"category":"food","confidence":0.95}`, foodReply, nil, nil)
	ex := newExecutor(t, p, analysis.WithUsageStore(failingUsage{store.NewMemoryBinding()}))

	res, err := ex.Run(context.Background(), analysis.Run{JobID: uuid.New(), Input: analysis.Input{Description: "salad"}})
	require.NoError(t, err)
	assert.Equal(t, models.CategoryFood, res.Category)
}

func TestExecutor_Cost(t *testing.T) {
	ex := newExecutor(t, mock.NewMockProvider(), analysis.WithCostPer1KTokens(0.01))
	assert.InDelta(t, 0.025, ex.Cost(2500), 1e-9)
	assert.InDelta(t, 0.0, ex.Cost(0), 1e-9)
}

func TestExecutor_MockProviderEndToEnd(t *testing.T) {
	ex := newExecutor(t, mock.NewMockProvider())
	res, err := ex.Run(context.Background(), analysis.Run{JobID: uuid.New(), Input: analysis.Input{Description: "Grilled chicken salad"}})
	require.NoError(t, err)
	assert.Equal(t, models.CategoryFood, res.Category)
	_, ok := res.Payload.(models.FoodResult)
	assert.True(t, ok)
}

// echoModelProvider replies like scriptedProvider and reports the requested
// model, or "default" when none was requested.
func echoModelProvider(classify string, extracts map[string]string, sent *[]string) *mock.MockProvider {
	return &mock.MockProvider{
		Name_: "echo",
		CompleteFunc: func(_ context.Context, req models.ChatRequest) (models.ChatResponse, error) {
			*sent = append(*sent, req.Model)
			model := req.Model
			if model == "" {
				model = "default"
			}
			content := classify
			if !strings.Contains(req.System, "Classify") {
				content = extracts[model]
			}
			return models.ChatResponse{Content: content, Model: model, InputTokens: 10, OutputTokens: 10}, nil
		},
	}
}

func TestExecutor_StageModels(t *testing.T) {
	receipt := `{"merchant_name":"Corner Market","total_amount":3.5,"items":[{"name":"milk","price":3.5,"quantity":1}]}`
	tests := []struct {
		name        string
		classify    string
		clsModel    string
		catModels   map[models.Category]string
		extracts    map[string]string
		wantSent    []string
		wantModels  []string
		wantPayload models.Category
	}{
		{
			name:        "each stage uses its model",
			classify:    `{"category":"receipt","confidence":0.9}`,
			clsModel:    "small-model",
			catModels:   map[models.Category]string{models.CategoryFood: "food-model", models.CategoryReceipt: "receipt-model"},
			extracts:    map[string]string{"receipt-model": receipt},
			wantSent:    []string{"small-model", "receipt-model"},
			wantModels:  []string{"small-model", "receipt-model"},
			wantPayload: models.CategoryReceipt,
		},
		{
			name:        "unconfigured category uses the food model",
			classify:    `{"category":"unknown","confidence":0.5}`,
			catModels:   map[models.Category]string{models.CategoryFood: "food-model"},
			extracts:    map[string]string{"food-model": `{"subject":"cat"}`},
			wantSent:    []string{"", "food-model"},
			wantModels:  []string{"default", "food-model"},
			wantPayload: models.CategoryUnknown,
		},
		{
			name:        "nothing configured keeps provider default",
			classify:    `{"category":"food","confidence":0.9}`,
			extracts:    map[string]string{"default": foodReply},
			wantSent:    []string{"", ""},
			wantModels:  []string{"default"},
			wantPayload: models.CategoryFood,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sent []string
			p := echoModelProvider(tt.classify, tt.extracts, &sent)
			db := store.NewMemoryBinding()
			extractor, err := analysis.NewExtractor(p, analysis.NewPrompts(nil, analysis.NewFSPrompts(nil)), 500, nil,
				analysis.WithCategoryModels(tt.catModels))
			require.NoError(t, err)
			ex := analysis.NewExecutor(analysis.NewClassifier(p, 50, nil, analysis.WithClassifierModel(tt.clsModel)), extractor,
				analysis.WithUsageStore(db))

			res, err := ex.Run(context.Background(), analysis.Run{JobID: uuid.New(), Input: analysis.Input{Description: "x"}})
			require.NoError(t, err)
			assert.Equal(t, tt.wantSent, sent)
			assert.Equal(t, tt.wantModels, res.Models)
			assert.Equal(t, tt.wantPayload, res.Payload.Category())

			usage, err := db.Query(context.Background(), analysis.UsageTable, store.Query{})
			require.NoError(t, err)
			require.Len(t, usage.Records, 1)
			assert.Equal(t, strings.Join(tt.wantModels, ","), usage.Records[0].String("models"))
		})
	}
}

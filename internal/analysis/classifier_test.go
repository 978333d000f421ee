package analysis_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/ai/mock"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/analysis"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_ModelReply(t *testing.T) {
	var req models.ChatRequest
	p := &mock.MockProvider{Name_: "mock", CompleteFunc: func(_ context.Context, r models.ChatRequest) (models.ChatResponse, error) {
		req = r
		return models.ChatResponse{Content: "```json\n{\"category\":\"Workout\",\"confidence\":0.92}\n```", InputTokens: 30, OutputTokens: 8}, nil
	}}
	c := analysis.NewClassifier(p, 50, nil)

	cls := c.Classify(context.Background(), analysis.Input{Description: "5k run this morning", ImageReference: "s3://b/run.jpg"})
	assert.Equal(t, models.CategoryWorkout, cls.Category)
	assert.InDelta(t, 0.92, cls.Confidence, 0.0001)
	assert.Equal(t, 38, cls.TokensUsed)
	assert.False(t, cls.Fallback)

	assert.Equal(t, 50, req.MaxTokens)
	assert.True(t, req.JSON)
	assert.Equal(t, "s3://b/run.jpg", req.ImageURL)
	assert.Contains(t, req.Prompt, "5k run this morning")
}

func TestClassify_NormalizesReply(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		category models.Category
		conf     float64
	}{
		{"unknown label", `{"category":"pets","confidence":0.7}`, models.CategoryUnknown, 0.7},
		{"confidence above one", `{"category":"food","confidence":4}`, models.CategoryFood, 1},
		{"negative confidence", `{"category":"receipt","confidence":-0.5}`, models.CategoryReceipt, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := analysis.NewClassifier(mock.NewReplyProvider(tt.reply, 1, 1), 50, nil)
			cls := c.Classify(context.Background(), analysis.Input{Description: "x"})
			assert.Equal(t, tt.category, cls.Category)
			assert.InDelta(t, tt.conf, cls.Confidence, 0.0001)
			assert.False(t, cls.Fallback)
		})
	}
}

func TestClassify_FallsBackOnProviderError(t *testing.T) {
	c := analysis.NewClassifier(mock.NewFailingProvider(errors.New("provider down")), 50, nil)

	cls := c.Classify(context.Background(), analysis.Input{Description: "Coffee shop receipt $4.50"})
	assert.Equal(t, models.CategoryReceipt, cls.Category)
	assert.InDelta(t, analysis.FallbackConfidence, cls.Confidence, 0.0001)
	assert.True(t, cls.Fallback)
}

func TestClassify_FallsBackOnUnparseableReply(t *testing.T) {
	c := analysis.NewClassifier(mock.NewReplyProvider("I think this is food", 20, 6), 50, nil)

	cls := c.Classify(context.Background(), analysis.Input{Description: "pasta for dinner"})
	assert.Equal(t, models.CategoryFood, cls.Category)
	assert.True(t, cls.Fallback)
	assert.Equal(t, 26, cls.TokensUsed, "tokens spent on a bad reply still count")
}

func TestKeywordFallback(t *testing.T) {
	tests := []struct {
		desc string
		want models.Category
	}{
		{"receipt from the store", models.CategoryReceipt},
		{"Two receipts, one invoice", models.CategoryReceipt},
		{"I bought groceries", models.CategoryReceipt},
		{"electricity bill", models.CategoryReceipt},
		{"Leg day at the gym", models.CategoryWorkout},
		{"I ran 5 miles", models.CategoryWorkout},
		{"lifted weights", models.CategoryWorkout},
		{"morning training session", models.CategoryWorkout},
		{"Breakfast: eggs and toast", models.CategoryFood},
		{"I ate a sandwich", models.CategoryFood},
		{"late night snacks", models.CategoryFood},
		{"an orange", models.CategoryUnknown},
		{"a random photo of my cat", models.CategoryUnknown},
		{"", models.CategoryUnknown},
		{"receipt for gym membership", models.CategoryReceipt},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			cls := analysis.KeywordFallback(tt.desc)
			require.True(t, cls.Fallback)
			assert.Equal(t, tt.want, cls.Category)
			assert.InDelta(t, 0.3, cls.Confidence, 0.0001)
		})
	}
}

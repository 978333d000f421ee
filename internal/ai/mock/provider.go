package mock

import (
	"context"
	"strings"

	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/pkg/models"
)

// MockProvider satisfies models.LLMProvider for testing and local runs.
type MockProvider struct {
	Name_        string
	CompleteFunc func(ctx context.Context, req models.ChatRequest) (models.ChatResponse, error)
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Complete(ctx context.Context, req models.ChatRequest) (models.ChatResponse, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return models.ChatResponse{}, nil
}

const (
	classificationReply = `{"category":"food","confidence":0.9}`
	foodReply           = `{"food_items":[{"name":"grilled chicken","calories":280,"protein":42,"carbs":0,"fat":12},{"name":"mixed greens","calories":40,"protein":2,"carbs":7,"fat":0.5}],"meal_type":"lunch","total_calories":320}`
	receiptReply        = `{"merchant_name":"Corner Market","purchase_date":"2025-01-15","total_amount":23.5,"currency":"USD","items":[{"name":"milk","price":3.5,"quantity":1},{"name":"coffee","price":20,"quantity":1}]}`
	workoutReply        = `{"workout_type":"strength","duration_minutes":45,"calories_burned_estimate":320,"exercises":[{"name":"squat","sets":3,"reps":10}]}`
)

// NewMockProvider returns a MockProvider with canned replies: a food
// classification for short classification calls and a payload matching the
// category named in the system prompt otherwise.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		CompleteFunc: func(_ context.Context, req models.ChatRequest) (models.ChatResponse, error) {
			content := foodReply
			sys := strings.ToLower(req.System)
			switch {
			case strings.Contains(sys, "classif"):
				content = classificationReply
			case strings.Contains(sys, "receipt"):
				content = receiptReply
			case strings.Contains(sys, "fitness") || strings.Contains(sys, "workout"):
				content = workoutReply
			}
			return models.ChatResponse{
				Content:      content,
				Model:        "mock-v1",
				InputTokens:  len(req.System+req.Prompt) / 4,
				OutputTokens: len(content) / 4,
			}, nil
		},
	}
}

// NewReplyProvider returns a MockProvider that always answers with content.
func NewReplyProvider(content string, inputTokens, outputTokens int) *MockProvider {
	return &MockProvider{
		Name_: "mock",
		CompleteFunc: func(_ context.Context, _ models.ChatRequest) (models.ChatResponse, error) {
			return models.ChatResponse{Content: content, Model: "mock-v1", InputTokens: inputTokens, OutputTokens: outputTokens}, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		CompleteFunc: func(_ context.Context, _ models.ChatRequest) (models.ChatResponse, error) {
			return models.ChatResponse{}, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		CompleteFunc: func(ctx context.Context, _ models.ChatRequest) (models.ChatResponse, error) {
			<-ctx.Done()
			return models.ChatResponse{}, ctx.Err()
		},
	}
}

// Compile-time check that MockProvider implements LLMProvider.
var _ models.LLMProvider = (*MockProvider)(nil)

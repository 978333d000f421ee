package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/ai"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/pkg/models"
)

// FallbackConfidence is reported for every keyword-based classification.
const FallbackConfidence = 0.3

const classifySystemPrompt = `You classify submissions to a personal tracker for meals, purchases and exercise.
Classify the content into exactly one category:
- food: meals, snacks, drinks or nutrition labels
- receipt: receipts, invoices, bills or anything that was bought
- workout: exercise sessions, gym visits, runs or sports
- unknown: anything else

Respond with JSON only: {"category": "food|receipt|workout|unknown", "confidence": 0.0-1.0}`

var reWord = regexp.MustCompile(`[a-z]+`)

// Checked in order; the first category with a matching word wins.
var fallbackKeywords = []struct {
	category models.Category
	words    []string
}{
	{models.CategoryReceipt, []string{"receipt", "invoice", "bill", "purchase", "bought"}},
	{models.CategoryWorkout, []string{"workout", "gym", "exercise", "training", "fitness", "ran", "lifted"}},
	{models.CategoryFood, []string{"food", "meal", "eat", "ate", "breakfast", "lunch", "dinner", "snack"}},
}

// Classifier is stage 1.
type Classifier struct {
	llm       models.LLMProvider
	model     string
	maxTokens int
	logger    *slog.Logger
}

type ClassifierOption func(*Classifier)

// WithClassifierModel sends model with every classification call. Empty
// keeps the provider's default.
func WithClassifierModel(model string) ClassifierOption {
	return func(c *Classifier) { c.model = model }
}

func NewClassifier(llm models.LLMProvider, maxTokens int, logger *slog.Logger, opts ...ClassifierOption) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Classifier{llm: llm, maxTokens: maxTokens, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify never fails: when the model call or its reply is unusable the
// keyword fallback decides.
func (c *Classifier) Classify(ctx context.Context, in Input) models.Classification {
	cls, err := c.classify(ctx, in)
	if err != nil {
		fb := KeywordFallback(in.Description)
		c.logger.Warn("classification fell back to keywords", "category", fb.Category, "error", err)
		fb.TokensUsed = cls.TokensUsed
		fb.Model = cls.Model
		return fb
	}
	return cls
}

func (c *Classifier) classify(ctx context.Context, in Input) (models.Classification, error) {
	prompt := "Content: " + in.Description
	if in.Description == "" {
		prompt = "Classify the attached image."
	}
	resp, err := c.llm.Complete(ctx, models.ChatRequest{
		System:    classifySystemPrompt,
		Prompt:    prompt,
		ImageURL:  in.ImageReference,
		MaxTokens: c.maxTokens,
		Model:     c.model,
		JSON:      true,
	})
	if err != nil {
		return models.Classification{}, fmt.Errorf("%w: %w", ErrClassification, err)
	}
	answered := models.Classification{TokensUsed: resp.TotalTokens(), Model: resp.Model}

	raw, err := ai.ExtractJSON(resp.Content)
	if err != nil {
		return answered, fmt.Errorf("%w: %w", ErrClassification, err)
	}
	var out struct {
		Category   string  `json:"category"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return answered, fmt.Errorf("%w: decode reply: %w", ErrClassification, err)
	}

	answered.Category = models.ParseCategory(out.Category)
	answered.Confidence = clamp(out.Confidence)
	return answered, nil
}

// KeywordFallback classifies by keywords in the description alone. Short
// keywords must match a whole word; longer ones also match as a prefix, so
// "receipts" counts as "receipt" but "orange" never counts as "ran".
func KeywordFallback(description string) models.Classification {
	words := reWord.FindAllString(strings.ToLower(description), -1)
	for _, group := range fallbackKeywords {
		for _, kw := range group.words {
			for _, w := range words {
				if w == kw || (len(kw) >= 4 && strings.HasPrefix(w, kw)) {
					return models.Classification{Category: group.category, Confidence: FallbackConfidence, Fallback: true}
				}
			}
		}
	}
	return models.Classification{Category: models.CategoryUnknown, Confidence: FallbackConfidence, Fallback: true}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

package analysis

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/ai"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/pkg/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var payloadSchemas embed.FS

var categories = []models.Category{
	models.CategoryFood,
	models.CategoryReceipt,
	models.CategoryWorkout,
	models.CategoryUnknown,
}

// Extractor is stage 2: it asks the model for the category's payload, checks
// the reply against the category's JSON schema and decodes it.
type Extractor struct {
	llm       models.LLMProvider
	prompts   *Prompts
	schemas   map[models.Category]*jsonschema.Schema
	catModels map[models.Category]string
	maxTokens int
	logger    *slog.Logger
}

type ExtractorOption func(*Extractor)

// WithCategoryModels picks the model per category. A category without an
// entry uses the food model, and the provider default when that is unset too.
func WithCategoryModels(byCategory map[models.Category]string) ExtractorOption {
	return func(e *Extractor) {
		for c, m := range byCategory {
			if m != "" {
				e.catModels[c] = m
			}
		}
	}
}

func NewExtractor(llm models.LLMProvider, prompts *Prompts, maxTokens int, logger *slog.Logger, opts ...ExtractorOption) (*Extractor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	e := &Extractor{
		llm:       llm,
		prompts:   prompts,
		schemas:   schemas,
		catModels: make(map[models.Category]string),
		maxTokens: maxTokens,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Extractor) modelFor(category models.Category) string {
	if m, ok := e.catModels[category]; ok {
		return m
	}
	return e.catModels[models.CategoryFood]
}

func compileSchemas() (map[models.Category]*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	out := make(map[models.Category]*jsonschema.Schema, len(categories))
	for _, c := range categories {
		name := string(c) + ".json"
		b, err := payloadSchemas.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("read %s schema: %w", c, err)
		}
		if err := compiler.AddResource(name, bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", c, err)
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", c, err)
		}
		out[c] = schema
	}
	return out, nil
}

// Extract returns the typed payload for category. The model response is
// returned even on failure so its tokens can still be accounted.
func (e *Extractor) Extract(ctx context.Context, category models.Category, in Input) (models.Payload, models.ChatResponse, error) {
	system, user := e.prompts.Resolve(ctx, category, in)
	resp, err := e.llm.Complete(ctx, models.ChatRequest{
		System:    system,
		Prompt:    user,
		ImageURL:  in.ImageReference,
		MaxTokens: e.maxTokens,
		Model:     e.modelFor(category),
		JSON:      true,
	})
	if err != nil {
		return nil, resp, fmt.Errorf("%w: %w", ErrExtraction, err)
	}

	raw, err := ai.ExtractJSON(resp.Content)
	if err != nil {
		return nil, resp, fmt.Errorf("%w: %w", ErrExtraction, err)
	}
	payload, err := e.decode(category, raw)
	if err != nil {
		e.logger.Warn("extraction reply rejected", "category", category, "error", err, "content", truncate(resp.Content, 500))
		return nil, resp, fmt.Errorf("%w: %w", ErrExtraction, err)
	}
	return payload, resp, nil
}

func (e *Extractor) decode(category models.Category, raw json.RawMessage) (models.Payload, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	schema, ok := e.schemas[category]
	if !ok {
		return nil, fmt.Errorf("no schema for category %q", category)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("reply does not match %s schema: %w", category, err)
	}

	switch category {
	case models.CategoryFood:
		var p models.FoodResult
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode food payload: %w", err)
		}
		return p, nil
	case models.CategoryReceipt:
		var p models.ReceiptResult
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode receipt payload: %w", err)
		}
		return p, nil
	case models.CategoryWorkout:
		var p models.WorkoutResult
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode workout payload: %w", err)
		}
		return p, nil
	default:
		m, _ := doc.(map[string]any)
		return models.UnknownResult{Data: m}, nil
	}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

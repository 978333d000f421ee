package ai

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/ai/anthropic"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/ai/gemini"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/ai/mock"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/ai/openai"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/config"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/pkg/models"
)

// NewProvider constructs the configured provider wrapped in a Client.
// Called once at startup.
func NewProvider(ctx context.Context, cfg config.AIConfig, logger *slog.Logger) (*Client, error) {
	var p models.LLMProvider
	switch cfg.Provider {
	case "anthropic":
		p = anthropic.NewProvider(cfg.Anthropic)
	case "gemini":
		g, err := gemini.NewProvider(ctx, cfg.Gemini)
		if err != nil {
			return nil, fmt.Errorf("create gemini provider: %w", err)
		}
		p = g
	case "openai":
		p = openai.NewProvider(cfg.OpenAI)
	case "mock":
		p = mock.NewMockProvider()
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of anthropic, gemini, openai, mock", cfg.Provider)
	}
	return NewClient(p, cfg.InferenceTimeout, logger), nil
}

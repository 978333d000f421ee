package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/pkg/models"
)

// Client wraps a provider with the inference timeout and maps every failure onto
// ErrInferenceTimeout, ErrProviderUnavailable or ErrInvalidResponse.
type Client struct {
	provider models.LLMProvider
	timeout  time.Duration
	logger   *slog.Logger
}

func NewClient(p models.LLMProvider, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{provider: p, timeout: timeout, logger: logger}
}

func (c *Client) Name() string { return c.provider.Name() }

func (c *Client) Complete(ctx context.Context, req models.ChatRequest) (models.ChatResponse, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.provider.Complete(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		err = classifyError(ctx, err)
		c.logger.Warn("llm call failed", "provider", c.provider.Name(), "elapsed_ms", elapsed.Milliseconds(), "error", err)
		return models.ChatResponse{}, err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return resp, fmt.Errorf("%w: empty reply from %s", ErrInvalidResponse, c.provider.Name())
	}

	c.logger.Debug("llm call",
		"provider", c.provider.Name(),
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"elapsed_ms", elapsed.Milliseconds(),
	)
	return resp, nil
}

func classifyError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrInferenceTimeout), errors.Is(err, ErrProviderUnavailable), errors.Is(err, ErrInvalidResponse):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrInferenceTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
}

var _ models.LLMProvider = (*Client)(nil)

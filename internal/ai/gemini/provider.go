package gemini

import (
	"context"
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/config"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/pkg/models"
	"google.golang.org/genai"
)

// Provider implements models.LLMProvider using the Gemini API.
type Provider struct {
	client *genai.Client
	model  string
}

func NewProvider(ctx context.Context, cfg config.GeminiConfig) (*Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Provider{client: client, model: cfg.Model}, nil
}

func (p *Provider) Name() string { return "gemini" }

func (p *Provider) Complete(ctx context.Context, req models.ChatRequest) (models.ChatResponse, error) {
	parts := make([]*genai.Part, 0, 2)
	if req.ImageURL != "" {
		parts = append(parts, genai.NewPartFromURI(req.ImageURL, imageMIMEType(req.ImageURL)))
	}
	parts = append(parts, genai.NewPartFromText(req.Prompt))
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](0),
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	model := p.model
	if req.Model != "" {
		model = req.Model
	}
	resp, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return models.ChatResponse{}, fmt.Errorf("gemini generate: %w", err)
	}

	out := models.ChatResponse{Content: resp.Text(), Model: model}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		out.InputTokens = int(u.PromptTokenCount)
		out.OutputTokens = int(u.CandidatesTokenCount)
	}
	return out, nil
}

// imageMIMEType guesses from the file extension, defaulting to JPEG.
func imageMIMEType(ref string) string {
	ext := path.Ext(strings.SplitN(ref, "?", 2)[0])
	if t := mime.TypeByExtension(strings.ToLower(ext)); strings.HasPrefix(t, "image/") {
		return t
	}
	return "image/jpeg"
}

var _ models.LLMProvider = (*Provider)(nil)

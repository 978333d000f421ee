package analysis

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"text/template"

	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/internal/store"
	"github.com/ajnacloud-ksj/ajna-nutri-wealth-backend-v2-sub000/pkg/models"
)

// PromptsTable holds operator-managed prompt overrides.
const PromptsTable = "prompts"

//go:embed prompts/*.md
var bundledPrompts embed.FS

// Prompt is a stage 2 prompt pair. User is a text/template rendered with the
// submission; {{.Description}} is the only field.
type Prompt struct {
	System string
	User   string
}

// PromptSource looks up the prompt for a category. ok is false when the source
// has no prompt for it.
type PromptSource interface {
	Prompt(ctx context.Context, category models.Category) (p Prompt, ok bool, err error)
}

var defaultPrompts = map[models.Category]Prompt{
	models.CategoryFood: {
		System: "You are an expert nutritionist. Respond with JSON only: " +
			`{"food_items":[{"name":"","calories":0,"protein":0,"carbs":0,"fat":0}],"meal_type":"","total_calories":0}`,
		User: "Analyze this food: {{.Description}}",
	},
	models.CategoryReceipt: {
		System: "You are a receipt parser. Respond with JSON only: " +
			`{"merchant_name":"","purchase_date":"YYYY-MM-DD","total_amount":0,"currency":"USD","items":[{"name":"","price":0,"quantity":1}]}`,
		User: "Extract the details of this receipt: {{.Description}}",
	},
	models.CategoryWorkout: {
		System: "You are a fitness expert. Respond with JSON only: " +
			`{"workout_type":"","duration_minutes":0,"calories_burned_estimate":0,"exercises":[{"name":"","sets":0,"reps":0}]}`,
		User: "Analyze this workout: {{.Description}}",
	},
	models.CategoryUnknown: {
		System: "Extract any structured information you can find in the content. Respond with a single JSON object only.",
		User:   "Content: {{.Description}}",
	},
}

// Prompts resolves prompts by walking its sources in order and falling back to
// built-in defaults. Source errors are logged and skipped.
type Prompts struct {
	sources []PromptSource
	logger  *slog.Logger
}

func NewPrompts(logger *slog.Logger, sources ...PromptSource) *Prompts {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prompts{sources: sources, logger: logger}
}

// Resolve returns the prompt for category with the user template rendered.
func (p *Prompts) Resolve(ctx context.Context, category models.Category, in Input) (system, user string) {
	prompt := defaultPrompts[category]
	for _, src := range p.sources {
		found, ok, err := src.Prompt(ctx, category)
		if err != nil {
			p.logger.Warn("prompt source failed", "category", category, "error", err)
			continue
		}
		if ok {
			prompt = found
			break
		}
	}

	user, err := render(prompt.User, in)
	if err != nil {
		p.logger.Warn("prompt template invalid, using default", "category", category, "error", err)
		user, _ = render(defaultPrompts[category].User, in)
	}
	if in.Description == "" && in.ImageReference != "" {
		user = strings.TrimSpace(user) + "\n(See the attached image.)"
	}
	return prompt.System, user
}

func render(tmpl string, in Input) (string, error) {
	// Stored prompts may use the {description} placeholder form.
	tmpl = strings.ReplaceAll(tmpl, "{description}", "{{.Description}}")
	t, err := template.New("prompt").Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse prompt template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, in); err != nil {
		return "", fmt.Errorf("render prompt template: %w", err)
	}
	return buf.String(), nil
}

// TablePrompts reads the active prompt for a category from the prompts table.
type TablePrompts struct {
	db store.Binding
}

func NewTablePrompts(db store.Binding) *TablePrompts {
	return &TablePrompts{db: db}
}

func (t *TablePrompts) Prompt(ctx context.Context, category models.Category) (Prompt, bool, error) {
	res, err := t.db.Query(ctx, PromptsTable, store.Query{
		Filters: []store.Filter{store.Eq("category", string(category)), store.Eq("active", true)},
		Sort:    []store.Sort{store.Desc("updated_at")},
		Limit:   1,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Prompt{}, false, nil
		}
		return Prompt{}, false, fmt.Errorf("query prompts: %w", err)
	}
	if len(res.Records) == 0 {
		return Prompt{}, false, nil
	}
	rec := res.Records[0]
	p := Prompt{System: rec.String("system_prompt"), User: rec.String("user_prompt_template")}
	if p.System == "" || p.User == "" {
		return Prompt{}, false, nil
	}
	return p, true, nil
}

// FSPrompts reads <category>_system.md and <category>_user.md from a file system.
type FSPrompts struct {
	fsys fs.FS
}

// NewFSPrompts serves prompts from fsys. A nil fsys serves the bundled prompts.
func NewFSPrompts(fsys fs.FS) *FSPrompts {
	if fsys == nil {
		sub, _ := fs.Sub(bundledPrompts, "prompts")
		fsys = sub
	}
	return &FSPrompts{fsys: fsys}
}

func (f *FSPrompts) Prompt(_ context.Context, category models.Category) (Prompt, bool, error) {
	system, err := fs.ReadFile(f.fsys, string(category)+"_system.md")
	if errors.Is(err, fs.ErrNotExist) {
		return Prompt{}, false, nil
	}
	if err != nil {
		return Prompt{}, false, fmt.Errorf("read %s system prompt: %w", category, err)
	}
	user, err := fs.ReadFile(f.fsys, string(category)+"_user.md")
	if errors.Is(err, fs.ErrNotExist) {
		return Prompt{}, false, nil
	}
	if err != nil {
		return Prompt{}, false, fmt.Errorf("read %s user prompt: %w", category, err)
	}
	return Prompt{System: strings.TrimSpace(string(system)), User: strings.TrimSpace(string(user))}, true, nil
}

var (
	_ PromptSource = (*TablePrompts)(nil)
	_ PromptSource = (*FSPrompts)(nil)
)

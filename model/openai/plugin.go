package openai

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hupe1980/flowkit/core"
	"github.com/hupe1980/flowkit/model"
)

// Plugin registers OpenAI chat models as "/model/openai/<name>" actions.
type Plugin struct {
	// APIKey overrides OPENAI_API_KEY.
	APIKey string
	// BaseURL points the client at an OpenAI compatible endpoint.
	BaseURL string
	// Models lists the model names to register. Defaults to gpt-4o-mini.
	Models []string
	// Default marks the first model as the registry default.
	Default bool
}

var _ core.Plugin = (*Plugin)(nil)

// Name implements core.Plugin.
func (p *Plugin) Name() string { return "openai" }

// Init implements core.Plugin.
func (p *Plugin) Init(ctx context.Context, r *core.Registry) error {
	var opts []option.RequestOption
	if p.APIKey != "" {
		opts = append(opts, option.WithAPIKey(p.APIKey))
	}
	if p.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(p.BaseURL))
	}
	client := openai.NewClient(opts...)

	names := p.Models
	if len(names) == 0 {
		names = []string{openai.ChatModelGPT4oMini}
	}
	for i, name := range names {
		m := NewModelFromClient(&client, func(o *Options) { o.Model = name })
		if _, err := model.Define(r, m); err != nil {
			return err
		}
		if p.Default && i == 0 {
			model.SetDefault(r, m.Info().QualifiedName())
		}
	}
	return nil
}

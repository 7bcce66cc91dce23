package anthropic

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hupe1980/flowkit/core"
	"github.com/hupe1980/flowkit/model"
)

// Plugin registers Claude models as "/model/anthropic/<name>" actions.
type Plugin struct {
	APIKey string
	// Models defaults to claude-3-5-sonnet.
	Models  []string
	Default bool
}

var _ core.Plugin = (*Plugin)(nil)

// Name implements core.Plugin.
func (p *Plugin) Name() string { return "anthropic" }

// Init implements core.Plugin.
func (p *Plugin) Init(ctx context.Context, r *core.Registry) error {
	var opts []option.RequestOption
	if p.APIKey != "" {
		opts = append(opts, option.WithAPIKey(p.APIKey))
	}
	client := anthropic.NewClient(opts...)

	names := p.Models
	if len(names) == 0 {
		names = []string{string(anthropic.ModelClaude3_5Sonnet20241022)}
	}
	for i, name := range names {
		m := NewModelFromClient(&client, func(o *Options) { o.Model = anthropic.Model(name) })
		if _, err := model.Define(r, m); err != nil {
			return err
		}
		if p.Default && i == 0 {
			model.SetDefault(r, m.Info().QualifiedName())
		}
	}
	return nil
}

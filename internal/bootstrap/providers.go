package bootstrap

import (
	"context"
	"strings"

	"github.com/suPer8Hu/gopherchat/internal/ai"
	"github.com/suPer8Hu/gopherchat/internal/chat"
	"github.com/suPer8Hu/gopherchat/internal/config"
	"go.uber.org/zap"
)

func pick(override, configured string) string {
	if v := strings.TrimSpace(override); v != "" {
		return v
	}
	return configured
}

// NewProviderRegistry binds every provider to a factory and checks none is
// missing. Factories run per turn so a caller-supplied key or model applies
// to that turn only.
func NewProviderRegistry(cfg config.Config) (*ai.Registry, error) {
	reg := ai.NewRegistry()

	reg.Register(ai.ProviderOllama, func(ctx context.Context, opts ai.FactoryOptions) (ai.Provider, error) {
		return ai.NewOllamaProvider(cfg.Ollama.BaseURL, pick(opts.Model, cfg.Ollama.Model)), nil
	})
	reg.Register(ai.ProviderOpenRouter, func(ctx context.Context, opts ai.FactoryOptions) (ai.Provider, error) {
		return ai.NewOpenRouterProvider(cfg.OpenRouter.BaseURL, pick(opts.APIKey, cfg.OpenRouter.APIKey), pick(opts.Model, cfg.OpenRouter.Model),
			cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})
	reg.Register(ai.ProviderOpenAI, func(ctx context.Context, opts ai.FactoryOptions) (ai.Provider, error) {
		return ai.NewOpenAIProvider(cfg.OpenAI.BaseURL, pick(opts.APIKey, cfg.OpenAI.APIKey), pick(opts.Model, cfg.OpenAI.Model)), nil
	})
	reg.Register(ai.ProviderDeepSeek, func(ctx context.Context, opts ai.FactoryOptions) (ai.Provider, error) {
		return ai.NewDeepSeekProvider(cfg.DeepSeek.BaseURL, pick(opts.APIKey, cfg.DeepSeek.APIKey), pick(opts.Model, cfg.DeepSeek.Model)), nil
	})
	reg.Register(ai.ProviderAnthropic, func(ctx context.Context, opts ai.FactoryOptions) (ai.Provider, error) {
		return ai.NewAnthropicProvider(cfg.Anthropic.BaseURL, pick(opts.APIKey, cfg.Anthropic.APIKey), pick(opts.Model, cfg.Anthropic.Model)), nil
	})
	reg.Register(ai.ProviderGemini, func(ctx context.Context, opts ai.FactoryOptions) (ai.Provider, error) {
		return ai.NewGeminiProvider(cfg.Gemini.BaseURL, pick(opts.APIKey, cfg.Gemini.APIKey), pick(opts.Model, cfg.Gemini.Model)), nil
	})

	if err := reg.Validate(ai.AllProviders); err != nil {
		return nil, err
	}
	return reg, nil
}

// NewTitleGenerator builds the generator shared by the inline dispatcher and the worker.
func NewTitleGenerator(cfg config.Config, repo *chat.Repo, reg *ai.Registry, log *zap.Logger) (*chat.TitleGenerator, error) {
	p, ok := ai.ParseProvider(cfg.TitleProvider)
	if !ok {
		return nil, ai.Errorf(ai.ProviderName(cfg.TitleProvider), ai.KindInvalidRequest, "unknown TITLE_PROVIDER: %s", cfg.TitleProvider)
	}
	return chat.NewTitleGenerator(repo, reg, p, cfg.TitleModel, cfg.TitleTimeout, log), nil
}

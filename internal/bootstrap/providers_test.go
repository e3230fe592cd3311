package bootstrap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/gopherchat/internal/ai"
	"github.com/suPer8Hu/gopherchat/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		Ollama:        config.ProviderConfig{BaseURL: "http://localhost:11434", Model: "llama3:latest"},
		OpenAI:        config.ProviderConfig{BaseURL: "http://localhost:1/v1", APIKey: "k", Model: "gpt-4o-mini"},
		DeepSeek:      config.ProviderConfig{BaseURL: "http://localhost:1/v1", APIKey: "k", Model: "deepseek-chat"},
		OpenRouter:    config.ProviderConfig{BaseURL: "http://localhost:1/v1", APIKey: "k", Model: "openrouter/auto"},
		Anthropic:     config.ProviderConfig{BaseURL: "http://localhost:1/v1", APIKey: "k", Model: "claude-3-5-haiku-latest"},
		Gemini:        config.ProviderConfig{APIKey: "k", Model: "gemini-2.0-flash"},
		TitleProvider: "ollama",
		TitleModel:    "llama3:latest",
	}
}

func TestNewProviderRegistry_AllProviders(t *testing.T) {
	reg, err := NewProviderRegistry(testConfig())
	require.NoError(t, err)

	for _, name := range ai.AllProviders {
		p, err := reg.Get(context.Background(), name, ai.FactoryOptions{Model: "m", APIKey: "override"})
		require.NoError(t, err, name)
		assert.NotNil(t, p, name)
	}
}

func TestNewTitleGenerator_UnknownProvider(t *testing.T) {
	cfg := testConfig()
	reg, err := NewProviderRegistry(cfg)
	require.NoError(t, err)

	cfg.TitleProvider = "nope"
	_, err = NewTitleGenerator(cfg, nil, reg, nil)
	assert.Error(t, err)

	cfg.TitleProvider = "ollama"
	gen, err := NewTitleGenerator(cfg, nil, reg, nil)
	require.NoError(t, err)
	assert.NotNil(t, gen)
}

func TestPick(t *testing.T) {
	assert.Equal(t, "cfg", pick("  ", "cfg"))
	assert.Equal(t, "o", pick(" o ", "cfg"))
}

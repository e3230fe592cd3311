package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModelRegistry_Resolve(t *testing.T) {
	r := NewModelRegistry(ProviderOllama)

	info := r.Resolve("gpt-4o")
	assert.Equal(t, ProviderOpenAI, info.Provider)
	assert.True(t, info.Vision)

	info = r.Resolve("deepseek-reasoner")
	assert.Equal(t, ProviderDeepSeek, info.Provider)
	assert.True(t, info.Reasoning)

	info = r.Resolve("dall-e-3")
	assert.True(t, info.Image)
}

func TestModelRegistry_AliasKeepsRequestedID(t *testing.T) {
	info := NewModelRegistry("").Resolve("claude-3-5-sonnet-20241022")
	assert.Equal(t, ProviderAnthropic, info.Provider)
	assert.Equal(t, "claude-3-5-sonnet-20241022", info.ID)
	assert.True(t, info.Vision)
}

func TestModelRegistry_UnknownFallsBackToDefault(t *testing.T) {
	info := NewModelRegistry(ProviderOpenRouter).Resolve("some/legacy-model")
	assert.Equal(t, ProviderOpenRouter, info.Provider)
	assert.Equal(t, "some/legacy-model", info.ID)
	assert.False(t, info.Vision || info.Reasoning || info.Image || info.TTS || info.Video)
}

func TestModelRegistry_ListIsSorted(t *testing.T) {
	list := NewModelRegistry("").List()
	for i := 1; i < len(list); i++ {
		prev, cur := list[i-1], list[i]
		if prev.Provider == cur.Provider {
			assert.Less(t, prev.ID, cur.ID)
		} else {
			assert.Less(t, string(prev.Provider), string(cur.Provider))
		}
	}
}

func TestParseProvider(t *testing.T) {
	p, ok := ParseProvider(" OpenAI ")
	assert.True(t, ok)
	assert.Equal(t, ProviderOpenAI, p)

	_, ok = ParseProvider("mistral")
	assert.False(t, ok)
}

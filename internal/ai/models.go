package ai

import (
	"sort"
	"strings"
)

type ProviderName string

const (
	ProviderOpenAI     ProviderName = "openai"
	ProviderAnthropic  ProviderName = "anthropic"
	ProviderGemini     ProviderName = "gemini"
	ProviderOllama     ProviderName = "ollama"
	ProviderOpenRouter ProviderName = "openrouter"
	ProviderDeepSeek   ProviderName = "deepseek"
)

// AllProviders is every adapter the service must have registered at startup.
var AllProviders = []ProviderName{
	ProviderOpenAI,
	ProviderAnthropic,
	ProviderGemini,
	ProviderOllama,
	ProviderOpenRouter,
	ProviderDeepSeek,
}

func ParseProvider(s string) (ProviderName, bool) {
	p := ProviderName(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllProviders {
		if p == known {
			return p, true
		}
	}
	return "", false
}

type ModelInfo struct {
	ID        string       `json:"id"`
	Provider  ProviderName `json:"provider"`
	Vision    bool         `json:"vision"`
	Reasoning bool         `json:"reasoning"`
	Image     bool         `json:"image"`
	TTS       bool         `json:"tts"`
	Video     bool         `json:"video"`
}

var catalog = []ModelInfo{
	{ID: "gpt-4o", Provider: ProviderOpenAI, Vision: true},
	{ID: "gpt-4o-mini", Provider: ProviderOpenAI, Vision: true},
	{ID: "gpt-4.1", Provider: ProviderOpenAI, Vision: true},
	{ID: "gpt-4.1-mini", Provider: ProviderOpenAI, Vision: true},
	{ID: "gpt-4-turbo", Provider: ProviderOpenAI, Vision: true},
	{ID: "gpt-3.5-turbo", Provider: ProviderOpenAI},
	{ID: "o1", Provider: ProviderOpenAI, Vision: true, Reasoning: true},
	{ID: "o1-mini", Provider: ProviderOpenAI, Reasoning: true},
	{ID: "o3-mini", Provider: ProviderOpenAI, Reasoning: true},
	{ID: "dall-e-2", Provider: ProviderOpenAI, Image: true},
	{ID: "dall-e-3", Provider: ProviderOpenAI, Image: true},
	{ID: "tts-1", Provider: ProviderOpenAI, TTS: true},
	{ID: "tts-1-hd", Provider: ProviderOpenAI, TTS: true},

	{ID: "claude-3-7-sonnet-latest", Provider: ProviderAnthropic, Vision: true, Reasoning: true},
	{ID: "claude-3-5-sonnet-latest", Provider: ProviderAnthropic, Vision: true},
	{ID: "claude-3-5-haiku-latest", Provider: ProviderAnthropic},
	{ID: "claude-3-opus-latest", Provider: ProviderAnthropic, Vision: true},

	{ID: "gemini-2.0-flash", Provider: ProviderGemini, Vision: true},
	{ID: "gemini-2.0-flash-lite", Provider: ProviderGemini, Vision: true},
	{ID: "gemini-1.5-pro", Provider: ProviderGemini, Vision: true},
	{ID: "gemini-1.5-flash", Provider: ProviderGemini, Vision: true},

	{ID: "llama3:latest", Provider: ProviderOllama},
	{ID: "llama3.2-vision", Provider: ProviderOllama, Vision: true},
	{ID: "qwen2.5", Provider: ProviderOllama},
	{ID: "deepseek-r1", Provider: ProviderOllama, Reasoning: true},

	{ID: "openrouter/auto", Provider: ProviderOpenRouter, Vision: true},
	{ID: "meta-llama/llama-3.1-70b-instruct", Provider: ProviderOpenRouter},
	{ID: "mistralai/mistral-large", Provider: ProviderOpenRouter},

	{ID: "deepseek-chat", Provider: ProviderDeepSeek},
	{ID: "deepseek-reasoner", Provider: ProviderDeepSeek, Reasoning: true},
}

// aliases keeps legacy ids from older clients resolvable.
var aliases = map[string]string{
	"gpt-4-turbo-preview":        "gpt-4-turbo",
	"gpt-4-vision-preview":       "gpt-4-turbo",
	"claude-3-5-sonnet-20241022": "claude-3-5-sonnet-latest",
	"claude-3-5-haiku-20241022":  "claude-3-5-haiku-latest",
	"claude-3-7-sonnet-20250219": "claude-3-7-sonnet-latest",
	"llama3":                     "llama3:latest",
}

// ModelRegistry is the static model catalog. It is immutable after construction
// and safe for concurrent reads.
type ModelRegistry struct {
	models          map[string]ModelInfo
	defaultProvider ProviderName
}

func NewModelRegistry(defaultProvider ProviderName) *ModelRegistry {
	if defaultProvider == "" {
		defaultProvider = ProviderOllama
	}
	m := make(map[string]ModelInfo, len(catalog))
	for _, info := range catalog {
		m[info.ID] = info
	}
	return &ModelRegistry{models: m, defaultProvider: defaultProvider}
}

// Resolve never fails: unknown ids map to the default provider with no capabilities.
func (r *ModelRegistry) Resolve(modelID string) ModelInfo {
	id := strings.TrimSpace(modelID)
	if info, ok := r.models[id]; ok {
		return info
	}
	if target, ok := aliases[id]; ok {
		info := r.models[target]
		info.ID = id
		return info
	}
	return ModelInfo{ID: id, Provider: r.defaultProvider}
}

func (r *ModelRegistry) DefaultProvider() ProviderName { return r.defaultProvider }

// List returns the catalog sorted by provider then id.
func (r *ModelRegistry) List() []ModelInfo {
	out := make([]ModelInfo, 0, len(r.models))
	for _, info := range r.models {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ID < out[j].ID
	})
	return out
}

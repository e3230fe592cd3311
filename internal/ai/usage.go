package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Opt is an optional sampling parameter. JSON null, a missing key and the
// empty string all decode to unset; numeric strings are accepted.
type Opt[T int | float64] struct {
	Value T
	Set   bool
}

func Some[T int | float64](v T) Opt[T] { return Opt[T]{Value: v, Set: true} }

func (o *Opt[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*o = Opt[T]{}
		return nil
	}
	raw := string(b)
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
		if raw == "" {
			*o = Opt[T]{}
			return nil
		}
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", raw)
	}
	*o = Opt[T]{Value: T(f), Set: true}
	return nil
}

func (o Opt[T]) MarshalJSON() ([]byte, error) {
	if !o.Set {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// Usage is the per-turn usage descriptor.
type Usage struct {
	Model            string       `json:"model"`
	SystemPrompt     string       `json:"system_prompt,omitempty"`
	Temperature      Opt[float64] `json:"temperature"`
	TopP             Opt[float64] `json:"top_p"`
	TopK             Opt[int]     `json:"top_k"`
	FrequencyPenalty Opt[float64] `json:"frequency_penalty"`
	PresencePenalty  Opt[float64] `json:"presence_penalty"`
	MaxTokens        Opt[int]     `json:"max_tokens"`
	Stream           bool         `json:"stream"`
	APIKey           string       `json:"api_key,omitempty"`
}

type Param int

const (
	ParamTemperature Param = iota
	ParamTopP
	ParamTopK
	ParamFrequencyPenalty
	ParamPresencePenalty
	ParamMaxTokens
)

var allowedParams = map[ProviderName][]Param{
	ProviderOpenAI:     {ParamTemperature, ParamTopP, ParamFrequencyPenalty, ParamPresencePenalty, ParamMaxTokens},
	ProviderAnthropic:  {ParamTemperature, ParamTopP, ParamTopK, ParamMaxTokens},
	ProviderGemini:     {ParamTemperature, ParamTopP, ParamTopK, ParamMaxTokens},
	ProviderOllama:     {ParamTemperature, ParamTopP, ParamTopK, ParamFrequencyPenalty, ParamPresencePenalty, ParamMaxTokens},
	ProviderOpenRouter: {ParamTemperature, ParamTopP, ParamTopK, ParamFrequencyPenalty, ParamPresencePenalty, ParamMaxTokens},
	ProviderDeepSeek:   {ParamTemperature, ParamTopP, ParamFrequencyPenalty, ParamPresencePenalty, ParamMaxTokens},
}

// reasoning models reject sampling parameters on these providers.
var reasoningParams = map[ProviderName][]Param{
	ProviderOpenAI:   {ParamMaxTokens},
	ProviderDeepSeek: {ParamMaxTokens},
}

func AllowedParams(p ProviderName, info ModelInfo) []Param {
	if info.Reasoning {
		if params, ok := reasoningParams[p]; ok {
			return params
		}
	}
	return allowedParams[p]
}

// Normalize returns the minimal usage a provider accepts. Parameters outside the
// allow-list and unset parameters are dropped. For text turns the system prompt
// has {provider}, {model} and {time} substituted; image turns carry none.
func Normalize(raw Usage, p ProviderName, info ModelInfo, image bool, now time.Time) Usage {
	out := Usage{
		Model:  strings.TrimSpace(raw.Model),
		Stream: raw.Stream,
		APIKey: strings.TrimSpace(raw.APIKey),
	}
	for _, param := range AllowedParams(p, info) {
		switch param {
		case ParamTemperature:
			out.Temperature = raw.Temperature
		case ParamTopP:
			out.TopP = raw.TopP
		case ParamTopK:
			out.TopK = raw.TopK
		case ParamFrequencyPenalty:
			out.FrequencyPenalty = raw.FrequencyPenalty
		case ParamPresencePenalty:
			out.PresencePenalty = raw.PresencePenalty
		case ParamMaxTokens:
			out.MaxTokens = raw.MaxTokens
		}
	}
	if !image {
		out.SystemPrompt = RenderSystemPrompt(raw.SystemPrompt, p, out.Model, now)
	}
	return out
}

func RenderSystemPrompt(tmpl string, p ProviderName, model string, now time.Time) string {
	if strings.TrimSpace(tmpl) == "" {
		return ""
	}
	return strings.NewReplacer(
		"{provider}", string(p),
		"{model}", model,
		"{time}", now.UTC().Format(time.RFC1123),
	).Replace(tmpl)
}

package ai

import (
	"context"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const deepSeekBaseURL = "https://api.deepseek.com/v1"

// OpenAIProvider talks to any OpenAI-compatible chat completions API.
// DeepSeek is served by the same adapter with a different base URL.
type OpenAIProvider struct {
	name   ProviderName
	model  string
	client *openai.Client
}

func NewOpenAIProvider(baseURL, apiKey, model string) *OpenAIProvider {
	return newOpenAICompatible(ProviderOpenAI, baseURL, apiKey, model)
}

func NewDeepSeekProvider(baseURL, apiKey, model string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = deepSeekBaseURL
	}
	if model == "" {
		model = "deepseek-chat"
	}
	return newOpenAICompatible(ProviderDeepSeek, baseURL, apiKey, model)
}

func newOpenAICompatible(name ProviderName, baseURL, apiKey, model string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIProvider{name: name, model: model, client: openai.NewClientWithConfig(cfg)}
}

func (p *OpenAIProvider) buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	model := p.model
	if req.Usage.Model != "" {
		model = req.Usage.Model
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.Usage.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.Usage.SystemPrompt})
	}
	for _, m := range req.Messages {
		images := m.Images()
		if len(images) == 0 {
			msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Text()})
			continue
		}
		parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: m.Text()}}
		for _, img := range images {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    imageURL(img),
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, MultiContent: parts})
	}

	out := openai.ChatCompletionRequest{Model: model, Messages: msgs, Stream: stream}
	u := req.Usage
	if u.Temperature.Set {
		out.Temperature = float32(u.Temperature.Value)
	}
	if u.TopP.Set {
		out.TopP = float32(u.TopP.Value)
	}
	if u.FrequencyPenalty.Set {
		out.FrequencyPenalty = float32(u.FrequencyPenalty.Value)
	}
	if u.PresencePenalty.Set {
		out.PresencePenalty = float32(u.PresencePenalty.Value)
	}
	if u.MaxTokens.Set {
		out.MaxTokens = u.MaxTokens.Value
	}
	return out
}

func (p *OpenAIProvider) Chat(ctx context.Context, req Request) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req, false))
	if err != nil {
		return "", p.mapError(err)
	}
	if len(resp.Choices) == 0 {
		return "", NewError(p.name, KindUpstreamUnavailable, errEmptyResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAIProvider) StreamChat(ctx context.Context, req Request) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		stream, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(req, true))
		if err != nil {
			errs <- p.mapError(err)
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				errs <- p.mapError(err)
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case chunks <- resp.Choices[0].Delta.Content:
			case <-ctx.Done():
				return
			}
		}
	}()

	return chunks, errs
}

// GenerateImage asks the images endpoint for base64 output so results can be
// stored without depending on short-lived vendor URLs.
func (p *OpenAIProvider) GenerateImage(ctx context.Context, usage Usage, prompt string) ([]ImageResult, error) {
	if p.name != ProviderOpenAI {
		return nil, Errorf(p.name, KindInvalidRequest, "image generation not supported")
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, Errorf(p.name, KindInvalidRequest, "prompt is required")
	}
	model := usage.Model
	if model == "" {
		model = "dall-e-3"
	}
	resp, err := p.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          model,
		N:              1,
		Size:           openai.CreateImageSize1024x1024,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, p.mapError(err)
	}
	if len(resp.Data) == 0 {
		return nil, NewError(p.name, KindUpstreamUnavailable, errEmptyResponse)
	}
	out := make([]ImageResult, 0, len(resp.Data))
	for _, d := range resp.Data {
		r := ImageResult{URL: d.URL, RevisedPrompt: d.RevisedPrompt}
		if d.B64JSON != "" {
			r.Data = d.B64JSON
			r.MimeType = "image/png"
		}
		out = append(out, r)
	}
	return out, nil
}

func (p *OpenAIProvider) mapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{Kind: KindForStatus(apiErr.HTTPStatusCode), Provider: p.name, Status: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{Kind: KindForStatus(reqErr.HTTPStatusCode), Provider: p.name, Status: reqErr.HTTPStatusCode, Err: err}
	}
	return Wrap(p.name, err)
}

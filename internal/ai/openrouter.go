package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type OpenRouterProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	SiteURL string
	AppName string
	Client  *http.Client

	// ChatTimeout bounds Chat; zero means DefaultChatTimeout.
	ChatTimeout time.Duration
}

// Content is either a plain string or a list of typed parts.
type openRouterMsg struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openRouterPart struct {
	Type     string              `json:"type"`
	Text     string              `json:"text,omitempty"`
	ImageURL *openRouterImageURL `json:"image_url,omitempty"`
}

type openRouterImageURL struct {
	URL string `json:"url"`
}

type openRouterChatReq struct {
	Model            string          `json:"model"`
	Messages         []openRouterMsg `json:"messages"`
	Stream           bool            `json:"stream"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	TopK             *int            `json:"top_k,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
}

type openRouterError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type openRouterChatResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *openRouterError `json:"error,omitempty"`
}

type openRouterStreamResp struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *openRouterError `json:"error,omitempty"`
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &OpenRouterProvider{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		APIKey:      apiKey,
		Model:       model,
		SiteURL:     siteURL,
		AppName:     appName,
		Client:      &http.Client{},
		ChatTimeout: DefaultChatTimeout,
	}
}

func optPtr[T int | float64](o Opt[T]) *T {
	if !o.Set {
		return nil
	}
	v := o.Value
	return &v
}

func (p *OpenRouterProvider) buildRequest(req Request, stream bool) (openRouterChatReq, error) {
	model := strings.TrimSpace(req.Usage.Model)
	if model == "" {
		model = strings.TrimSpace(p.Model)
	}
	if model == "" {
		return openRouterChatReq{}, Errorf(ProviderOpenRouter, KindInvalidRequest, "model is required")
	}

	msgs := make([]openRouterMsg, 0, len(req.Messages)+1)
	if req.Usage.SystemPrompt != "" {
		msgs = append(msgs, openRouterMsg{Role: "system", Content: req.Usage.SystemPrompt})
	}
	for _, m := range req.Messages {
		images := m.Images()
		if len(images) == 0 {
			msgs = append(msgs, openRouterMsg{Role: m.Role, Content: m.Text()})
			continue
		}
		parts := []openRouterPart{{Type: "text", Text: m.Text()}}
		for _, img := range images {
			parts = append(parts, openRouterPart{Type: "image_url", ImageURL: &openRouterImageURL{URL: imageURL(img)}})
		}
		msgs = append(msgs, openRouterMsg{Role: m.Role, Content: parts})
	}

	u := req.Usage
	return openRouterChatReq{
		Model:            model,
		Messages:         msgs,
		Stream:           stream,
		Temperature:      optPtr(u.Temperature),
		TopP:             optPtr(u.TopP),
		TopK:             optPtr(u.TopK),
		FrequencyPenalty: optPtr(u.FrequencyPenalty),
		PresencePenalty:  optPtr(u.PresencePenalty),
		MaxTokens:        optPtr(u.MaxTokens),
	}, nil
}

func (p *OpenRouterProvider) do(ctx context.Context, body openRouterChatReq) (*http.Response, error) {
	if p.Client == nil {
		return nil, Errorf(ProviderOpenRouter, KindUnknown, "http client is nil")
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return nil, Errorf(ProviderOpenRouter, KindUnauthorized, "api key is required")
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/chat/completions", p.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	if p.SiteURL != "" {
		req.Header.Set("HTTP-Referer", p.SiteURL)
	}
	if p.AppName != "" {
		req.Header.Set("X-Title", p.AppName)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, Wrap(ProviderOpenRouter, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(ProviderOpenRouter, resp)
	}
	return resp, nil
}

// inBandError classifies errors OpenRouter reports inside a 200 response.
func inBandError(e *openRouterError) error {
	if e.Code != 0 {
		return FromStatus(ProviderOpenRouter, e.Code, e.Message)
	}
	return Errorf(ProviderOpenRouter, KindUnknown, "%s", e.Message)
}

func (p *OpenRouterProvider) Chat(ctx context.Context, req Request) (string, error) {
	ctx, cancel := withChatTimeout(ctx, p.ChatTimeout)
	defer cancel()

	body, err := p.buildRequest(req, false)
	if err != nil {
		return "", err
	}
	resp, err := p.do(ctx, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var decoded openRouterChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", Wrap(ProviderOpenRouter, err)
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return "", inBandError(decoded.Error)
	}
	if len(decoded.Choices) == 0 {
		return "", NewError(ProviderOpenRouter, KindUpstreamUnavailable, errEmptyResponse)
	}
	return decoded.Choices[0].Message.Content, nil
}

// StreamChat streams assistant content chunks via SSE.
func (p *OpenRouterProvider) StreamChat(ctx context.Context, req Request) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		body, err := p.buildRequest(req, true)
		if err != nil {
			errs <- err
			return
		}
		resp, err := p.do(ctx, body)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		sc := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			// ": OPENROUTER PROCESSING" keep-alive comments are skipped here too
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var decoded openRouterStreamResp
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				errs <- Wrap(ProviderOpenRouter, err)
				return
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				errs <- inBandError(decoded.Error)
				return
			}
			if len(decoded.Choices) == 0 {
				continue
			}
			delta := decoded.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case chunks <- delta:
			case <-ctx.Done():
				return
			}
		}

		if err := sc.Err(); err != nil && ctx.Err() == nil {
			errs <- Wrap(ProviderOpenRouter, err)
		}
	}()

	return chunks, errs
}

// imageURL renders an image part as a URL, inlining data as a data: URI.
func imageURL(p Part) string {
	if p.URL != "" {
		return p.URL
	}
	mime := p.MimeType
	if mime == "" {
		mime = "image/png"
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, p.Data)
}

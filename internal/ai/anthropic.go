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

const (
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 4096
)

type AnthropicProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	Client  *http.Client

	// ChatTimeout bounds Chat; zero means DefaultChatTimeout.
	ChatTimeout time.Duration
}

func NewAnthropicProvider(baseURL, apiKey, model string) *AnthropicProvider {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	return &AnthropicProvider{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		APIKey:      apiKey,
		Model:       model,
		Client:      &http.Client{},
		ChatTimeout: DefaultChatTimeout,
	}
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicBlock struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthropicSource `json:"source,omitempty"`
}

type anthropicMsg struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicReq struct {
	Model       string         `json:"model"`
	System      string         `json:"system,omitempty"`
	Messages    []anthropicMsg `json:"messages"`
	MaxTokens   int            `json:"max_tokens"`
	Stream      bool           `json:"stream"`
	Temperature *float64       `json:"temperature,omitempty"`
	TopP        *float64       `json:"top_p,omitempty"`
	TopK        *int           `json:"top_k,omitempty"`
}

type anthropicResp struct {
	Content []anthropicBlock `json:"content"`
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// anthropicErrorKinds maps in-stream error types, which arrive after a 200.
var anthropicErrorKinds = map[string]ErrorKind{
	"authentication_error":  KindUnauthorized,
	"permission_error":      KindUnauthorized,
	"rate_limit_error":      KindRateLimited,
	"invalid_request_error": KindInvalidRequest,
	"not_found_error":       KindInvalidRequest,
	"overloaded_error":      KindUpstreamUnavailable,
	"api_error":             KindUpstreamUnavailable,
}

func (p *AnthropicProvider) buildRequest(req Request, stream bool) anthropicReq {
	model := p.Model
	if req.Usage.Model != "" {
		model = req.Usage.Model
	}

	msgs := make([]anthropicMsg, 0, len(req.Messages))
	system := req.Usage.SystemPrompt
	for _, m := range req.Messages {
		// the Messages API takes system text as a top-level field only
		if m.Role == "system" {
			if t := m.Text(); t != "" {
				system = strings.TrimSpace(system + "\n\n" + t)
			}
			continue
		}
		role := m.Role
		if role != "assistant" {
			role = "user"
		}
		var blocks []anthropicBlock
		for _, img := range m.Images() {
			src := &anthropicSource{Type: "url", URL: img.URL}
			if img.URL == "" {
				src = &anthropicSource{Type: "base64", MediaType: img.MimeType, Data: img.Data}
			}
			blocks = append(blocks, anthropicBlock{Type: "image", Source: src})
		}
		if t := m.Text(); t != "" || len(blocks) == 0 {
			blocks = append(blocks, anthropicBlock{Type: "text", Text: t})
		}
		msgs = append(msgs, anthropicMsg{Role: role, Content: blocks})
	}

	u := req.Usage
	maxTokens := anthropicDefaultMaxTokens
	if u.MaxTokens.Set && u.MaxTokens.Value > 0 {
		maxTokens = u.MaxTokens.Value
	}
	return anthropicReq{
		Model:       model,
		System:      system,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Stream:      stream,
		Temperature: optPtr(u.Temperature),
		TopP:        optPtr(u.TopP),
		TopK:        optPtr(u.TopK),
	}
}

func (p *AnthropicProvider) do(ctx context.Context, body anthropicReq) (*http.Response, error) {
	if p.Client == nil {
		return nil, Errorf(ProviderAnthropic, KindUnknown, "http client is nil")
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return nil, Errorf(ProviderAnthropic, KindUnauthorized, "api key is required")
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/messages", p.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, Wrap(ProviderAnthropic, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(ProviderAnthropic, resp)
	}
	return resp, nil
}

func (p *AnthropicProvider) Chat(ctx context.Context, req Request) (string, error) {
	ctx, cancel := withChatTimeout(ctx, p.ChatTimeout)
	defer cancel()

	resp, err := p.do(ctx, p.buildRequest(req, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var decoded anthropicResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", Wrap(ProviderAnthropic, err)
	}
	var b strings.Builder
	for _, block := range decoded.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

// StreamChat reads the Messages API event stream and forwards text deltas.
func (p *AnthropicProvider) StreamChat(ctx context.Context, req Request) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		resp, err := p.do(ctx, p.buildRequest(req, true))
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
			// "event:" lines repeat the type carried in the data payload
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			var ev anthropicEvent
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev); err != nil {
				errs <- Wrap(ProviderAnthropic, err)
				return
			}
			switch ev.Type {
			case "content_block_delta":
				if ev.Delta == nil || ev.Delta.Type != "text_delta" || ev.Delta.Text == "" {
					continue
				}
				select {
				case chunks <- ev.Delta.Text:
				case <-ctx.Done():
					return
				}
			case "message_stop":
				return
			case "error":
				kind := KindUnknown
				msg := "stream error"
				if ev.Error != nil {
					kind = anthropicErrorKinds[ev.Error.Type]
					msg = ev.Error.Message
				}
				errs <- Errorf(ProviderAnthropic, kind, "%s", msg)
				return
			}
		}

		if err := sc.Err(); err != nil && ctx.Err() == nil {
			errs <- Wrap(ProviderAnthropic, err)
		}
	}()

	return chunks, errs
}

package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type OllamaProvider struct {
	BaseURL string
	Model   string
	Client  *http.Client

	// ChatTimeout bounds Chat; zero means DefaultChatTimeout.
	ChatTimeout time.Duration
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaProvider{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		Model:       model,
		// no global timeout so long streams are not cut off; Chat sets its own
		Client:      &http.Client{},
		ChatTimeout: DefaultChatTimeout,
	}
}

type ollamaMsg struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatReq struct {
	Model    string         `json:"model"`
	Messages []ollamaMsg    `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResp struct {
	Message ollamaMsg `json:"message"`
	Done    bool      `json:"done"`
	Error   string    `json:"error,omitempty"`
}

func (p *OllamaProvider) buildRequest(req Request, stream bool) ollamaChatReq {
	msgs := make([]ollamaMsg, 0, len(req.Messages)+1)
	if req.Usage.SystemPrompt != "" {
		msgs = append(msgs, ollamaMsg{Role: "system", Content: req.Usage.SystemPrompt})
	}
	for _, m := range req.Messages {
		om := ollamaMsg{Role: m.Role, Content: m.Text()}
		// ollama only takes inline base64 images
		for _, img := range m.Images() {
			if img.Data != "" {
				om.Images = append(om.Images, img.Data)
			}
		}
		msgs = append(msgs, om)
	}

	opts := map[string]any{}
	u := req.Usage
	if u.Temperature.Set {
		opts["temperature"] = u.Temperature.Value
	}
	if u.TopP.Set {
		opts["top_p"] = u.TopP.Value
	}
	if u.TopK.Set {
		opts["top_k"] = u.TopK.Value
	}
	if u.FrequencyPenalty.Set {
		opts["frequency_penalty"] = u.FrequencyPenalty.Value
	}
	if u.PresencePenalty.Set {
		opts["presence_penalty"] = u.PresencePenalty.Value
	}
	if u.MaxTokens.Set {
		opts["num_predict"] = u.MaxTokens.Value
	}
	if len(opts) == 0 {
		opts = nil
	}

	model := p.Model
	if u.Model != "" {
		model = u.Model
	}
	return ollamaChatReq{Model: model, Messages: msgs, Stream: stream, Options: opts}
}

func (p *OllamaProvider) do(ctx context.Context, body ollamaChatReq) (*http.Response, error) {
	if p.Client == nil {
		return nil, Errorf(ProviderOllama, KindUnknown, "http client is nil")
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/api/chat", p.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, Wrap(ProviderOllama, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(ProviderOllama, resp)
	}
	return resp, nil
}

func (p *OllamaProvider) Chat(ctx context.Context, req Request) (string, error) {
	ctx, cancel := withChatTimeout(ctx, p.ChatTimeout)
	defer cancel()

	resp, err := p.do(ctx, p.buildRequest(req, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var decoded ollamaChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", Wrap(ProviderOllama, err)
	}
	if decoded.Error != "" {
		return "", Errorf(ProviderOllama, KindUnknown, "%s", decoded.Error)
	}
	return decoded.Message.Content, nil
}

// StreamChat streams assistant content chunks from Ollama's NDJSON endpoint.
func (p *OllamaProvider) StreamChat(ctx context.Context, req Request) (<-chan string, <-chan error) {
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
		// Increase scanner buffer for long JSON lines.
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}

			var decoded ollamaChatResp
			if err := json.Unmarshal(line, &decoded); err != nil {
				errs <- Wrap(ProviderOllama, err)
				return
			}
			if decoded.Error != "" {
				errs <- Errorf(ProviderOllama, KindUnknown, "%s", decoded.Error)
				return
			}

			if decoded.Message.Content != "" {
				select {
				case chunks <- decoded.Message.Content:
				case <-ctx.Done():
					return
				}
			}

			if decoded.Done {
				return
			}
		}

		if err := sc.Err(); err != nil && ctx.Err() == nil {
			errs <- Wrap(ProviderOllama, err)
		}
	}()

	return chunks, errs
}

// statusError reads a bounded error body and classifies the status code.
func statusError(p ProviderName, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	msg := strings.TrimSpace(string(body))
	var decoded struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &decoded) == nil && len(decoded.Error) > 0 {
		var s string
		var obj struct {
			Message string `json:"message"`
		}
		switch {
		case json.Unmarshal(decoded.Error, &s) == nil && s != "":
			msg = s
		case json.Unmarshal(decoded.Error, &obj) == nil && obj.Message != "":
			msg = obj.Message
		}
	}
	return FromStatus(p, resp.StatusCode, msg)
}

var errEmptyResponse = errors.New("empty response")

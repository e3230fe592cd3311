package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
)

type GeminiProvider struct {
	APIKey   string
	Endpoint string
	Model    string
}

func NewGeminiProvider(endpoint, apiKey, model string) *GeminiProvider {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiProvider{APIKey: apiKey, Endpoint: endpoint, Model: model}
}

func (p *GeminiProvider) newClient(ctx context.Context) (*genai.Client, error) {
	if strings.TrimSpace(p.APIKey) == "" {
		return nil, Errorf(ProviderGemini, KindUnauthorized, "api key is required")
	}
	opts := []option.ClientOption{option.WithAPIKey(p.APIKey)}
	if p.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(p.Endpoint))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, p.mapError(err)
	}
	return client, nil
}

// session prepares a chat session holding every message but the last one,
// whose parts are returned for sending.
func (p *GeminiProvider) session(client *genai.Client, req Request) (*genai.ChatSession, []genai.Part, error) {
	if len(req.Messages) == 0 {
		return nil, nil, Errorf(ProviderGemini, KindInvalidRequest, "no messages")
	}
	name := p.Model
	if req.Usage.Model != "" {
		name = req.Usage.Model
	}
	model := client.GenerativeModel(name)

	u := req.Usage
	if u.Temperature.Set {
		model.SetTemperature(float32(u.Temperature.Value))
	}
	if u.TopP.Set {
		model.SetTopP(float32(u.TopP.Value))
	}
	if u.TopK.Set {
		model.SetTopK(int32(u.TopK.Value))
	}
	if u.MaxTokens.Set {
		model.SetMaxOutputTokens(int32(u.MaxTokens.Value))
	}

	system := u.SystemPrompt
	var history []*genai.Content
	for _, m := range req.Messages[:len(req.Messages)-1] {
		if m.Role == "system" {
			system = strings.TrimSpace(system + "\n\n" + m.Text())
			continue
		}
		history = append(history, &genai.Content{Role: geminiRole(m.Role), Parts: geminiParts(m)})
	}
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	cs := model.StartChat()
	cs.History = history
	return cs, geminiParts(req.Messages[len(req.Messages)-1]), nil
}

func geminiRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

func geminiParts(m Message) []genai.Part {
	var parts []genai.Part
	if t := m.Text(); t != "" {
		parts = append(parts, genai.Text(t))
	}
	for _, img := range m.Images() {
		mime := img.MimeType
		if mime == "" {
			mime = "image/png"
		}
		if img.URL != "" {
			parts = append(parts, genai.FileData{MIMEType: mime, URI: img.URL})
			continue
		}
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			continue
		}
		parts = append(parts, genai.Blob{MIMEType: mime, Data: data})
	}
	if len(parts) == 0 {
		parts = append(parts, genai.Text(""))
	}
	return parts
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
	}
	return b.String()
}

func (p *GeminiProvider) Chat(ctx context.Context, req Request) (string, error) {
	client, err := p.newClient(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	cs, parts, err := p.session(client, req)
	if err != nil {
		return "", err
	}
	resp, err := cs.SendMessage(ctx, parts...)
	if err != nil {
		return "", p.mapError(err)
	}
	return responseText(resp), nil
}

func (p *GeminiProvider) StreamChat(ctx context.Context, req Request) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		client, err := p.newClient(ctx)
		if err != nil {
			errs <- err
			return
		}
		defer client.Close()

		cs, parts, err := p.session(client, req)
		if err != nil {
			errs <- err
			return
		}

		iter := cs.SendMessageStream(ctx, parts...)
		for {
			resp, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				errs <- p.mapError(err)
				return
			}
			delta := responseText(resp)
			if delta == "" {
				continue
			}
			select {
			case chunks <- delta:
			case <-ctx.Done():
				return
			}
		}
	}()

	return chunks, errs
}

var grpcKinds = map[codes.Code]ErrorKind{
	codes.Unauthenticated:    KindUnauthorized,
	codes.PermissionDenied:   KindUnauthorized,
	codes.ResourceExhausted:  KindRateLimited,
	codes.InvalidArgument:    KindInvalidRequest,
	codes.NotFound:           KindInvalidRequest,
	codes.FailedPrecondition: KindInvalidRequest,
	codes.Unavailable:        KindUpstreamUnavailable,
	codes.DeadlineExceeded:   KindUpstreamUnavailable,
	codes.Internal:           KindUpstreamUnavailable,
}

func (p *GeminiProvider) mapError(err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return NewError(ProviderGemini, KindInvalidRequest, err)
	}
	var apiErr *apierror.APIError
	if errors.As(err, &apiErr) {
		if status := apiErr.HTTPCode(); status > 0 {
			return &Error{Kind: KindForStatus(status), Provider: ProviderGemini, Status: status, Err: err}
		}
		if st := apiErr.GRPCStatus(); st != nil {
			return NewError(ProviderGemini, grpcKinds[st.Code()], err)
		}
	}
	return Wrap(ProviderGemini, err)
}

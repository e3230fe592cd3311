package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userTurn(text string) Request {
	return Request{Messages: []Message{{Role: "user", Parts: []Part{TextPart(text)}}}}
}

func drain(chunks <-chan string, errs <-chan error) (string, error) {
	var b strings.Builder
	for c := range chunks {
		b.WriteString(c)
	}
	return b.String(), <-errs
}

func TestOllama_StreamChat(t *testing.T) {
	var got ollamaChatReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		for _, s := range []string{"Hel", "lo", ""} {
			done := s == ""
			b, _ := json.Marshal(ollamaChatResp{Message: ollamaMsg{Role: "assistant", Content: s}, Done: done})
			fmt.Fprintf(w, "%s\n", b)
		}
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "llama3:latest")
	req := userTurn("hi")
	req.Usage = Usage{SystemPrompt: "be brief", Temperature: Some(0.2), MaxTokens: Some(64)}
	text, err := drain(p.StreamChat(context.Background(), req))

	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	assert.True(t, got.Stream)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, 0.2, got.Options["temperature"])
	assert.EqualValues(t, 64, got.Options["num_predict"])
	assert.NotContains(t, got.Options, "top_k")
}

func TestOllama_ChatMapsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"model \"nope\" not found"}`)
	}))
	defer srv.Close()

	_, err := NewOllamaProvider(srv.URL, "nope").Chat(context.Background(), userTurn("hi"))
	require.Error(t, err)
	assert.Equal(t, KindInvalidRequest, KindOf(err))
	assert.Contains(t, err.Error(), "not found")
}

func TestOllama_StreamStopsOnCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := json.Marshal(ollamaChatResp{Message: ollamaMsg{Content: "The answer is"}})
		fmt.Fprintf(w, "%s\n", b)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	chunks, errs := NewOllamaProvider(srv.URL, "").StreamChat(ctx, userTurn("q"))
	assert.Equal(t, "The answer is", <-chunks)
	cancel()

	drained := make(chan struct{})
	go func() {
		for range chunks {
		}
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
	assert.NoError(t, <-errs, "cancellation is not an adapter error")
}

func TestOpenRouter_StreamChat(t *testing.T) {
	var got openRouterChatReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, ": OPENROUTER PROCESSING\n\n")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"foo"}}]}`+"\n\n")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"bar"}}]}`+"\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenRouterProvider(srv.URL, "k", "openrouter/auto", "", "")
	req := userTurn("hi")
	req.Usage.TopK = Some(20)
	text, err := drain(p.StreamChat(context.Background(), req))

	require.NoError(t, err)
	assert.Equal(t, "foobar", text)
	require.NotNil(t, got.TopK)
	assert.Equal(t, 20, *got.TopK)
	assert.Nil(t, got.Temperature)
}

func TestOpenRouter_Errors(t *testing.T) {
	t.Run("rate limited", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"error":{"message":"slow down","code":429}}`)
		}))
		defer srv.Close()

		_, err := NewOpenRouterProvider(srv.URL, "k", "m", "", "").Chat(context.Background(), userTurn("hi"))
		assert.Equal(t, KindRateLimited, KindOf(err))
	})

	t.Run("in-band stream error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"par"}}]}`+"\n\n")
			_, _ = io.WriteString(w, `data: {"error":{"message":"provider down","code":502}}`+"\n\n")
		}))
		defer srv.Close()

		text, err := drain(NewOpenRouterProvider(srv.URL, "k", "m", "", "").StreamChat(context.Background(), userTurn("hi")))
		assert.Equal(t, "par", text)
		assert.Equal(t, KindUpstreamUnavailable, KindOf(err))
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := NewOpenRouterProvider("http://unused", "", "m", "", "").Chat(context.Background(), userTurn("hi"))
		assert.Equal(t, KindUnauthorized, KindOf(err))
	})
}

func TestAnthropic_StreamChat(t *testing.T) {
	var got anthropicReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/messages", r.URL.Path)
		require.Equal(t, "k", r.Header.Get("x-api-key"))
		require.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		events := []string{
			`{"type":"message_start","message":{}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi "}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"there"}}`,
			`{"type":"message_stop"}`,
		}
		for _, e := range events {
			fmt.Fprintf(w, "event: x\ndata: %s\n\n", e)
		}
	}))
	defer srv.Close()

	req := Request{
		Usage: Usage{SystemPrompt: "sys", TopK: Some(5)},
		Messages: []Message{
			{Role: "user", Parts: []Part{TextPart("look"), {Type: PartImage, Data: "aGk=", MimeType: "image/png"}}},
		},
	}
	text, err := drain(NewAnthropicProvider(srv.URL, "k", "").StreamChat(context.Background(), req))

	require.NoError(t, err)
	assert.Equal(t, "Hi there", text)
	assert.Equal(t, "sys", got.System)
	assert.Equal(t, anthropicDefaultMaxTokens, got.MaxTokens)
	require.Len(t, got.Messages, 1)
	require.Len(t, got.Messages[0].Content, 2)
	assert.Equal(t, "image", got.Messages[0].Content[0].Type)
	assert.Equal(t, "base64", got.Messages[0].Content[0].Source.Type)
}

func TestAnthropic_OverloadedEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	}))
	defer srv.Close()

	_, err := drain(NewAnthropicProvider(srv.URL, "k", "").StreamChat(context.Background(), userTurn("hi")))
	assert.Equal(t, KindUpstreamUnavailable, KindOf(err))
}

func TestOpenAI_StreamChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range []string{"The ", "answer"} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", d)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL+"/v1", "k", "gpt-4o")
	text, err := drain(p.StreamChat(context.Background(), userTurn("q")))
	require.NoError(t, err)
	assert.Equal(t, "The answer", text)
}

func TestOpenAI_MapsAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`)
	}))
	defer srv.Close()

	_, err := NewDeepSeekProvider(srv.URL+"/v1", "bad", "").Chat(context.Background(), userTurn("q"))
	require.Error(t, err)
	assert.Equal(t, KindUnauthorized, KindOf(err))

	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, ProviderDeepSeek, ae.Provider)
}

func TestOpenAI_GenerateImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/images/generations", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"created":1,"data":[{"b64_json":"aW1n","revised_prompt":"a red fox"}]}`)
	}))
	defer srv.Close()

	out, err := NewOpenAIProvider(srv.URL+"/v1", "k", "").GenerateImage(context.Background(), Usage{}, "fox")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "aW1n", out[0].Data)
	assert.Equal(t, "a red fox", out[0].RevisedPrompt)

	_, err = NewDeepSeekProvider(srv.URL+"/v1", "k", "").GenerateImage(context.Background(), Usage{}, "fox")
	assert.Equal(t, KindInvalidRequest, KindOf(err))
}

func TestRegistry_Validate(t *testing.T) {
	reg := NewRegistry()
	reg.Register(ProviderOllama, func(ctx context.Context, opts FactoryOptions) (Provider, error) {
		return NewOllamaProvider("", opts.Model), nil
	})

	assert.NoError(t, reg.Validate([]ProviderName{ProviderOllama}))
	err := reg.Validate(AllProviders)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openai")
	assert.NotContains(t, err.Error(), "ollama")

	_, err = reg.Get(context.Background(), ProviderGemini, FactoryOptions{})
	assert.Equal(t, KindInvalidRequest, KindOf(err))
}

func TestChat_TimeoutIsUpstreamUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	providers := map[string]Provider{}
	o := NewOllamaProvider(srv.URL, "m")
	o.ChatTimeout = 50 * time.Millisecond
	providers["ollama"] = o
	orp := NewOpenRouterProvider(srv.URL, "k", "m", "", "")
	orp.ChatTimeout = 50 * time.Millisecond
	providers["openrouter"] = orp
	a := NewAnthropicProvider(srv.URL, "k", "m")
	a.ChatTimeout = 50 * time.Millisecond
	providers["anthropic"] = a

	for name, p := range providers {
		start := time.Now()
		_, err := p.Chat(context.Background(), userTurn("hi"))
		require.Error(t, err, name)
		assert.Equal(t, KindUpstreamUnavailable, KindOf(err), name)
		assert.Less(t, time.Since(start), 2*time.Second, name)
	}
}

func TestStreamChat_NotBoundByChatTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i, s := range []string{"slow", " stream", ""} {
			if i > 0 {
				time.Sleep(60 * time.Millisecond)
			}
			b, _ := json.Marshal(ollamaChatResp{Message: ollamaMsg{Role: "assistant", Content: s}, Done: s == ""})
			fmt.Fprintf(w, "%s\n", b)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "m")
	p.ChatTimeout = 50 * time.Millisecond
	text, err := drain(p.StreamChat(context.Background(), userTurn("hi")))
	require.NoError(t, err)
	assert.Equal(t, "slow stream", text)
}

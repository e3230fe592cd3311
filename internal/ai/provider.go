package ai

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// DefaultChatTimeout bounds a blocking Chat call. Streams are bounded by the
// caller's context only.
const DefaultChatTimeout = 90 * time.Second

func withChatTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultChatTimeout
	}
	return context.WithTimeout(ctx, d)
}

type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartFile       PartType = "file"
	PartToolCall   PartType = "tool-call"
	PartToolResult PartType = "tool-result"
	PartReasoning  PartType = "reasoning"
)

// Part is one ordered piece of message content.
// Images and files carry either a URL or base64 Data with a MimeType.
type Part struct {
	Type       PartType        `json:"type"`
	Text       string          `json:"text,omitempty"`
	URL        string          `json:"url,omitempty"`
	Data       string          `json:"data,omitempty"`
	MimeType   string          `json:"mime_type,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
}

func TextPart(s string) Part { return Part{Type: PartText, Text: s} }

type Message struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Text joins the text-bearing parts. Reasoning traces are never sent back upstream.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		switch p.Type {
		case PartText, PartToolResult:
			if b.Len() > 0 && p.Text != "" {
				b.WriteString("\n")
			}
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func (m Message) Images() []Part {
	var out []Part
	for _, p := range m.Parts {
		if p.Type == PartImage && (p.URL != "" || p.Data != "") {
			out = append(out, p)
		}
	}
	return out
}

// Request is what an adapter receives: an already-normalized usage plus the thread.
type Request struct {
	Usage    Usage
	Messages []Message
}

// Provider is the contract every backend adapter satisfies.
type Provider interface {
	Chat(ctx context.Context, req Request) (string, error)
	// StreamChat returns immediately with two channels; both are closed when streaming ends.
	// Closing chunks without an error is the end-of-stream marker.
	StreamChat(ctx context.Context, req Request) (<-chan string, <-chan error)
}

type ImageResult struct {
	URL           string `json:"url,omitempty"`
	Data          string `json:"data,omitempty"`
	MimeType      string `json:"mime_type,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// ImageProvider is an optional interface for adapters that also serve image generation.
type ImageProvider interface {
	GenerateImage(ctx context.Context, usage Usage, prompt string) ([]ImageResult, error)
}

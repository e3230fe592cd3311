package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/gopherchat/internal/ai"
	"github.com/suPer8Hu/gopherchat/internal/chat"
	"github.com/suPer8Hu/gopherchat/internal/common"
	"go.uber.org/zap"
)

const heartbeatInterval = 15 * time.Second

type messageIn struct {
	ID       string    `json:"id"`
	Role     string    `json:"role"`
	Content  string    `json:"content"`
	Parts    []ai.Part `json:"parts"`
	ParentID *string   `json:"parent_id"`
}

func (m messageIn) parts() []ai.Part {
	if len(m.Parts) > 0 {
		return m.Parts
	}
	if m.Content != "" {
		return []ai.Part{ai.TextPart(m.Content)}
	}
	return nil
}

type turnBody struct {
	Messages     []messageIn `json:"messages"`
	Usage        ai.Usage    `json:"usage"`
	Title        string      `json:"title"`
	ID           string      `json:"id"`
	AssistantID  string      `json:"assistant_id"`
	RegenerateID string      `json:"regenerate_id"`
	Branch       bool        `json:"branch"`
}

// toTurn splits the client thread into stored-history context and the new
// user message. A regenerate sends the thread up to the user message.
func toTurn(uid uint64, provider ai.ProviderName, body turnBody) (chat.TurnRequest, error) {
	req := chat.TurnRequest{
		OwnerID:      uid,
		ChatID:       strings.TrimSpace(body.ID),
		Title:        strings.TrimSpace(body.Title),
		Provider:     provider,
		Usage:        body.Usage,
		AssistantID:  body.AssistantID,
		RegenerateID: body.RegenerateID,
		Branch:       body.Branch,
	}
	if req.ChatID == "" {
		if req.RegenerateID != "" {
			return req, fmt.Errorf("%w: id is required to regenerate", chat.ErrInvalidRequest)
		}
		id, err := common.NewULID()
		if err != nil {
			return req, err
		}
		req.ChatID = id
	}

	msgs := body.Messages
	if req.RegenerateID == "" {
		if len(msgs) == 0 {
			return req, fmt.Errorf("%w: messages are required", chat.ErrInvalidRequest)
		}
		last := msgs[len(msgs)-1]
		msgs = msgs[:len(msgs)-1]

		id := strings.TrimSpace(last.ID)
		if id == "" {
			var err error
			if id, err = common.NewULID(); err != nil {
				return req, err
			}
		}
		role := chat.Role(last.Role)
		if role == "" {
			role = chat.RoleUser
		}
		user := &chat.Message{ID: id, Role: role, ParentID: last.ParentID}
		if err := user.SetContent(last.parts()); err != nil {
			return req, err
		}
		req.User = user
	}
	for _, m := range msgs {
		req.History = append(req.History, ai.Message{Role: m.Role, Parts: m.parts()})
	}
	return req, nil
}

func parseProvider(c *gin.Context) (ai.ProviderName, bool) {
	p, ok := ai.ParseProvider(c.Param("provider"))
	if !ok {
		common.Fail(c, http.StatusBadRequest, 40003, "unknown provider")
	}
	return p, ok
}

// ChatTurn serves POST /chat/:provider.
func (h *Handler) ChatTurn(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	provider, ok := parseProvider(c)
	if !ok {
		return
	}
	var body turnBody
	if err := c.ShouldBindJSON(&body); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	req, err := toTurn(uid, provider, body)
	if err != nil {
		h.writeError(c, "chat turn", err)
		return
	}

	if body.Usage.Stream {
		h.streamTurn(c, func(ctx context.Context, emit func(string) error) (*chat.TurnResult, error) {
			return h.ChatSvc.StreamTurn(ctx, req, emit)
		})
		return
	}

	res, err := h.ChatSvc.Turn(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, "chat turn", err)
		return
	}
	common.OK(c, http.StatusOK, assistantBody(res))
}

func assistantBody(res *chat.TurnResult) gin.H {
	out := gin.H{
		"role":     "assistant",
		"content":  "",
		"chat_id":  res.ChatID,
		"canceled": res.Canceled,
		"replayed": res.Replayed,
	}
	if res.UserMessageID != "" {
		out["user_message_id"] = res.UserMessageID
	}
	if res.Assistant != nil {
		out["id"] = res.Assistant.ID
		out["parent_id"] = res.Assistant.ParentID
		out["content"] = res.Assistant.AIMessage().Text()
	}
	return out
}

type turnOutcome struct {
	res *chat.TurnResult
	err error
}

// streamTurn runs a turn and relays it as server-sent events: "chunk" per
// delta, "ping" as heartbeat, then "done" or "error". run executes on its own
// goroutine and must use the ctx it is given, never c.
func (h *Handler) streamTurn(c *gin.Context, run func(ctx context.Context, emit func(string) error) (*chat.TurnResult, error)) {
	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	// avoid gin writing a JSON response later
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		fmt.Fprintf(c.Writer, "event: error\ndata: flusher not supported\n\n")
		return
	}

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		if event != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", event)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", string(b))
		flusher.Flush()
	}

	ctx := c.Request.Context()
	chunks := make(chan string)
	done := make(chan turnOutcome, 1)
	go func() {
		res, err := run(ctx, func(s string) error {
			select {
			case chunks <- s:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		done <- turnOutcome{res: res, err: err}
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case s := <-chunks:
			writeJSON("chunk", gin.H{"type": "chunk", "delta": s})

		case <-ticker.C:
			writeJSON("ping", gin.H{"type": "ping", "ts": time.Now().Unix()})

		case out := <-done:
			if out.err != nil {
				status, code, msg := errorStatus(out.err)
				if status >= 500 {
					h.Log.Error("stream turn failed", zap.Error(out.err))
				}
				writeJSON("error", gin.H{"type": "error", "error": msg, "code": code, "status": status})
				return
			}
			payload := assistantBody(out.res)
			payload["type"] = "done"
			writeJSON("done", payload)
			return

		case <-ctx.Done():
			return
		}
	}
}

// ImageTurn serves POST /images/:provider. The reply is a list of parts:
// generated images followed by the revised prompt as text.
func (h *Handler) ImageTurn(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	provider, ok := parseProvider(c)
	if !ok {
		return
	}
	var body turnBody
	if err := c.ShouldBindJSON(&body); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	req, err := toTurn(uid, provider, body)
	if err != nil {
		h.writeError(c, "image turn", err)
		return
	}

	if body.Usage.Stream {
		h.streamTurn(c, func(ctx context.Context, emit func(string) error) (*chat.TurnResult, error) {
			res, err := h.ChatSvc.ImageTurn(ctx, req)
			if err != nil || res.Assistant == nil {
				return res, err
			}
			for _, p := range res.Assistant.Content() {
				b, _ := json.Marshal(p)
				if err := emit(string(b)); err != nil {
					break
				}
			}
			return res, nil
		})
		return
	}

	res, err := h.ChatSvc.ImageTurn(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, "image turn", err)
		return
	}
	parts := []ai.Part{}
	if res.Assistant != nil {
		parts = res.Assistant.Content()
	}
	common.OK(c, http.StatusOK, parts)
}

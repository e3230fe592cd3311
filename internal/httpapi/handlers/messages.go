package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/gopherchat/internal/ai"
	"github.com/suPer8Hu/gopherchat/internal/chat"
	"github.com/suPer8Hu/gopherchat/internal/common"
)

type editBody struct {
	Content string    `json:"content"`
	Parts   []ai.Part `json:"parts"`
	// Provider set means: drop the replies and run a fresh turn from the edit.
	Provider string   `json:"provider"`
	Usage    ai.Usage `json:"usage"`
}

// EditMessage serves PUT /messages/:id.
func (h *Handler) EditMessage(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	var body editBody
	if err := c.ShouldBindJSON(&body); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	req := chat.EditRequest{
		OwnerID:   uid,
		MessageID: c.Param("id"),
		Parts:     messageIn{Content: body.Content, Parts: body.Parts}.parts(),
		Usage:     body.Usage,
	}
	if body.Provider != "" {
		p, ok := ai.ParseProvider(body.Provider)
		if !ok {
			common.Fail(c, http.StatusBadRequest, 40003, "unknown provider")
			return
		}
		req.Provider = p
		req.Resend = true
	}

	if req.Resend && body.Usage.Stream {
		h.streamTurn(c, func(ctx context.Context, emit func(string) error) (*chat.TurnResult, error) {
			return h.ChatSvc.StreamEditMessage(ctx, req, emit)
		})
		return
	}

	res, err := h.ChatSvc.EditMessage(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, "edit message", err)
		return
	}
	if res == nil {
		common.OK(c, http.StatusOK, gin.H{"id": req.MessageID, "updated": true})
		return
	}
	common.OK(c, http.StatusOK, assistantBody(res))
}

// DeleteMessage serves DELETE /messages/:id and cascades to descendants.
func (h *Handler) DeleteMessage(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	deleted, err := h.ChatSvc.DeleteMessage(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		h.writeError(c, "delete message", err)
		return
	}
	common.OK(c, http.StatusOK, gin.H{"deleted": deleted})
}

type regenerateBody struct {
	Provider string   `json:"provider"`
	Usage    ai.Usage `json:"usage"`
	Branch   bool     `json:"branch"`
}

// RegenerateMessage serves POST /messages/:id/regenerate for an assistant reply.
func (h *Handler) RegenerateMessage(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	var body regenerateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	provider, ok := ai.ParseProvider(body.Provider)
	if !ok {
		common.Fail(c, http.StatusBadRequest, 40003, "unknown provider")
		return
	}
	id := c.Param("id")

	if body.Usage.Stream {
		h.streamTurn(c, func(ctx context.Context, emit func(string) error) (*chat.TurnResult, error) {
			return h.ChatSvc.StreamRegenerate(ctx, uid, id, provider, body.Usage, body.Branch, emit)
		})
		return
	}

	res, err := h.ChatSvc.Regenerate(c.Request.Context(), uid, id, provider, body.Usage, body.Branch)
	if err != nil {
		h.writeError(c, "regenerate message", err)
		return
	}
	common.OK(c, http.StatusOK, assistantBody(res))
}

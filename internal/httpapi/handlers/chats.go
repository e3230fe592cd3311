package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/gopherchat/internal/common"
)

func (h *Handler) ListChats(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	if offset < 0 {
		offset = 0
	}
	chats, err := h.ChatSvc.ListChats(c.Request.Context(), uid, limit, offset)
	if err != nil {
		h.writeError(c, "list chats", err)
		return
	}
	common.OK(c, http.StatusOK, gin.H{"chats": chats})
}

func (h *Handler) GetChat(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	view, err := h.ChatSvc.GetChat(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		h.writeError(c, "get chat", err)
		return
	}
	common.OK(c, http.StatusOK, view)
}

func (h *Handler) DeleteChat(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	if err := h.ChatSvc.DeleteChat(c.Request.Context(), uid, c.Param("id")); err != nil {
		h.writeError(c, "delete chat", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CancelTurn stops the chat's in-flight turn on this instance.
func (h *Handler) CancelTurn(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	canceled := h.ChatSvc.Cancel(uid, c.Param("id"))
	common.OK(c, http.StatusOK, gin.H{"canceled": canceled})
}

func (h *Handler) CreateShare(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	sh, err := h.ChatSvc.CreateShare(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		h.writeError(c, "create share", err)
		return
	}
	common.OK(c, http.StatusCreated, sh)
}

func (h *Handler) DeleteShare(c *gin.Context) {
	uid, ok := mustUser(c)
	if !ok {
		return
	}
	if err := h.ChatSvc.DeleteShare(c.Request.Context(), uid, c.Param("id")); err != nil {
		h.writeError(c, "delete share", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetShare is public: a share id is the only credential.
func (h *Handler) GetShare(c *gin.Context) {
	view, err := h.ChatSvc.SharedChat(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "get share", err)
		return
	}
	common.OK(c, http.StatusOK, view)
}

func (h *Handler) ListModels(c *gin.Context) {
	common.OK(c, http.StatusOK, gin.H{"models": h.ChatSvc.Models()})
}

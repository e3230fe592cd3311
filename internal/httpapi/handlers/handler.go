package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/gopherchat/internal/ai"
	"github.com/suPer8Hu/gopherchat/internal/chat"
	"github.com/suPer8Hu/gopherchat/internal/common"
	"github.com/suPer8Hu/gopherchat/internal/httpapi/middleware"
	"go.uber.org/zap"
)

type Handler struct {
	ChatSvc *chat.Service
	Log     *zap.Logger
}

func NewHandler(svc *chat.Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{ChatSvc: svc, Log: log}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, http.StatusOK, gin.H{"message": "pong"})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok && id != 0
}

// mustUser writes 401 and returns false when the request has no identity.
func mustUser(c *gin.Context) (uint64, bool) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return uid, ok
}

// errorStatus maps service and adapter errors to a status, code and a
// message that carries no vendor detail.
func errorStatus(err error) (int, int, string) {
	var ae *ai.Error
	switch {
	case errors.As(err, &ae):
		status := ai.HTTPStatus(ae.Kind)
		return status, status * 100, ae.Message()
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound, 40400, "not found"
	case errors.Is(err, chat.ErrConflict):
		return http.StatusConflict, 40900, "conflict"
	case errors.Is(err, chat.ErrInvalidParent):
		return http.StatusBadRequest, 40002, "parent message is not in this chat"
	case errors.Is(err, chat.ErrInvalidRequest):
		return http.StatusBadRequest, 40001, err.Error()
	case errors.Is(err, chat.ErrPersist):
		return http.StatusInternalServerError, 50002, "failed to persist exchange"
	default:
		return http.StatusInternalServerError, 50001, "internal error"
	}
}

func (h *Handler) writeError(c *gin.Context, op string, err error) {
	if errors.Is(err, context.Canceled) && c.Request.Context().Err() != nil {
		// client went away; nothing to answer
		c.Abort()
		return
	}
	status, code, msg := errorStatus(err)
	if status >= 500 {
		h.Log.Error(op, zap.Error(err), zap.String("request_id", c.GetString(middleware.RequestIDKey)))
	}
	common.Fail(c, status, code, msg)
}

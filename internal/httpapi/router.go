package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/gopherchat/internal/chat"
	"github.com/suPer8Hu/gopherchat/internal/common"
	"github.com/suPer8Hu/gopherchat/internal/httpapi/handlers"
	"github.com/suPer8Hu/gopherchat/internal/httpapi/middleware"
	"go.uber.org/zap"
)

func NewRouter(svc *chat.Service, jwtSecret string, log *zap.Logger) *gin.Engine {
	if log == nil {
		log = zap.NewNop()
	}
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(svc, log)

	r.GET("/ping", h.Ping)
	r.GET("/models", h.ListModels)
	r.GET("/shares/:id", h.GetShare)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(jwtSecret))

	// turns
	authGroup.POST("/chat/:provider", h.ChatTurn)
	authGroup.POST("/images/:provider", h.ImageTurn)

	// messages
	authGroup.PUT("/messages/:id", h.EditMessage)
	authGroup.DELETE("/messages/:id", h.DeleteMessage)
	authGroup.POST("/messages/:id/regenerate", h.RegenerateMessage)

	// chats
	authGroup.GET("/chats", h.ListChats)
	authGroup.GET("/chats/:id", h.GetChat)
	authGroup.DELETE("/chats/:id", h.DeleteChat)
	authGroup.POST("/chats/:id/cancel", h.CancelTurn)
	authGroup.POST("/chats/:id/share", h.CreateShare)
	authGroup.DELETE("/chats/:id/share", h.DeleteShare)
	return r
}

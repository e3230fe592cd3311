package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/gopherchat/internal/ai"
	"github.com/suPer8Hu/gopherchat/internal/chat"
)

func TestErrorStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   int
	}{
		{fmt.Errorf("%w: connection reset", chat.ErrPersist), http.StatusInternalServerError, 50002},
		{chat.ErrNotFound, http.StatusNotFound, 40400},
		{chat.ErrConflict, http.StatusConflict, 40900},
		{chat.ErrInvalidParent, http.StatusBadRequest, 40002},
		{fmt.Errorf("%w: bad", chat.ErrInvalidRequest), http.StatusBadRequest, 40001},
		{ai.Errorf(ai.ProviderOpenAI, ai.KindRateLimited, "slow down"), http.StatusTooManyRequests, 42900},
		{ai.Errorf(ai.ProviderOpenAI, ai.KindUnauthorized, "sk-secret rejected"), http.StatusUnauthorized, 40100},
		{context.DeadlineExceeded, http.StatusInternalServerError, 50001},
	}
	for _, tc := range cases {
		status, code, msg := errorStatus(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.code, code, tc.err.Error())
		assert.NotContains(t, msg, "connection reset")
		assert.NotContains(t, msg, "sk-secret")
	}
}

func TestStreamTurn_RunGetsRequestContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	reqCtx, cancel := context.WithCancel(context.Background())
	c.Request = httptest.NewRequest(http.MethodPost, "/chat/ollama", nil).WithContext(reqCtx)

	h := NewHandler(nil, zap.NewNop())
	got := make(chan context.Context, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		h.streamTurn(c, func(ctx context.Context, emit func(string) error) (*chat.TurnResult, error) {
			got <- ctx
			<-ctx.Done()
			// the handler has already returned; only ctx is safe to use here
			return &chat.TurnResult{ChatID: "c1", Canceled: true}, nil
		})
	}()

	var ctx context.Context
	select {
	case ctx = <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("run was not started")
	}
	cancel()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("streamTurn did not return after the client left")
	}
	require.Error(t, ctx.Err())
}

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/gopherchat/internal/ai"
	"github.com/suPer8Hu/gopherchat/internal/chat"
	"github.com/suPer8Hu/gopherchat/internal/httpapi/middleware"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSecret = "test-secret"

type stubProvider struct {
	reply  string
	chunks []string
	err    error
}

func (p *stubProvider) Chat(ctx context.Context, req ai.Request) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return p.reply, nil
}

func (p *stubProvider) StreamChat(ctx context.Context, req ai.Request) (<-chan string, <-chan error) {
	chunks := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for _, c := range p.chunks {
			select {
			case chunks <- c:
			case <-ctx.Done():
				return
			}
		}
		if p.err != nil {
			errs <- p.err
		}
	}()
	return chunks, errs
}

func newTestRouter(t *testing.T, p *stubProvider) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(chat.Models()...))

	reg := ai.NewRegistry()
	reg.Register(ai.ProviderOllama, func(ctx context.Context, opts ai.FactoryOptions) (ai.Provider, error) {
		return p, nil
	})
	svc := chat.NewService(chat.NewRepo(db), reg, ai.NewModelRegistry(ai.ProviderOllama), chat.ServiceOptions{
		PersistBackoff: time.Millisecond,
	})
	return NewRouter(svc, testSecret, nil)
}

func token(t *testing.T, uid uint64) string {
	t.Helper()
	tok, err := middleware.SignToken(testSecret, uid, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func do(t *testing.T, r *gin.Engine, method, path string, uid uint64, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if uid != 0 {
		req.Header.Set("Authorization", token(t, uid))
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func helloTurn() gin.H {
	return gin.H{
		"id":       "c1",
		"messages": []gin.H{{"id": "u1", "role": "user", "content": "hello"}},
		"usage":    gin.H{"model": "llama3:latest"},
	}
}

func TestRouter_RequiresAuth(t *testing.T) {
	r := newTestRouter(t, &stubProvider{reply: "hi"})

	w := do(t, r, http.MethodPost, "/chat/ollama", 0, helloTurn())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, decode(t, w), "error")

	req := httptest.NewRequest(http.MethodGet, "/chats", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_ChatTurn(t *testing.T) {
	r := newTestRouter(t, &stubProvider{reply: "hi there"})

	w := do(t, r, http.MethodPost, "/chat/ollama", 1, helloTurn())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)
	assert.Equal(t, "assistant", out["role"])
	assert.Equal(t, "hi there", out["content"])
	assert.Equal(t, "c1", out["chat_id"])

	w = do(t, r, http.MethodGet, "/chats/c1", 1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode(t, w)
	assert.Len(t, view["messages"], 2)

	// another user cannot see it
	w = do(t, r, http.MethodGet, "/chats/c1", 2, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_UnknownProvider(t *testing.T) {
	r := newTestRouter(t, &stubProvider{reply: "x"})
	w := do(t, r, http.MethodPost, "/chat/nope", 1, helloTurn())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_UpstreamErrorStatus(t *testing.T) {
	r := newTestRouter(t, &stubProvider{err: ai.FromStatus(ai.ProviderOllama, 429, "slow down")})

	w := do(t, r, http.MethodPost, "/chat/ollama", 1, helloTurn())
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	out := decode(t, w)
	assert.Equal(t, "provider rate limit exceeded", out["error"])

	w = do(t, r, http.MethodGet, "/chats/c1", 1, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_StreamTurn(t *testing.T) {
	r := newTestRouter(t, &stubProvider{chunks: []string{"Hel", "lo"}})

	body := helloTurn()
	body["usage"] = gin.H{"model": "llama3:latest", "stream": true}
	w := do(t, r, http.MethodPost, "/chat/ollama", 1, body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	s := w.Body.String()
	assert.Contains(t, s, "event: chunk\ndata: {\"delta\":\"Hel\",\"type\":\"chunk\"}")
	assert.Contains(t, s, "event: done")
	assert.Contains(t, s, "\"content\":\"Hello\"")
	assert.Less(t, strings.Index(s, "\"lo\""), strings.Index(s, "event: done"))
}

func TestRouter_EditAndDelete(t *testing.T) {
	p := &stubProvider{reply: "first"}
	r := newTestRouter(t, p)

	w := do(t, r, http.MethodPost, "/chat/ollama", 1, helloTurn())
	require.Equal(t, http.StatusOK, w.Code)

	p.reply = "second"
	w = do(t, r, http.MethodPut, "/messages/u1", 1, gin.H{"content": "hello again", "provider": "ollama"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "second", decode(t, w)["content"])

	w = do(t, r, http.MethodPut, "/messages/u1", 2, gin.H{"content": "hijack"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodDelete, "/messages/u1", 1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["deleted"], 2)
}

func TestRouter_Regenerate(t *testing.T) {
	p := &stubProvider{reply: "first"}
	r := newTestRouter(t, p)

	body := helloTurn()
	body["assistant_id"] = "a1"
	require.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/chat/ollama", 1, body).Code)

	p.reply = "again"
	w := do(t, r, http.MethodPost, "/messages/a1/regenerate", 1, gin.H{"provider": "ollama"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)
	assert.Equal(t, "again", out["content"])
	assert.NotEqual(t, "a1", out["id"])

	w = do(t, r, http.MethodGet, "/chats/c1", 1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["messages"], 2)

	// a user message cannot be regenerated
	w = do(t, r, http.MethodPost, "/messages/u1/regenerate", 1, gin.H{"provider": "ollama"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_Shares(t *testing.T) {
	r := newTestRouter(t, &stubProvider{reply: "hi"})
	require.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/chat/ollama", 1, helloTurn()).Code)

	w := do(t, r, http.MethodPost, "/chats/c1/share", 1, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	shareID, _ := decode(t, w)["id"].(string)
	require.NotEmpty(t, shareID)

	w = do(t, r, http.MethodPost, "/chats/c1/share", 1, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, r, http.MethodGet, "/shares/"+shareID, 0, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["messages"], 2)

	assert.Equal(t, http.StatusNoContent, do(t, r, http.MethodDelete, "/chats/c1/share", 1, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/shares/"+shareID, 0, nil).Code)
}

func TestRouter_ModelsAndCancel(t *testing.T) {
	r := newTestRouter(t, &stubProvider{reply: "hi"})

	w := do(t, r, http.MethodGet, "/models", 0, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decode(t, w)["models"])

	w = do(t, r, http.MethodPost, "/chats/c1/cancel", 1, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["canceled"])
}

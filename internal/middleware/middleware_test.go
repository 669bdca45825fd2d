package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handlers...)
	r.GET("/link/public/:filename", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestCORSEchoesAllowedOrigin(t *testing.T) {
	r := newRouter(CORS("http://app.example"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/link/public/a.webm", nil)
	req.Header.Set("Origin", "http://app.example")
	r.ServeHTTP(w, req)
	assert.Equal(t, "http://app.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/link/public/a.webm", nil)
	req.Header.Set("Origin", "http://evil.example")
	r.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflight(t *testing.T) {
	r := newRouter(CORS("*"))
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/link/public/a.webm", nil)
	req.Header.Set("Origin", "http://any.example")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSWildcardNeverAllowsCredentials(t *testing.T) {
	r := newRouter(CORS("*, http://app.example"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/link/public/a.webm", nil)
	req.Header.Set("Origin", "http://any.example")
	r.ServeHTTP(w, req)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/link/public/a.webm", nil)
	req.Header.Set("Origin", "http://app.example")
	r.ServeHTTP(w, req)
	assert.Equal(t, "http://app.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestRequestIDAndLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := newRouter(RequestID(), Logger(zap.New(core)))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/link/public/recording_secret.webm", nil))
	id := w.Header().Get(HeaderRequestID)
	_, err := uuid.Parse(id)
	require.NoError(t, err)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "/link/public/:filename", fields["route"])
	assert.Equal(t, id, fields["request_id"])

	known := uuid.NewString()
	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/link/public/a.webm", nil)
	req.Header.Set(HeaderRequestID, known)
	r.ServeHTTP(w, req)
	assert.Equal(t, known, w.Header().Get(HeaderRequestID))
}

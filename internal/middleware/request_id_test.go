package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"backend/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
	_ = logger.Init("error", "console", "stderr")
}

func TestRequestIDMiddlewareGeneratesIDs(t *testing.T) {
	router := gin.New()
	router.Use(RequestIDMiddleware())

	var traceInCtx, requestID string
	router.GET("/ping", func(c *gin.Context) {
		traceInCtx = logger.GetTraceID(c.Request.Context())
		requestID = RequestIDFromGin(c)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(w, req)

	require.NotEmpty(t, requestID)
	assert.Equal(t, requestID, w.Header().Get(HeaderRequestID))
	// 未传 trace 头时以 request_id 作为 trace_id，并注入日志上下文
	assert.Equal(t, requestID, w.Header().Get(HeaderTraceID))
	assert.Equal(t, requestID, traceInCtx)
}

func TestRequestIDMiddlewareReusesUpstreamIDs(t *testing.T) {
	router := gin.New()
	router.Use(RequestIDMiddleware())

	var traceInCtx string
	router.GET("/ping", func(c *gin.Context) {
		traceInCtx = logger.GetTraceID(c.Request.Context())
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(HeaderRequestID, "req-upstream")
	req.Header.Set(HeaderTraceID, "trace-upstream")
	router.ServeHTTP(w, req)

	assert.Equal(t, "req-upstream", w.Header().Get(HeaderRequestID))
	assert.Equal(t, "trace-upstream", w.Header().Get(HeaderTraceID))
	assert.Equal(t, "trace-upstream", traceInCtx)
}

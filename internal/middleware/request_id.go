package middleware

import (
	"backend/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// 请求/追踪标识的 HTTP 头与 gin 上下文键
const (
	HeaderRequestID = "X-Request-ID"
	HeaderTraceID   = "X-Trace-ID"

	RequestIDKey = "request_id"
	TraceIDKey   = "trace_id"
)

// RequestIDMiddleware 请求标识中间件
// 复用上游传入的 X-Request-ID / X-Trace-ID，缺失时生成；
// trace_id 注入请求上下文，logger.WithContext 的日志自动携带
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		traceID := c.GetHeader(HeaderTraceID)
		if traceID == "" {
			traceID = requestID
		}

		c.Set(RequestIDKey, requestID)
		c.Set(TraceIDKey, traceID)
		c.Request = c.Request.WithContext(logger.WithTraceID(c.Request.Context(), traceID))

		c.Header(HeaderRequestID, requestID)
		c.Header(HeaderTraceID, traceID)

		c.Next()
	}
}

// RequestIDFromGin 从 gin 上下文取请求 ID，供访问日志使用
func RequestIDFromGin(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}

package middleware

import (
	"context"
	"strings"

	"contestjudge/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	traceIDHeader   = "X-Trace-Id"
	requestIDHeader = "X-Request-Id"
)

// TraceContextMiddleware ensures trace and request ids are present in the gin
// context, the request context and the response headers.
func TraceContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		ctx = propagate(c, ctx, traceIDHeader, contextkey.TraceID)
		ctx = propagate(c, ctx, requestIDHeader, contextkey.RequestID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

type ctxKey interface {
	Name() string
}

func propagate(c *gin.Context, ctx context.Context, header string, key ctxKey) context.Context {
	value := strings.TrimSpace(c.GetHeader(header))
	if value == "" {
		value = uuid.NewString()
	}
	c.Set(key.Name(), value)
	c.Writer.Header().Set(header, value)
	return context.WithValue(ctx, key, value)
}

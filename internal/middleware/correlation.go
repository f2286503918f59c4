package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/notifyrelay/notifyrelay/internal/telemetry"
)

// CorrelationID ensures every request carries a correlation ID. An inbound
// X-Correlation-ID header is honored so callers can stitch requests across
// services; otherwise a fresh ID is generated. The ID is echoed on the
// response and stashed in the request context for the contextual logger.
// Mount it first: the other middlewares and the handlers read the ID from
// the context.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = telemetry.NewCorrelationID()
		}
		c.Header("X-Correlation-ID", correlationID)

		ctx := telemetry.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

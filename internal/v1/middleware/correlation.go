// Package middleware contains Gin middleware for the HTTP surface.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/voxhall/voxhall/internal/v1/logging"
)

// HeaderXCorrelationID is the header carrying the request correlation id.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID propagates the caller's correlation id, minting one when
// absent. The id is echoed in the response header and installed on the
// request context so every log line in the handler chain carries it.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		c.Header(HeaderXCorrelationID, correlationID)
		c.Set(string(logging.CorrelationIDKey), correlationID)

		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

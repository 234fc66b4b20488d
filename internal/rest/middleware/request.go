package middleware

import (
	"strings"

	"github.com/flexprice/billing-lifecycle/internal/types"
	"github.com/gin-gonic/gin"
)

func RequestIDMiddleware(c *gin.Context) {
	requestID := c.GetHeader(types.HeaderRequestID)
	if requestID == "" {
		requestID = types.GenerateUUID()
	}

	c.Request = c.Request.WithContext(types.SetRequestID(c.Request.Context(), requestID))

	// Add headers for response
	c.Header(types.HeaderRequestID, requestID)

	c.Next()
}

// ActorMiddleware copies the X-Actor-ID header of admin requests onto the context
func ActorMiddleware(c *gin.Context) {
	if actorID := strings.TrimSpace(c.GetHeader(types.HeaderActorID)); actorID != "" {
		c.Request = c.Request.WithContext(types.SetActorID(c.Request.Context(), actorID))
	}
	c.Next()
}

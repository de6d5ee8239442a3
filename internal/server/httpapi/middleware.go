package httpapi

import (
	"time"

	"github.com/dmitrijs2005/optipress/internal/common"
	"github.com/dmitrijs2005/optipress/internal/logging"
	"github.com/dmitrijs2005/optipress/internal/server/identity"
	"github.com/dmitrijs2005/optipress/internal/server/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	accountKey   = "account"
	viaAPIKeyKey = "via_api_key"
)

// loggingMiddleware attaches a correlation id to the request context and
// logs each completed request.
func loggingMiddleware(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		correlationID := c.GetHeader(common.CorrelationHeaderName)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		c.Header(common.CorrelationHeaderName, correlationID)

		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		logger.Info(ctx, "request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_seconds", time.Since(start).Seconds(),
		)
	}
}

// requireAccount resolves the caller through the credential chain and
// stores the account on the gin context.
func (s *Server) requireAccount() gin.HandlerFunc {
	return func(c *gin.Context) {
		creds := identity.FromHeaders(
			c.GetHeader(common.APIKeyHeaderName),
			c.GetHeader(common.AuthorizationHeaderName),
		)

		acc, err := s.auth.Resolve(c.Request.Context(), creds)
		if err != nil {
			s.abortWithError(c, err)
			return
		}

		c.Set(accountKey, acc)
		c.Set(viaAPIKeyKey, creds.APIKey != "" && acc.Key() == creds.APIKey)
		c.Next()
	}
}

func accountFrom(c *gin.Context) *models.Account {
	return c.MustGet(accountKey).(*models.Account)
}

func viaAPIKey(c *gin.Context) bool {
	return c.GetBool(viaAPIKeyKey)
}

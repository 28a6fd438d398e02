package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const adminIDContextKey = "auth_admin_id"

// WebhookMiddleware rejects inbound events without the shared secret.
func (s *Service) WebhookMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.ValidateWebhook(c.GetHeader(s.webhookHeader)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

// AdminMiddleware accepts either the admin API key as a bearer token, or a
// webhook-authenticated request relaying the id of an administrator.
func (s *Service) AdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := s.extractToken(c); key != "" {
			if err := s.ValidateAdminKey(key); err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				return
			}
			c.Next()
			return
		}

		relayed := c.GetHeader(s.adminUserHeader)
		if relayed == "" || !s.WebhookEnabled() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrMissingCredentials.Error()})
			return
		}
		if err := s.ValidateWebhook(c.GetHeader(s.webhookHeader)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		adminID, err := s.ParseAdminUser(relayed)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrNotAdmin) {
				status = http.StatusForbidden
			}
			c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
			return
		}
		c.Set(adminIDContextKey, adminID)
		c.Next()
	}
}

// AdminIDFromContext returns the relayed administrator id, if the request
// was authorized that way.
func AdminIDFromContext(c *gin.Context) (int64, bool) {
	val, ok := c.Get(adminIDContextKey)
	if !ok {
		return 0, false
	}
	id, ok := val.(int64)
	return id, ok
}

func (s *Service) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}

package middleware

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-performance-api/internal/models"
	"github.com/noah-isme/sma-performance-api/internal/repository"
)

// Audit records a trail entry for mutating endpoints after the handler ran.
// Failed requests are not audited; write failures are swallowed so the audit
// path can never break the request itself.
func Audit(repo *repository.UserRepository, action, resource string) gin.HandlerFunc {
	type requestDetail struct {
		Path      string `json:"path"`
		Method    string `json:"method"`
		Status    int    `json:"status"`
		LatencyMs int64  `json:"latency_ms"`
	}

	return func(c *gin.Context) {
		start := time.Now().UTC()
		c.Next()

		if c.Writer.Status() >= 400 {
			return
		}

		var userID *string
		if value, ok := c.Get(ContextUserKey); ok {
			userID = &value.(*models.JWTClaims).UserID
		}
		var resourceID *string
		if id := c.Param("id"); id != "" {
			resourceID = &id
		}

		detail, _ := json.Marshal(requestDetail{
			Path:      c.FullPath(),
			Method:    c.Request.Method,
			Status:    c.Writer.Status(),
			LatencyMs: time.Since(start).Milliseconds(),
		})

		_ = repo.CreateAuditLog(c.Request.Context(), &models.AuditLog{
			UserID:     userID,
			Action:     action,
			Resource:   resource,
			ResourceID: resourceID,
			NewValues:  detail,
			IPAddress:  c.ClientIP(),
			UserAgent:  c.GetHeader("User-Agent"),
		})
	}
}

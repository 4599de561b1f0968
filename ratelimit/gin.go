package ratelimit

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Blessedbiello/402pay-sub000/auth"
	"github.com/Blessedbiello/402pay-sub000/metrics"
)

// CallerKey identifies the caller for bucketing: the authenticated subject
// when there is one, otherwise the client IP.
func CallerKey(c *gin.Context) string {
	if id, ok := auth.FromContext(c); ok {
		return "sub:" + id.Subject
	}
	return "ip:" + c.ClientIP()
}

// Middleware rejects requests over the tier's limit with 429 and Retry-After.
func Middleware(l *Limiter, tier Tier) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.Allow(tier, CallerKey(c))
		if !ok {
			metrics.RateLimitedTotal.WithLabelValues(string(tier)).Inc()
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate_limited",
				"retryAfter": secs,
			})
			return
		}
		c.Next()
	}
}

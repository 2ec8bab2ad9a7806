package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/voxspace/core/internal/pkg/jwt"
	"github.com/voxspace/core/internal/pkg/response"
)

const (
	rateLimitMax    = 50
	rateLimitWindow = time.Second
)

// RateLimit returns a middleware enforcing a per-IP request ceiling on the
// HTTP surface. Authenticated callers are exempt; the signaling path has its
// own per-user limiter.
func RateLimit(rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		// The limiter can run ahead of Auth in the chain, so the exemption
		// validates the token itself instead of reading the context.
		if token := extractToken(c); token != "" {
			if _, err := jwt.Parse(token); err == nil {
				c.Next()
				return
			}
		}

		ip := c.ClientIP()
		if ip == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		windowKey := time.Now().Unix()
		key := fmt.Sprintf("vx:http_rate_limit:%s:%d", ip, windowKey)

		count, err := rdb.Incr(ctx, key).Result()
		if err != nil {
			// Degrade to allow: the limiter is advisory.
			c.Next()
			return
		}

		if count == 1 {
			rdb.PExpire(ctx, key, rateLimitWindow+time.Second)
		}

		if count > rateLimitMax {
			response.TooManyRequests(c, "1")
			return
		}

		c.Next()
	}
}

package middleware

import (
	"net/http"
	"strings"
	"sync"

	"adpilot/internal/config"
	appmetrics "adpilot/internal/metrics"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func newLimiter(rpm, burst int) *rate.Limiter {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	return rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
}

// RateLimitMiddleware limits requests per key. The key is the configured
// header (the tenant id by default) and falls back to the client IP.
// It is controlled by cfg.Security.RateLimiting. If disabled, it no-ops.
func RateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled || rl.RequestsPerMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}

	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)
	get := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		if l, ok := limiters[key]; ok {
			return l
		}
		l := newLimiter(rl.RequestsPerMinute, rl.Burst)
		limiters[key] = l
		return l
	}

	return func(c *gin.Context) {
		key := extractKey(c, rl.KeyHeader)
		if rl.KeyHeader != "" && inStrings(key, rl.WhitelistKeys) {
			c.Next()
			return
		}
		if !get(key).Allow() {
			appmetrics.IncRateLimitDrop("global")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

func extractKey(c *gin.Context, header string) string {
	if header != "" {
		if v := c.GetHeader(header); v != "" {
			// X-Forwarded-For 取第一个 IP
			if strings.EqualFold(header, "X-Forwarded-For") {
				return strings.TrimSpace(strings.Split(v, ",")[0])
			}
			return v
		}
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = "unknown"
	}
	return ip
}

func inStrings(needle string, hay []string) bool {
	for _, s := range hay {
		if needle == s {
			return true
		}
	}
	return false
}

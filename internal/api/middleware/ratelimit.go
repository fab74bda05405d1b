package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	limiterCleanupInterval = 10 * time.Minute
	limiterIdleTimeout     = 30 * time.Minute
)

// clientLimiter stores the rate limiter for a specific client.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiterMiddleware keeps one token bucket per client IP.
type RateLimiterMiddleware struct {
	clients map[string]*clientLimiter
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	now     func() time.Time
}

// NewRateLimiterMiddleware creates a new RateLimiterMiddleware. A non-positive rps
// disables limiting.
func NewRateLimiterMiddleware(rps float64, burst int) *RateLimiterMiddleware {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiterMiddleware{
		clients: make(map[string]*clientLimiter),
		rps:     rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
	}
}

// Enabled reports whether requests are limited at all.
func (rm *RateLimiterMiddleware) Enabled() bool {
	return rm.rps > 0
}

func (rm *RateLimiterMiddleware) getClientLimiter(identifier string) *rate.Limiter {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	client, exists := rm.clients[identifier]
	if !exists {
		client = &clientLimiter{limiter: rate.NewLimiter(rm.rps, rm.burst)}
		rm.clients[identifier] = client
	}
	client.lastSeen = rm.now()
	return client.limiter
}

// Cleanup drops clients not seen for idle and returns how many were removed.
func (rm *RateLimiterMiddleware) Cleanup(idle time.Duration) int {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	removed := 0
	for id, client := range rm.clients {
		if rm.now().Sub(client.lastSeen) > idle {
			delete(rm.clients, id)
			removed++
		}
	}
	return removed
}

// Run removes idle clients periodically until done is closed.
func (rm *RateLimiterMiddleware) Run(done <-chan struct{}) {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if count := rm.Cleanup(limiterIdleTimeout); count > 0 {
				logrus.WithField("removed", count).Debug("Rate limiter cleanup removed idle clients")
			}
		}
	}
}

// Limit creates the Gin middleware handler.
func (rm *RateLimiterMiddleware) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rm.Enabled() {
			c.Next()
			return
		}

		clientKey := c.ClientIP()
		if !rm.getClientLimiter(clientKey).Allow() {
			logrus.WithFields(logrus.Fields{
				"client_ip":  clientKey,
				"path":       c.FullPath(),
				"request_id": c.GetString(ContextKeyRequestID),
			}).Warn("Rate limit exceeded")
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded", "code": "RateLimited"})
			return
		}

		c.Next()
	}
}

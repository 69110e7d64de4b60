package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/coconut3301/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const visitorIdleTTL = 10 * time.Minute

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || containsWildcard(allowedOrigins) {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter throttles write requests per authenticated principal. A non-positive
// budget disables it.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[users.UserID]*visitor
	limit    rate.Limit
	burst    int
	clock    func() time.Time
}

func newRateLimiter(perMinute int, clock func() time.Time) *rateLimiter {
	if clock == nil {
		clock = time.Now
	}
	limiter := &rateLimiter{
		visitors: make(map[users.UserID]*visitor),
		clock:    clock,
	}
	if perMinute > 0 {
		limiter.limit = rate.Limit(float64(perMinute) / 60.0)
		limiter.burst = perMinute
	}
	return limiter
}

func (l *rateLimiter) allow(userID users.UserID) bool {
	if l.burst <= 0 {
		return true
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	for id, v := range l.visitors {
		if now.Sub(v.lastSeen) > visitorIdleTTL {
			delete(l.visitors, id)
		}
	}

	v, exists := l.visitors[userID]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[userID] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (l *rateLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}
		userID, ok := principal(c)
		if !ok {
			c.Next()
			return
		}
		if !l.allow(userID) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		c.Next()
	}
}

package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"rental-service/internal/apperr"
	"rental-service/internal/models"
	"rental-service/internal/util"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	callerHeader = "X-User-ID"
	callerKey    = "caller_id"
)

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
		util.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}

// requireCaller reads the authenticated user id set by the gateway. The
// system actor is reserved for internal flows and cannot be claimed.
func requireCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(callerHeader)
		if id == "" {
			respondError(c, apperr.Validation("missing %s header", callerHeader))
			return
		}
		if id == models.SystemActor {
			respondError(c, apperr.New(apperr.ErrForbidden, "reserved caller id"))
			return
		}
		c.Set(callerKey, id)
		c.Next()
	}
}

func callerID(c *gin.Context) string {
	return c.GetString(callerKey)
}

// ipLimiter keeps one token bucket per client IP.
type ipLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*visitor
	idle     time.Duration
	lastGC   time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(perSecond float64, burst int) *ipLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &ipLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*visitor),
		idle:     10 * time.Minute,
		lastGC:   time.Now(),
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastGC) > l.idle {
		for key, v := range l.limiters {
			if now.Sub(v.lastSeen) > l.idle {
				delete(l.limiters, key)
			}
		}
		l.lastGC = now
	}

	v, ok := l.limiters[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// rateLimit rejects requests beyond the per-IP budget. A non-positive rate
// disables the limiter.
func rateLimit(perSecond float64, burst int) gin.HandlerFunc {
	if perSecond <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiter := newIPLimiter(perSecond, burst)
	return func(c *gin.Context) {
		if !limiter.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody{
				Success: false,
				Message: "too many requests",
				Code:    "RATE_LIMITED",
			})
			return
		}
		c.Next()
	}
}

package httpapi

import (
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter restricts request frequency per client IP.
type RateLimiter struct {
	mu   sync.Mutex
	last map[string]time.Time
	rate time.Duration
	now  func() time.Time
}

// NewRateLimiter creates limiter with given rate. A zero rate disables limiting.
func NewRateLimiter(rate time.Duration) *RateLimiter {
	return &RateLimiter{last: make(map[string]time.Time), rate: rate, now: time.Now}
}

// Allow returns false if key hits the limit.
func (r *RateLimiter) Allow(key string) bool {
	if r.rate <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if t, ok := r.last[key]; ok && now.Sub(t) < r.rate {
		return false
	}
	r.last[key] = now
	if len(r.last) > 1024 {
		r.sweep(now)
	}
	return true
}

// sweep drops keys whose window has passed. Caller holds mu.
func (r *RateLimiter) sweep(now time.Time) {
	for k, t := range r.last {
		if now.Sub(t) >= r.rate {
			delete(r.last, k)
		}
	}
}

// Middleware rejects requests over the limit with 429.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !r.Allow(c.ClientIP()) {
			c.Header("Retry-After", retryAfter(r.rate))
			abort(c, http.StatusTooManyRequests, "too many requests")
			return
		}
		c.Next()
	}
}

func retryAfter(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// ACL admits clients whose IP falls inside one of the allowed prefixes.
// An empty ACL admits everyone.
type ACL struct{ allowed []netip.Prefix }

// ParseACL parses a comma-separated list of CIDRs or bare addresses.
func ParseACL(list string) (*ACL, error) {
	a := &ACL{}
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "/") {
			addr, err := netip.ParseAddr(part)
			if err != nil {
				return nil, err
			}
			a.allowed = append(a.allowed, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(part)
		if err != nil {
			return nil, err
		}
		a.allowed = append(a.allowed, p.Masked())
	}
	return a, nil
}

// IsAllowed reports whether ip may use the API.
func (a *ACL) IsAllowed(ip string) bool {
	if a == nil || len(a.allowed) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range a.allowed {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Middleware rejects clients outside the ACL with 403.
func (a *ACL) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.IsAllowed(c.ClientIP()) {
			abort(c, http.StatusForbidden, "forbidden")
			return
		}
		c.Next()
	}
}

// requestLogger logs every request at debug and failures at warn.
func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration", time.Since(start),
			"client", c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
		}
		if status >= http.StatusInternalServerError {
			log.Warn("request failed", attrs...)
			return
		}
		log.Debug("request", attrs...)
	}
}

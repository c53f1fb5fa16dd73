package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	// RateLimitLimit is the header for the per-minute limit.
	RateLimitLimit = "X-RateLimit-Limit"
	// RetryAfter is the header for retry time in seconds.
	RetryAfter = "Retry-After"

	limiterIdleTTL = 10 * time.Minute
	sweepInterval  = time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// UserRateLimiter caps how fast each user may submit tasks. Limiters are
// kept per user in memory and dropped after a period of inactivity.
type UserRateLimiter struct {
	perMinute int
	burst     int
	now       func() time.Time

	mu        sync.Mutex
	limiters  map[uuid.UUID]*limiterEntry
	lastSweep time.Time
}

// NewUserRateLimiter allows perMinute requests per user with the given
// burst. A non-positive perMinute returns nil, which disables limiting.
func NewUserRateLimiter(perMinute, burst int) *UserRateLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &UserRateLimiter{
		perMinute: perMinute,
		burst:     burst,
		now:       time.Now,
		limiters:  make(map[uuid.UUID]*limiterEntry),
	}
}

// Reserve takes a token for userID. It returns zero when the request may
// proceed, or how long the caller should wait.
func (l *UserRateLimiter) Reserve(userID uuid.UUID) time.Duration {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > sweepInterval {
		for id, e := range l.limiters {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(l.limiters, id)
			}
		}
		l.lastSweep = now
	}

	e, ok := l.limiters[userID]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.burst)}
		l.limiters[userID] = e
	}
	e.lastSeen = now

	r := e.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return delay
	}
	return 0
}

// Tracked returns the number of users with a live limiter.
func (l *UserRateLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// RateLimitByUser answers 429 when the authenticated user exceeds l. A nil
// limiter disables the middleware.
func RateLimitByUser(l *UserRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil {
			c.Next()
			return
		}

		c.Header(RateLimitLimit, strconv.Itoa(l.perMinute))
		if wait := l.Reserve(GetUserID(c)); wait > 0 {
			c.Header(RetryAfter, strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			abort(c, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "too many submissions, retry later")
			return
		}
		c.Next()
	}
}

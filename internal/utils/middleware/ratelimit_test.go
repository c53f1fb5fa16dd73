package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestUserRateLimiter_Disabled(t *testing.T) {
	assert.Nil(t, NewUserRateLimiter(0, 5))
}

func TestUserRateLimiter_PerUserBuckets(t *testing.T) {
	l := NewUserRateLimiter(60, 2)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	alice, bob := uuid.New(), uuid.New()

	assert.Zero(t, l.Reserve(alice))
	assert.Zero(t, l.Reserve(alice))
	wait := l.Reserve(alice)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Second)

	// Another user has their own bucket.
	assert.Zero(t, l.Reserve(bob))

	// A rejected request does not consume the token it would have waited for.
	now = now.Add(time.Second)
	assert.Zero(t, l.Reserve(alice))
}

func TestUserRateLimiter_SweepsIdleUsers(t *testing.T) {
	l := NewUserRateLimiter(10, 1)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	l.Reserve(uuid.New())
	l.Reserve(uuid.New())
	assert.Equal(t, 2, l.Tracked())

	now = now.Add(limiterIdleTTL + sweepInterval + time.Second)
	l.Reserve(uuid.New())
	assert.Equal(t, 1, l.Tracked())
}

func TestRateLimitByUser(t *testing.T) {
	userID := uuid.New()
	router := gin.New()
	router.Use(func(c *gin.Context) { c.Set(UserIDKey, userID); c.Next() })
	router.POST("/submit", RateLimitByUser(NewUserRateLimiter(1, 1)), func(c *gin.Context) {
		c.Status(http.StatusAccepted)
	})

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/submit", nil))
	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/submit", nil))

	assert.Equal(t, http.StatusAccepted, first.Code)
	assert.Equal(t, "1", first.Header().Get(RateLimitLimit))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Contains(t, second.Body.String(), "RATE_LIMIT_EXCEEDED")
	assert.NotEmpty(t, second.Header().Get(RetryAfter))
}

func TestRateLimitByUser_NilPassesThrough(t *testing.T) {
	router := gin.New()
	router.POST("/submit", RateLimitByUser(nil), func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/submit", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyKeyHeader is the header for the client supplied idempotency key.
	IdempotencyKeyHeader = "Idempotency-Key"
	// IdempotencyReplayedHeader marks a response served from cache.
	IdempotencyReplayedHeader = "Idempotency-Replayed"

	idempotencyKeyPrefix  = "taskorch:idempotency:"
	defaultIdempotencyTTL = 24 * time.Hour
	idempotencyLockTTL    = 2 * time.Minute
)

// storedResponse is what a key resolves to once the first request finished.
type storedResponse struct {
	RequestHash string `json:"request_hash"`
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

type idempotencyStore struct {
	rdb goredis.UniversalClient
	ttl time.Duration
}

func (s *idempotencyStore) load(ctx context.Context, key string) (*storedResponse, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}
	var resp storedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *idempotencyStore) save(ctx context.Context, key string, resp *storedResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, data, s.ttl).Err()
}

// lock returns false when another request holds key.
func (s *idempotencyStore) lock(ctx context.Context, key string) (bool, error) {
	return s.rdb.SetNX(ctx, key+":lock", "1", idempotencyLockTTL).Result()
}

func (s *idempotencyStore) unlock(ctx context.Context, key string) {
	s.rdb.Del(ctx, key+":lock")
}

// capturingWriter tees the response body so it can be stored.
type capturingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// Idempotency replays the stored response for a repeated Idempotency-Key so a
// retried submission is not debited twice. Keys are scoped per user and
// route, and bound to the request body: reusing a key with a different body
// is rejected with 422. A nil client disables the middleware.
func Idempotency(rdb goredis.UniversalClient, ttl time.Duration, logger *zap.Logger) gin.HandlerFunc {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	store := &idempotencyStore{rdb: rdb, ttl: ttl}

	return func(c *gin.Context) {
		key := c.GetHeader(IdempotencyKeyHeader)
		if rdb == nil || key == "" {
			c.Next()
			return
		}

		body, err := readBody(c)
		if err != nil {
			abort(c, http.StatusBadRequest, "VALIDATION_ERROR", "unreadable request body")
			return
		}
		sum := sha256.Sum256(body)
		requestHash := hex.EncodeToString(sum[:])

		ctx := c.Request.Context()
		cacheKey := idempotencyCacheKey(c, key)

		stored, err := store.load(ctx, cacheKey)
		switch {
		case err == nil:
			if stored.RequestHash != "" && stored.RequestHash != requestHash {
				abort(c, http.StatusUnprocessableEntity, "IDEMPOTENCY_KEY_REUSED", "idempotency key was used with a different request body")
				return
			}
			c.Header(IdempotencyReplayedHeader, "true")
			c.Data(stored.StatusCode, stored.ContentType, stored.Body)
			c.Abort()
			return
		case !errors.Is(err, goredis.Nil):
			logger.Warn("idempotency lookup failed", zap.String("request_id", GetRequestID(c)), zap.Error(err))
			c.Next()
			return
		}

		locked, err := store.lock(ctx, cacheKey)
		if err != nil {
			logger.Warn("idempotency lock unavailable", zap.String("request_id", GetRequestID(c)), zap.Error(err))
			c.Next()
			return
		}
		if !locked {
			abort(c, http.StatusConflict, "REQUEST_IN_PROGRESS", "a request with this idempotency key is already being processed")
			return
		}
		detached := context.WithoutCancel(ctx)
		defer store.unlock(detached, cacheKey)

		writer := &capturingWriter{ResponseWriter: c.Writer}
		c.Writer = writer

		c.Next()

		// 5xx responses are not stored so the client can retry with the same key.
		status := writer.Status()
		if status < 200 || status >= 500 {
			return
		}
		err = store.save(detached, cacheKey, &storedResponse{
			RequestHash: requestHash,
			StatusCode:  status,
			ContentType: writer.Header().Get("Content-Type"),
			Body:        writer.body.Bytes(),
		})
		if err != nil {
			logger.Warn("store idempotent response", zap.String("request_id", GetRequestID(c)), zap.Error(err))
		}
	}
}

// readBody consumes the request body and puts an identical reader back.
func readBody(c *gin.Context) ([]byte, error) {
	if c.Request.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(c.Request.Body)
	_ = c.Request.Body.Close()
	if err != nil {
		return nil, err
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func idempotencyCacheKey(c *gin.Context, key string) string {
	hash := sha256.Sum256([]byte(GetUserID(c).String() + ":" + c.Request.Method + ":" + c.FullPath() + ":" + key))
	return idempotencyKeyPrefix + hex.EncodeToString(hash[:])
}

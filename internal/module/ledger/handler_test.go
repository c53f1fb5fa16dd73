package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"regexp"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniedit/taskorch/internal/utils/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(svc *Service, userID uuid.UUID) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if userID != uuid.Nil {
			c.Set(middleware.UserIDKey, userID)
		}
		c.Next()
	})
	h := NewHandler(svc)
	api := r.Group("/api/v1")
	h.RegisterRoutes(api)
	h.RegisterAdminRoutes(api.Group("/admin"))
	return r
}

func TestHandler_GetBalance(t *testing.T) {
	svc, _ := newTestService(25)
	userID := uuid.New()
	r := setupRouter(svc, userID)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/ledger/balance", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var balance Balance
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &balance))
	assert.Equal(t, int64(25), balance.Available)
}

func TestHandler_Unauthenticated(t *testing.T) {
	svc, _ := newTestService(25)
	r := setupRouter(svc, uuid.Nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/ledger/transactions", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_Refund(t *testing.T) {
	svc, _ := newTestService(10)
	userID, taskID := uuid.New(), uuid.New()
	_, err := svc.Debit(context.Background(), userID, 4, "image", taskID)
	require.NoError(t, err)
	r := setupRouter(svc, uuid.New())

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/refund", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	t.Run("Refunds once", func(t *testing.T) {
		body := `{"taskId":"` + taskID.String() + `","amount":4,"reason":"manual"}`

		w := post(body)
		require.Equal(t, http.StatusOK, w.Code)
		var first RefundResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
		assert.Equal(t, int64(4), first.Credited)

		w = post(body)
		require.Equal(t, http.StatusOK, w.Code)
		var second RefundResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
		assert.True(t, second.Duplicate)
		assert.Equal(t, int64(10), second.AvailableAfter)
	})

	t.Run("Rejects missing task id", func(t *testing.T) {
		w := post(`{"amount":1,"reason":"manual"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Unknown task", func(t *testing.T) {
		w := post(`{"taskId":"` + uuid.NewString() + `","reason":"manual"}`)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

var routerAnnotation = regexp.MustCompile(`@Router\s+(\S+)\s+\[(\w+)\]`)

func TestHandler_RoutesMatchAnnotations(t *testing.T) {
	src, err := os.ReadFile("handler.go")
	require.NoError(t, err)

	var documented []string
	for _, m := range routerAnnotation.FindAllStringSubmatch(string(src), -1) {
		path := strings.ReplaceAll(m[1], "{user_id}", ":user_id")
		documented = append(documented, strings.ToUpper(m[2])+" /api/v1"+path)
	}

	var registered []string
	for _, route := range setupRouter(nil, uuid.Nil).Routes() {
		registered = append(registered, route.Method+" "+route.Path)
	}
	assert.ElementsMatch(t, registered, documented)
}

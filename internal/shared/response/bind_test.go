package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/uniedit/taskorch/internal/shared/errors"
)

type bindRequest struct {
	Kind string `json:"kind" binding:"required,oneof=image crawl"`
	URL  string `json:"url" binding:"omitempty,httpurl"`
}

func bind(t *testing.T, body string) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")

	var req bindRequest
	return w, BindJSON(c, &req)
}

func TestBindJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		ok      bool
		message string
	}{
		{"valid", `{"kind":"crawl","url":"https://example.com"}`, true, ""},
		{"missing kind", `{}`, false, "kind is required"},
		{"bad kind", `{"kind":"video"}`, false, "kind must be one of: image crawl"},
		{"ftp url", `{"kind":"crawl","url":"ftp://example.com/x"}`, false, "url must be an http or https URL"},
		{"malformed", `{`, false, "invalid request body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, ok := bind(t, tt.body)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				return
			}
			assert.Equal(t, http.StatusBadRequest, w.Code)
			var body apperrors.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, "VALIDATION_ERROR", body.Error.Code)
			assert.Equal(t, tt.message, body.Error.Message)
		})
	}
}

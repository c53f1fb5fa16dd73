package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AdminAuthorizer decides whether a user holds the administrator role.
type AdminAuthorizer struct {
	adminUserIDs map[uuid.UUID]struct{}
}

// NewAdminAuthorizer builds an authorizer from configured user IDs. Entries
// that are not UUIDs are ignored.
func NewAdminAuthorizer(adminUserIDs []string) *AdminAuthorizer {
	set := make(map[uuid.UUID]struct{}, len(adminUserIDs))
	for _, s := range adminUserIDs {
		if id, err := uuid.Parse(strings.TrimSpace(s)); err == nil {
			set[id] = struct{}{}
		}
	}
	return &AdminAuthorizer{adminUserIDs: set}
}

// IsAdmin reports whether userID is an administrator.
func (a *AdminAuthorizer) IsAdmin(userID uuid.UUID) bool {
	if userID == uuid.Nil {
		return false
	}
	_, ok := a.adminUserIDs[userID]
	return ok
}

// RequireAdmin aborts with 403 unless the authenticated user is an administrator.
func RequireAdmin(a *AdminAuthorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.IsAdmin(GetUserID(c)) {
			abort(c, http.StatusForbidden, "FORBIDDEN", "administrator role required")
			return
		}
		c.Next()
	}
}

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/studioos/errors"
)

func TestAuthorizeMatrix(t *testing.T) {
	tests := []struct {
		role    Role
		allowed []Action
		denied  []Action
	}{
		{
			role:    RoleViewer,
			allowed: []Action{ActionView},
			denied:  []Action{ActionSubmitJob, ActionCancelJob, ActionCreateDelivery, ActionRetryDelivery, ActionUploadBlob},
		},
		{
			role:    RoleBasic,
			allowed: []Action{ActionView, ActionSubmitJob, ActionCancelJob, ActionUploadBlob},
			denied:  []Action{ActionRetryJob, ActionRerunJob, ActionCreateDelivery, ActionCancelDelivery},
		},
		{
			role:    RoleStandard,
			allowed: []Action{ActionRetryJob, ActionRerunJob, ActionCreateDelivery, ActionCancelDelivery},
			denied:  []Action{ActionBatchDeliver, ActionRetryDelivery},
		},
		{
			role:    RoleAdvanced,
			allowed: []Action{ActionSubmitJob, ActionBatchDeliver, ActionRetryDelivery, ActionCancelDelivery},
		},
		{
			role:    RoleApprover,
			allowed: []Action{ActionView, ActionCreateDelivery, ActionBatchDeliver, ActionRetryDelivery},
			denied:  []Action{ActionSubmitJob, ActionCancelJob, ActionRetryJob, ActionUploadBlob},
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			for _, a := range tt.allowed {
				assert.NoError(t, Authorize(tt.role, a), "%s should %s", tt.role, a)
			}
			for _, a := range tt.denied {
				err := Authorize(tt.role, a)
				assert.True(t, errors.Is(err, errors.ErrForbidden), "%s should not %s", tt.role, a)
			}
		})
	}
}

func TestAuthorizeWithoutRole(t *testing.T) {
	err := Authorize("", ActionView)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrForbidden))
	assert.NotEmpty(t, errors.GetAllHints(err))
}

func TestAuthorizeNamesAllowedRoles(t *testing.T) {
	err := Authorize(RoleBasic, ActionRetryDelivery)
	require.Error(t, err)
	assert.Contains(t, errors.FlattenDetails(err), "ADVANCED, APPROVER")
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole(" approver ")
	require.NoError(t, err)
	assert.Equal(t, RoleApprover, role)

	_, err = ParseRole("ADMIN")
	assert.True(t, errors.IsInvalidRequestError(err))

	assert.True(t, RoleStandard.Valid())
	assert.False(t, Role("ROOT").Valid())
	assert.Equal(t, []Action{ActionView}, Actions(RoleViewer))
}

func TestMiddlewareAttachesRole(t *testing.T) {
	m := NewMiddleware(nil)
	var seen Role
	handler := m.WithRole(func(w http.ResponseWriter, r *http.Request) {
		seen = RoleFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set(RoleHeader, "standard")
	rec := httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, RoleStandard, seen)

	seen = "unset"
	req = httptest.NewRequest(http.MethodGet, "/ws?role=VIEWER", nil)
	rec = httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, RoleViewer, seen, "query parameter is the fallback")

	seen = "unset"
	req = httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	rec = httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, Role(""), seen, "no role passes through empty")
	assert.True(t, errors.Is(AuthorizeContext(req.Context(), ActionView), errors.ErrForbidden))
}

func TestMiddlewareRejectsUnknownRole(t *testing.T) {
	m := NewMiddleware(nil)
	called := false
	handler := m.WithRole(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", nil)
	req.Header.Set(RoleHeader, "OWNER")
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, called)
}

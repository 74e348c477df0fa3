package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spotswitch/spotswitch/pkg/storage/storagemock"
	"github.com/spotswitch/spotswitch/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestAuthMiddleware(t *testing.T) {
	// Helper handler to check context
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := r.Context().Value(userContextKey).(types.User)
		if ok {
			w.Header().Set("X-User-ID", user.ID)
			if user.Admin {
				w.Header().Set("X-Admin", "true")
			}
		}
		w.WriteHeader(http.StatusOK)
	})

	t.Run("no cookie rejected", func(t *testing.T) {
		srv := testServer(&storagemock.MockDatabase{}, &mockTrigger{}, testNow)
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/controls", nil)
		srv.authMiddleware(testHandler).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("login path allowed without cookie", func(t *testing.T) {
		srv := testServer(&storagemock.MockDatabase{}, &mockTrigger{}, testNow)
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		srv.authMiddleware(testHandler).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Empty(t, rr.Header().Get("X-User-ID"))
	})

	t.Run("bypass auth grants admin", func(t *testing.T) {
		srv := testServer(&storagemock.MockDatabase{}, &mockTrigger{}, testNow)
		srv.bypassAuth = true
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/controls", nil)
		srv.authMiddleware(testHandler).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "local", rr.Header().Get("X-User-ID"))
		assert.Equal(t, "true", rr.Header().Get("X-Admin"))
	})
}

func TestAuthStatusLoggedOut(t *testing.T) {
	srv := testServer(&storagemock.MockDatabase{}, &mockTrigger{}, testNow)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/auth/status", nil)
	srv.handleAuthStatus(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"loggedIn":false,"email":"","authRequired":false,"clientIDs":null}`, rr.Body.String())
}

func TestIsAdmin(t *testing.T) {
	srv := testServer(&storagemock.MockDatabase{}, &mockTrigger{}, testNow)
	srv.adminEmails = []string{"admin@example.com"}

	assert.True(t, srv.isAdmin(types.User{Email: "admin@example.com"}))
	assert.True(t, srv.isAdmin(types.User{Admin: true}))
	assert.False(t, srv.isAdmin(types.User{Email: "user@example.com"}))
}

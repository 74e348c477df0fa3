package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/spotswitch/spotswitch/pkg/storage/storagemock"
	"github.com/spotswitch/spotswitch/pkg/types"
	"github.com/stretchr/testify/mock"
)

type mockTrigger struct {
	mock.Mock
}

func (m *mockTrigger) RunToday(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockTrigger) RunAllTomorrow(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockTrigger) Recalculate(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func testServer(db *storagemock.MockDatabase, trigger *mockTrigger, now time.Time) *Server {
	return &Server{
		storage:   db,
		scheduler: trigger,
		now:       func() time.Time { return now },
	}
}

// reqWithUser builds a request carrying an authenticated user, bypassing the
// middleware for direct handler tests.
func reqWithUser(method, target string, body io.Reader, user types.User) *http.Request {
	req := httptest.NewRequest(method, target, body)
	ctx := context.WithValue(req.Context(), userContextKey, user)
	return req.WithContext(ctx)
}

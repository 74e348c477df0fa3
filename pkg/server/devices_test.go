package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spotswitch/spotswitch/pkg/storage"
	"github.com/spotswitch/spotswitch/pkg/storage/storagemock"
	"github.com/spotswitch/spotswitch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestPutDeviceBinding(t *testing.T) {
	policy := types.ControlPolicy{
		ID:       "c1",
		OwnerID:  "owner",
		Name:     "Heat Pump",
		Timezone: "UTC",
		Mode:     types.Manual{On: true},
	}

	t.Run("owner binds a channel", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetControlPolicy", mock.Anything, "c1").Return(policy, nil)
		db.On("PutDeviceBinding", mock.Anything, types.DeviceBinding{
			DeviceID:  "shelly-abc",
			Channel:   2,
			ControlID: "c1",
		}).Return(nil)

		srv := testServer(db, &mockTrigger{}, testNow)
		body := bytes.NewBufferString(`{"controlID":"c1"}`)
		req := reqWithUser(http.MethodPut, "/api/devices/shelly-abc/bindings/2", body, types.User{ID: "owner"})
		req.SetPathValue("deviceID", "shelly-abc")
		req.SetPathValue("channel", "2")
		rr := httptest.NewRecorder()
		srv.handlePutDeviceBinding(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		db.AssertExpectations(t)
	})

	t.Run("cannot bind someone else's control", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetControlPolicy", mock.Anything, "c1").Return(policy, nil)

		srv := testServer(db, &mockTrigger{}, testNow)
		body := bytes.NewBufferString(`{"controlID":"c1"}`)
		req := reqWithUser(http.MethodPut, "/api/devices/shelly-abc/bindings/2", body, types.User{ID: "stranger"})
		req.SetPathValue("deviceID", "shelly-abc")
		req.SetPathValue("channel", "2")
		rr := httptest.NewRecorder()
		srv.handlePutDeviceBinding(rr, req)

		assert.Equal(t, http.StatusForbidden, rr.Code)
		db.AssertNotCalled(t, "PutDeviceBinding", mock.Anything, mock.Anything)
	})

	t.Run("unknown control", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetControlPolicy", mock.Anything, "missing").Return(types.ControlPolicy{}, storage.ErrPolicyNotFound)

		srv := testServer(db, &mockTrigger{}, testNow)
		body := bytes.NewBufferString(`{"controlID":"missing"}`)
		req := reqWithUser(http.MethodPut, "/api/devices/shelly-abc/bindings/0", body, types.User{ID: "owner"})
		req.SetPathValue("deviceID", "shelly-abc")
		req.SetPathValue("channel", "0")
		rr := httptest.NewRecorder()
		srv.handlePutDeviceBinding(rr, req)

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("invalid channel", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		srv := testServer(db, &mockTrigger{}, testNow)
		body := bytes.NewBufferString(`{"controlID":"c1"}`)
		req := reqWithUser(http.MethodPut, "/api/devices/shelly-abc/bindings/banana", body, types.User{ID: "owner"})
		req.SetPathValue("deviceID", "shelly-abc")
		req.SetPathValue("channel", "banana")
		rr := httptest.NewRecorder()
		srv.handlePutDeviceBinding(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestDeleteDeviceBinding(t *testing.T) {
	db := &storagemock.MockDatabase{}
	db.On("DeleteDeviceBinding", mock.Anything, "shelly-abc", 1).Return(nil)

	srv := testServer(db, &mockTrigger{}, testNow)
	req := reqWithUser(http.MethodDelete, "/api/devices/shelly-abc/bindings/1", nil, types.User{ID: "owner"})
	req.SetPathValue("deviceID", "shelly-abc")
	req.SetPathValue("channel", "1")
	rr := httptest.NewRecorder()
	srv.handleDeleteDeviceBinding(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	db.AssertExpectations(t)
}

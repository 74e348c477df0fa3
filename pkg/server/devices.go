package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/spotswitch/spotswitch/pkg/log"
	"github.com/spotswitch/spotswitch/pkg/storage"
	"github.com/spotswitch/spotswitch/pkg/types"
)

func (s *Server) handleGetDeviceBindings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)
	if user.ID == "" {
		writeJSONError(w, "missing authentication", http.StatusUnauthorized)
		return
	}

	bindings, err := s.storage.GetDeviceBindings(ctx, r.PathValue("deviceID"))
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get device bindings", slog.Any("error", err))
		writeJSONError(w, "failed to get device bindings", http.StatusInternalServerError)
		return
	}
	if bindings == nil {
		bindings = []types.DeviceBinding{}
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, bindings)
}

func (s *Server) parseChannel(w http.ResponseWriter, r *http.Request) (int, bool) {
	channel, err := strconv.Atoi(r.PathValue("channel"))
	if err != nil || channel < 0 {
		writeJSONError(w, "invalid channel", http.StatusBadRequest)
		return 0, false
	}
	return channel, true
}

// handlePutDeviceBinding points a device channel at a control. The caller must
// own the target control; the device identifier itself is unclaimed territory,
// whoever binds a channel first wins it.
func (s *Server) handlePutDeviceBinding(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)
	if user.ID == "" {
		writeJSONError(w, "missing authentication", http.StatusUnauthorized)
		return
	}

	channel, ok := s.parseChannel(w, r)
	if !ok {
		return
	}

	var req struct {
		ControlID string `json:"controlID"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ControlID == "" {
		writeJSONError(w, "controlID is required", http.StatusBadRequest)
		return
	}

	policy, err := s.storage.GetControlPolicy(ctx, req.ControlID)
	if err != nil {
		if errors.Is(err, storage.ErrPolicyNotFound) {
			writeJSONError(w, "control not found", http.StatusNotFound)
		} else {
			log.Ctx(ctx).ErrorContext(ctx, "failed to get control", slog.Any("error", err))
			writeJSONError(w, "failed to get control", http.StatusInternalServerError)
		}
		return
	}
	if policy.OwnerID != user.ID && !s.isAdmin(user) {
		writeJSONError(w, "control access denied", http.StatusForbidden)
		return
	}

	binding := types.DeviceBinding{
		DeviceID:  r.PathValue("deviceID"),
		Channel:   channel,
		ControlID: policy.ID,
	}
	if err := s.storage.PutDeviceBinding(ctx, binding); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to store device binding", slog.Any("error", err))
		writeJSONError(w, "failed to store device binding", http.StatusInternalServerError)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "device binding stored",
		slog.String("deviceID", binding.DeviceID),
		slog.Int("channel", binding.Channel),
		slog.String("controlID", binding.ControlID))
	writeJSON(w, binding)
}

func (s *Server) handleDeleteDeviceBinding(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)
	if user.ID == "" {
		writeJSONError(w, "missing authentication", http.StatusUnauthorized)
		return
	}

	channel, ok := s.parseChannel(w, r)
	if !ok {
		return
	}

	deviceID := r.PathValue("deviceID")
	if err := s.storage.DeleteDeviceBinding(ctx, deviceID, channel); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to delete device binding", slog.Any("error", err))
		writeJSONError(w, "failed to delete device binding", http.StatusInternalServerError)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "device binding deleted",
		slog.String("deviceID", deviceID), slog.Int("channel", channel))
	w.WriteHeader(http.StatusOK)
}

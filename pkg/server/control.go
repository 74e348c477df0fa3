package server

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/spotswitch/spotswitch/pkg/log"
	"github.com/spotswitch/spotswitch/pkg/types"
)

// handleControlLookup answers the device poll: a JSON object mapping each
// bound channel to 0 or 1. A channel is 1 only when a FINAL entry covering the
// current instant says on. Everything else, including lookup failures and
// devices nobody has bound yet, resolves to off so a misconfigured relay never
// draws power at peak prices. The response is always 200 because relay
// firmware tends to treat errors as "keep last state".
func (s *Server) handleControlLookup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID := r.PathValue("deviceID")
	now := s.now().UTC()

	actions := map[string]int{}
	bindings, err := s.storage.GetDeviceBindings(ctx, deviceID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "device binding lookup failed",
			slog.String("deviceID", deviceID), slog.Any("error", err))
		bindings = nil
	}

	for _, b := range bindings {
		actions[strconv.Itoa(b.Channel)] = 0
		entry, err := s.storage.GetScheduleEntryAt(ctx, b.ControlID, now)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "schedule lookup failed",
				slog.String("deviceID", deviceID),
				slog.String("controlID", b.ControlID),
				slog.Any("error", err))
			continue
		}
		if entry == nil {
			continue
		}
		if entry.Status == types.StatusFinal && entry.On && entry.Covers(now) {
			actions[strconv.Itoa(b.Channel)] = 1
		}
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, actions)
}

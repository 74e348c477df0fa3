package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/spotswitch/spotswitch/pkg/log"
)

// handleGetPrices returns the stored day-ahead slots intersecting the
// requested range, defaulting to the last 24 hours through tomorrow.
func (s *Server) handleGetPrices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)
	if user.ID == "" {
		writeJSONError(w, "missing authentication", http.StatusUnauthorized)
		return
	}

	now := s.now().UTC()
	start := now.Add(-24 * time.Hour)
	end := now.Add(48 * time.Hour)

	var err error
	if startStr := r.URL.Query().Get("start"); startStr != "" {
		start, err = time.Parse(time.RFC3339, startStr)
		if err != nil {
			writeJSONError(w, "invalid start, expected RFC3339", http.StatusBadRequest)
			return
		}
	}
	if endStr := r.URL.Query().Get("end"); endStr != "" {
		end, err = time.Parse(time.RFC3339, endStr)
		if err != nil {
			writeJSONError(w, "invalid end, expected RFC3339", http.StatusBadRequest)
			return
		}
	}
	if !end.After(start) {
		writeJSONError(w, "end must be after start", http.StatusBadRequest)
		return
	}

	slots, err := s.storage.GetPriceSlots(ctx, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get price slots", slog.Any("error", err))
		writeJSONError(w, "failed to get price slots", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, slots)
}

// handleUpdate is the Cloud Scheduler hook: it syncs the feed, runs the FINAL
// pass for today, and the PLANNED pass for tomorrow. Per-policy failures are
// already logged by the scheduler, so the hook only reports overall failure.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	todayErr := s.scheduler.RunToday(ctx)
	tomorrowErr := s.scheduler.RunAllTomorrow(ctx)
	if todayErr != nil || tomorrowErr != nil {
		log.Ctx(ctx).ErrorContext(ctx, "scheduled update finished with errors",
			slog.Any("todayError", todayErr), slog.Any("tomorrowError", tomorrowErr))
		writeJSONError(w, "update finished with errors", http.StatusInternalServerError)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "scheduled update completed")
	w.WriteHeader(http.StatusOK)
}

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spotswitch/spotswitch/pkg/log"
	"github.com/spotswitch/spotswitch/pkg/storage"
	"github.com/spotswitch/spotswitch/pkg/types"
)

// getAuthorizedControl loads the policy and checks that the requesting user
// owns it or is an admin. It writes the error response itself and returns
// false when the caller should stop.
func (s *Server) getAuthorizedControl(w http.ResponseWriter, r *http.Request) (types.ControlPolicy, bool) {
	ctx := r.Context()
	user := s.getUser(r)
	if user.ID == "" {
		writeJSONError(w, "missing authentication", http.StatusUnauthorized)
		return types.ControlPolicy{}, false
	}

	policy, err := s.storage.GetControlPolicy(ctx, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrPolicyNotFound) {
			writeJSONError(w, "control not found", http.StatusNotFound)
		} else {
			log.Ctx(ctx).ErrorContext(ctx, "failed to get control", slog.Any("error", err))
			writeJSONError(w, "failed to get control", http.StatusInternalServerError)
		}
		return types.ControlPolicy{}, false
	}

	if policy.OwnerID != user.ID && !s.isAdmin(user) {
		log.Ctx(ctx).WarnContext(ctx, "user does not have permission for control",
			slog.String("userID", user.ID), slog.String("controlID", policy.ID))
		writeJSONError(w, "control access denied", http.StatusForbidden)
		return types.ControlPolicy{}, false
	}
	return policy, true
}

func (s *Server) handleListControls(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)
	if user.ID == "" {
		writeJSONError(w, "missing authentication", http.StatusUnauthorized)
		return
	}

	var policies []types.ControlPolicy
	var err error
	if s.isAdmin(user) && r.URL.Query().Get("all") == "true" {
		policies, err = s.storage.ListControlPolicies(ctx)
	} else {
		policies, err = s.storage.ListControlPoliciesByOwner(ctx, user.ID)
	}
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list controls", slog.Any("error", err))
		writeJSONError(w, "failed to list controls", http.StatusInternalServerError)
		return
	}
	if policies == nil {
		policies = []types.ControlPolicy{}
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, policies)
}

func (s *Server) handleGetControl(w http.ResponseWriter, r *http.Request) {
	policy, ok := s.getAuthorizedControl(w, r)
	if !ok {
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, policy)
}

func (s *Server) handleCreateControl(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := s.getUser(r)
	if user.ID == "" {
		writeJSONError(w, "missing authentication", http.StatusUnauthorized)
		return
	}

	var policy types.ControlPolicy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode control", slog.Any("error", err))
		writeJSONError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	policy.ID = uuid.NewString()
	policy.OwnerID = user.ID

	if err := policy.Validate(); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.storage.CreateControlPolicy(ctx, policy); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to create control", slog.Any("error", err))
		writeJSONError(w, "failed to create control", http.StatusInternalServerError)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "control created",
		slog.String("controlID", policy.ID), slog.String("mode", policy.Mode.Name()))
	writeJSON(w, policy)
}

func (s *Server) handleUpdateControl(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	existing, ok := s.getAuthorizedControl(w, r)
	if !ok {
		return
	}

	var policy types.ControlPolicy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode control", slog.Any("error", err))
		writeJSONError(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	// identity and ownership are immutable
	policy.ID = existing.ID
	policy.OwnerID = existing.OwnerID

	if err := policy.Validate(); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.storage.UpdateControlPolicy(ctx, policy); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to update control", slog.Any("error", err))
		writeJSONError(w, "failed to update control", http.StatusInternalServerError)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "control updated",
		slog.String("controlID", policy.ID), slog.String("mode", policy.Mode.Name()))
	writeJSON(w, policy)
}

func (s *Server) handleDeleteControl(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	policy, ok := s.getAuthorizedControl(w, r)
	if !ok {
		return
	}

	if err := s.storage.DeleteControlPolicy(ctx, policy.ID); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to delete control", slog.Any("error", err))
		writeJSONError(w, "failed to delete control", http.StatusInternalServerError)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "control deleted", slog.String("controlID", policy.ID))
	w.WriteHeader(http.StatusOK)
}

type scheduleEntryRes struct {
	Start              time.Time    `json:"start"`
	End                time.Time    `json:"end"`
	On                 bool         `json:"on"`
	Status             types.Status `json:"status"`
	CentsPerKWH        float64      `json:"centsPerKWH"`
	DisplayCentsPerKWH float64      `json:"displayCentsPerKWH"`
}

// handleGetControlSchedule returns the materialized entries for one local day
// of the control. Display prices include the policy's tax rate; the stored
// price stays the raw market value the decision was made on.
func (s *Server) handleGetControlSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	policy, ok := s.getAuthorizedControl(w, r)
	if !ok {
		return
	}

	loc, err := policy.Location()
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "invalid control timezone", slog.Any("error", err))
		writeJSONError(w, "invalid control timezone", http.StatusInternalServerError)
		return
	}

	day := s.now().In(loc)
	if dateStr := r.URL.Query().Get("date"); dateStr != "" {
		day, err = time.ParseInLocation("2006-01-02", dateStr, loc)
		if err != nil {
			writeJSONError(w, "invalid date, expected YYYY-MM-DD", http.StatusBadRequest)
			return
		}
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	end := time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, loc)

	entries, err := s.storage.GetScheduleEntries(ctx, policy.ID, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get schedule", slog.Any("error", err))
		writeJSONError(w, "failed to get schedule", http.StatusInternalServerError)
		return
	}

	res := make([]scheduleEntryRes, 0, len(entries))
	for _, e := range entries {
		res = append(res, scheduleEntryRes{
			Start:              e.TSStart,
			End:                e.TSEnd,
			On:                 e.On,
			Status:             e.Status,
			CentsPerKWH:        e.CentsPerKWH,
			DisplayCentsPerKWH: e.CentsPerKWH * (1 + policy.TaxRate),
		})
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, res)
}

// handleRecalculateControl clears and regenerates the control's current day.
// Unlike the periodic trigger, the generation error surfaces to the caller so
// the user sees why their change produced no schedule.
func (s *Server) handleRecalculateControl(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	policy, ok := s.getAuthorizedControl(w, r)
	if !ok {
		return
	}

	if err := s.scheduler.Recalculate(ctx, policy.ID); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "recalculate failed",
			slog.String("controlID", policy.ID), slog.Any("error", err))
		writeJSONError(w, fmt.Sprintf("recalculate failed: %v", err), http.StatusUnprocessableEntity)
		return
	}

	w.WriteHeader(http.StatusOK)
}

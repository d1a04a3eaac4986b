package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/md-rashed-zaman/availability-engine/libs/auth"
	"github.com/md-rashed-zaman/availability-engine/libs/httpx"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/availability"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/rollover"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/storage"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/updates"
)

type Rebalancer interface {
	ShiftProviderCount(ctx context.Context, businessID string, oldCount, newCount int) (int, error)
	RegenerateAll(ctx context.Context, businessID string) (updates.RegenerateResult, error)
	RecomputeWindow(ctx context.Context, businessID string) error
	RecomputeDay(ctx context.Context, businessID string, date civil.Date) error
}

type Roller interface {
	RollBusiness(ctx context.Context, businessID string) (rollover.Result, error)
	RollAll(ctx context.Context) (rollover.Report, error)
}

type CalendarSettings interface {
	UpsertCalendarSettings(ctx context.Context, businessID, staffID, timezone string, bufferMinutes int) error
}

// Admin exposes the maintenance operations to owners and operators.
type Admin struct {
	rebalancer Rebalancer
	roller     Roller
	calendars  CalendarSettings
	logger     *slog.Logger
}

func NewAdmin(rebalancer Rebalancer, roller Roller, calendars CalendarSettings, logger *slog.Logger) *Admin {
	return &Admin{rebalancer: rebalancer, roller: roller, calendars: calendars, logger: logger}
}

// Register mounts the admin routes behind an HS256 bearer token with an owner or admin role.
func (a *Admin) Register(mux *http.ServeMux, secret string) {
	guard := auth.RequireHS256(secret, "owner", "admin")
	mux.Handle("/api/v1/admin/availability/regenerate", guard(http.HandlerFunc(a.Regenerate)))
	mux.Handle("/api/v1/admin/availability/provider-count", guard(http.HandlerFunc(a.ProviderCount)))
	mux.Handle("/api/v1/admin/availability/roll", guard(http.HandlerFunc(a.Roll)))
	mux.Handle("/api/v1/admin/availability/recompute", guard(http.HandlerFunc(a.Recompute)))
	mux.Handle("/api/v1/admin/availability/calendar-settings", guard(http.HandlerFunc(a.CalendarSettings)))
}

// authorize limits owners to their own business; admins may act on any.
func authorize(w http.ResponseWriter, r *http.Request, businessID string) bool {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	if claims.Role == "owner" && claims.BusinessID != businessID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func validBusiness(w http.ResponseWriter, id string) bool {
	if _, err := uuid.Parse(strings.TrimSpace(id)); err != nil {
		http.Error(w, "business_id must be a uuid", http.StatusBadRequest)
		return false
	}
	return true
}

func (a *Admin) fail(w http.ResponseWriter, err error, msg string, args ...any) {
	var ce *availability.ConfigError
	if errors.As(err, &ce) {
		httpx.WriteJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": ce.Err.Error(), "business_id": ce.BusinessID})
		return
	}
	a.logger.Error(msg, append(args, "err", err)...)
	http.Error(w, msg, http.StatusInternalServerError)
}

type regenerateRequest struct {
	BusinessID string `json:"business_id"`
}

func (a *Admin) Regenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req regenerateRequest
	if !decode(w, r, &req) || !validBusiness(w, req.BusinessID) || !authorize(w, r, req.BusinessID) {
		return
	}
	res, err := a.rebalancer.RegenerateAll(r.Context(), req.BusinessID)
	if err != nil {
		a.fail(w, err, "failed to regenerate availability", "business_id", req.BusinessID)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

type providerCountRequest struct {
	BusinessID string `json:"business_id"`
	OldCount   int    `json:"old_count"`
	NewCount   int    `json:"new_count"`
}

func (a *Admin) ProviderCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req providerCountRequest
	if !decode(w, r, &req) || !validBusiness(w, req.BusinessID) || !authorize(w, r, req.BusinessID) {
		return
	}
	if req.OldCount < 0 || req.NewCount < 0 {
		http.Error(w, "counts must not be negative", http.StatusBadRequest)
		return
	}
	n, err := a.rebalancer.ShiftProviderCount(r.Context(), req.BusinessID, req.OldCount, req.NewCount)
	if err != nil {
		a.fail(w, err, "failed to shift provider count", "business_id", req.BusinessID)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]int{"updated": n})
}

type rollRequest struct {
	BusinessID string `json:"business_id"`
}

// Roll rolls one business when business_id is given and every business otherwise. Only admins may
// roll everything.
func (a *Admin) Roll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req rollRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	if req.BusinessID == "" {
		claims, _ := auth.ClaimsFromContext(r.Context())
		if claims == nil || claims.Role != "admin" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		rep, err := a.roller.RollAll(r.Context())
		if err != nil {
			a.fail(w, err, "rollover failed", "run_id", rep.RunID)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, rep)
		return
	}
	if !validBusiness(w, req.BusinessID) || !authorize(w, r, req.BusinessID) {
		return
	}
	res, err := a.roller.RollBusiness(r.Context(), req.BusinessID)
	if err != nil {
		a.fail(w, err, "rollover failed", "business_id", req.BusinessID)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

type recomputeRequest struct {
	BusinessID string `json:"business_id"`
	Date       string `json:"date"`
}

func (a *Admin) Recompute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req recomputeRequest
	if !decode(w, r, &req) || !validBusiness(w, req.BusinessID) || !authorize(w, r, req.BusinessID) {
		return
	}
	if req.Date == "" {
		if err := a.rebalancer.RecomputeWindow(r.Context(), req.BusinessID); err != nil {
			a.fail(w, err, "failed to recompute availability", "business_id", req.BusinessID)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "recomputed", "business_id": req.BusinessID})
		return
	}
	date, err := civil.ParseDate(req.Date)
	if err != nil {
		http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	if err := a.rebalancer.RecomputeDay(r.Context(), req.BusinessID, date); err != nil {
		a.fail(w, err, "failed to recompute availability", "business_id", req.BusinessID, "date", req.Date)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "recomputed", "business_id": req.BusinessID, "date": req.Date})
}

type calendarSettingsRequest struct {
	BusinessID    string `json:"business_id"`
	StaffID       string `json:"staff_id"`
	Timezone      string `json:"timezone"`
	BufferMinutes int    `json:"buffer_minutes"`
}

// CalendarSettings stores a provider's timezone and buffer, then recomputes the business window so
// the new settings show up immediately.
func (a *Admin) CalendarSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req calendarSettingsRequest
	if !decode(w, r, &req) || !validBusiness(w, req.BusinessID) || !authorize(w, r, req.BusinessID) {
		return
	}
	if _, err := uuid.Parse(req.StaffID); err != nil {
		http.Error(w, "staff_id must be a uuid", http.StatusBadRequest)
		return
	}
	if _, err := availability.LoadLocation(req.Timezone); err != nil {
		http.Error(w, "unknown timezone", http.StatusBadRequest)
		return
	}
	if req.BufferMinutes < 0 || req.BufferMinutes > 240 {
		http.Error(w, "buffer_minutes must be between 0 and 240", http.StatusBadRequest)
		return
	}

	err := a.calendars.UpsertCalendarSettings(r.Context(), req.BusinessID, req.StaffID, req.Timezone, req.BufferMinutes)
	if errors.Is(err, storage.ErrStaffNotFound) {
		http.Error(w, "staff not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.fail(w, err, "failed to save calendar settings", "staff_id", req.StaffID)
		return
	}
	if err := a.rebalancer.RecomputeWindow(r.Context(), req.BusinessID); err != nil {
		a.fail(w, err, "failed to recompute availability", "business_id", req.BusinessID)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, req)
}

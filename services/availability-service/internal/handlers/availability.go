package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/md-rashed-zaman/availability-engine/libs/httpx"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/aggregate"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/availability"
)

const maxRangeDays = 62

// Handler serves stored availability to the booking UI.
type Handler struct {
	store  availability.Store
	agg    *aggregate.Aggregator
	logger *slog.Logger
	now    func() time.Time
}

func New(store availability.Store, agg *aggregate.Aggregator, logger *slog.Logger) *Handler {
	return &Handler{store: store, agg: agg, logger: logger, now: time.Now}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/availability/day", h.GetDay)
	mux.HandleFunc("/api/v1/availability/range", h.GetRange)
	mux.HandleFunc("/api/v1/availability/next", h.NextAvailable)
	mux.HandleFunc("/api/v1/availability/hours", h.HoursForDate)
}

// businessID reads business_id from the query or X-Business-Id and requires a UUID.
func businessID(r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.URL.Query().Get("business_id"))
	if id == "" {
		id = strings.TrimSpace(r.Header.Get("X-Business-Id"))
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", false
	}
	return id, true
}

func intParam(r *http.Request, key string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// writeError maps engine errors to HTTP. Configuration problems are the business's to fix, so they
// surface as 422 with the business id instead of looking like an empty calendar.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	var ce *availability.ConfigError
	if errors.As(err, &ce) {
		h.logger.Warn("availability configuration error", "business_id", ce.BusinessID, "provider_id", ce.ProviderID, "err", ce.Err)
		httpx.WriteJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":       ce.Err.Error(),
			"business_id": ce.BusinessID,
		})
		return
	}
	if errors.Is(err, availability.ErrInvalidDuration) || errors.Is(err, availability.ErrNoDurationClass) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.logger.Error(msg, "err", err, "path", r.URL.Path)
	http.Error(w, msg, http.StatusInternalServerError)
}

func (h *Handler) today(w http.ResponseWriter, r *http.Request, businessID string) (*time.Location, civil.Date, bool) {
	loc, err := h.agg.Location(r.Context(), businessID)
	if err != nil {
		h.writeError(w, r, err, "failed to resolve business timezone")
		return nil, civil.Date{}, false
	}
	return loc, availability.Today(h.now(), loc), true
}

func (h *Handler) GetDay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	biz, ok := businessID(r)
	if !ok {
		http.Error(w, "business_id must be a uuid", http.StatusBadRequest)
		return
	}
	date, err := civil.ParseDate(r.URL.Query().Get("date"))
	if err != nil {
		http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	day, found, err := h.store.GetDay(r.Context(), biz, date)
	if err != nil {
		h.writeError(w, r, err, "failed to load availability")
		return
	}
	if !found {
		day = availability.Day{BusinessID: biz, Date: date, Slots: availability.Slots{}}
	}
	httpx.WriteJSON(w, http.StatusOK, day)
}

func (h *Handler) GetRange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	biz, ok := businessID(r)
	if !ok {
		http.Error(w, "business_id must be a uuid", http.StatusBadRequest)
		return
	}
	days, ok := intParam(r, "days", availability.HorizonDays+1)
	if !ok || days < 1 || days > maxRangeDays {
		http.Error(w, "days must be between 1 and 62", http.StatusBadRequest)
		return
	}

	var from civil.Date
	if raw := r.URL.Query().Get("from"); raw != "" {
		d, err := civil.ParseDate(raw)
		if err != nil {
			http.Error(w, "from must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		from = d
	} else {
		_, today, ok := h.today(w, r, biz)
		if !ok {
			return
		}
		from = today
	}

	out, err := h.store.GetRange(r.Context(), biz, from, days)
	if err != nil {
		h.writeError(w, r, err, "failed to load availability")
		return
	}
	if out == nil {
		out = []availability.Day{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"business_id": biz,
		"from":        from,
		"days":        out,
	})
}

func (h *Handler) NextAvailable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	biz, ok := businessID(r)
	if !ok {
		http.Error(w, "business_id must be a uuid", http.StatusBadRequest)
		return
	}
	minutes, ok := intParam(r, "duration_minutes", 0)
	if !ok || minutes <= 0 {
		http.Error(w, "duration_minutes must be positive", http.StatusBadRequest)
		return
	}
	limit, ok := intParam(r, "limit", 3)
	if !ok || limit < 1 || limit > 50 {
		http.Error(w, "limit must be between 1 and 50", http.StatusBadRequest)
		return
	}
	lookahead, ok := intParam(r, "lookahead_days", availability.HorizonDays+1)
	if !ok || lookahead < 1 || lookahead > maxRangeDays {
		http.Error(w, "lookahead_days must be between 1 and 62", http.StatusBadRequest)
		return
	}

	loc, today, ok := h.today(w, r, biz)
	if !ok {
		return
	}
	days, err := h.store.GetRange(r.Context(), biz, today, lookahead)
	if err != nil {
		h.writeError(w, r, err, "failed to load availability")
		return
	}
	openings, err := availability.NextOpenings(availability.Upcoming(days, h.now(), loc), minutes, limit)
	if err != nil {
		h.writeError(w, r, err, "failed to find openings")
		return
	}
	if openings == nil {
		openings = []availability.Opening{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"business_id": biz,
		"openings":    openings,
	})
}

func (h *Handler) HoursForDate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	biz, ok := businessID(r)
	if !ok {
		http.Error(w, "business_id must be a uuid", http.StatusBadRequest)
		return
	}
	date, err := civil.ParseDate(r.URL.Query().Get("date"))
	if err != nil {
		http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	minutes, ok := intParam(r, "duration_minutes", 0)
	if !ok || minutes <= 0 {
		http.Error(w, "duration_minutes must be positive", http.StatusBadRequest)
		return
	}

	day, found, err := h.store.GetDay(r.Context(), biz, date)
	if err != nil {
		h.writeError(w, r, err, "failed to load availability")
		return
	}
	if !found {
		day = availability.Day{BusinessID: biz, Date: date}
	}
	hours, err := availability.HoursFor(day, minutes)
	if err != nil {
		h.writeError(w, r, err, "failed to list hours")
		return
	}
	class, _ := availability.DurationClassFor(minutes)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"business_id":      biz,
		"date":             date,
		"duration_minutes": class,
		"hours":            hours,
	})
}

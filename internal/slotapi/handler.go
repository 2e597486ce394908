// Package slotapi exposes pkg/slot's Lifecycle operations over HTTP: the
// listing/lookup surface SPEC_FULL.md §4.7 documents alongside tokenapi's
// allocation routes.
package slotapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/opdtoken/internal/httpserver"
	"github.com/wisbric/opdtoken/pkg/slot"
)

// Handler provides HTTP handlers for slot lookup, search, and generation.
type Handler struct {
	lifecycle *slot.Lifecycle
	logger    *slog.Logger
}

// NewHandler creates a slot Handler.
func NewHandler(lifecycle *slot.Lifecycle, logger *slog.Logger) *Handler {
	return &Handler{lifecycle: lifecycle, logger: logger}
}

// Routes returns a chi.Router with every slot route mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleFindAvailable)
	r.Post("/generate", h.handleGenerate)
	r.Get("/{slotId}", h.handleGet)
	return r
}

// handleFindAvailable implements `GET /api/v1/slots`: findAvailable with
// query-string filters, offset-paginated since a department's available
// slots on a date range can run long.
func (h *Handler) handleFindAvailable(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := slot.AvailableFilter{
		Department: q.Get("department"),
		DoctorID:   q.Get("doctorId"),
	}

	if v := q.Get("dateFrom"); v != "" {
		from, err := time.Parse("2006-01-02", v)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "dateFrom must be YYYY-MM-DD")
			return
		}
		filter.From = from
	} else {
		filter.From = time.Now().UTC()
	}

	if v := q.Get("dateTo"); v != "" {
		to, err := time.Parse("2006-01-02", v)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "dateTo must be YYYY-MM-DD")
			return
		}
		filter.To = to
	} else {
		filter.To = filter.From
	}

	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	slots, err := h.lifecycle.FindAvailable(r.Context(), filter)
	if err != nil {
		h.logger.Error("slotapi: finding available slots", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "store_fault", "failed to search slots")
		return
	}

	page := httpserver.NewOffsetPage(httpserver.Paginate(slots, params), params, len(slots))
	httpserver.Respond(w, http.StatusOK, page)
}

// handleGet implements `GET /api/v1/slots/{id}`: findBySlotId.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	slotID := chi.URLParam(r, "slotId")
	s, found, err := h.lifecycle.FindBySlotID(r.Context(), slotID)
	if err != nil {
		h.logger.Error("slotapi: looking up slot", "slot_id", slotID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "store_fault", "failed to load slot")
		return
	}
	if !found {
		httpserver.RespondError(w, http.StatusNotFound, "slot_not_found", "slot not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, s)
}

type generateRequestDTO struct {
	Date string `json:"date" validate:"required"`
}

// handleGenerate implements `POST /api/v1/slots/generate`: a manual trigger
// of generateForDate, the same function internal/sweeper.SlotGenerator calls
// on its own daily schedule.
func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequestDTO
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "validation_error", "date must be YYYY-MM-DD")
		return
	}

	generated, err := h.lifecycle.GenerateForDate(r.Context(), date)
	if err != nil {
		h.logger.Error("slotapi: generating slots", "date", req.Date, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "store_fault", "failed to generate slots")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"date":      req.Date,
		"generated": len(generated),
		"slots":     generated,
	})
}

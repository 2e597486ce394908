// Package tokenapi exposes pkg/allocation's operations over HTTP, mapping
// allocation.Error's closed Kind taxonomy onto the status codes and
// failure envelope internal/httpserver defines.
package tokenapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/opdtoken/internal/httpserver"
	"github.com/wisbric/opdtoken/pkg/allocation"
	"github.com/wisbric/opdtoken/pkg/priority"
	"github.com/wisbric/opdtoken/pkg/token"
)

// Handler provides HTTP handlers for the token allocation API.
type Handler struct {
	engine *allocation.Engine
	logger *slog.Logger
}

// NewHandler creates a token allocation Handler.
func NewHandler(engine *allocation.Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

// Routes returns a chi.Router with every token allocation route mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/targeted", h.handleAllocateTargeted)
	r.Post("/department", h.handleAllocateDepartment)
	r.Post("/emergency", h.handleAllocateEmergency)
	r.Route("/{tokenId}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Post("/confirm", h.handleConfirm)
		r.Post("/complete", h.handleComplete)
		r.Post("/cancel", h.handleCancel)
		r.Post("/noshow", h.handleNoShow)
	})
	return r
}

// patientInfoDTO mirrors priority.PatientInfo for the wire, keeping the
// domain type free of JSON/validate tags.
type patientInfoDTO struct {
	Age               int      `json:"age,omitempty"`
	CriticalHistory   bool     `json:"criticalHistory,omitempty"`
	ChronicHistory    bool     `json:"chronicHistory,omitempty"`
	Conditions        []string `json:"conditions,omitempty"`
	UrgencyLevel      string   `json:"urgencyLevel,omitempty" validate:"omitempty,oneof=low medium moderate urgent critical emergency"`
	IsPregnant        bool     `json:"isPregnant,omitempty"`
	HasDisability     bool     `json:"hasDisability,omitempty"`
	FollowupUrgency   string   `json:"followupUrgency,omitempty" validate:"omitempty,oneof=routine moderate urgent"`
	LastVisitedDoctor string   `json:"lastVisitedDoctor,omitempty"`
}

func (p patientInfoDTO) toDomain() priority.PatientInfo {
	return priority.PatientInfo{
		Age:               p.Age,
		History:           priority.MedicalHistory{Critical: p.CriticalHistory, Chronic: p.ChronicHistory},
		Conditions:        p.Conditions,
		UrgencyLevel:      p.UrgencyLevel,
		IsPregnant:        p.IsPregnant,
		HasDisability:     p.HasDisability,
		FollowupUrgency:   p.FollowupUrgency,
		LastVisitedDoctor: p.LastVisitedDoctor,
	}
}

type targetedRequestDTO struct {
	PatientID      string          `json:"patientId" validate:"required"`
	DoctorID       string          `json:"doctorId" validate:"required"`
	SlotID         string          `json:"slotId" validate:"required"`
	Source         string          `json:"source" validate:"required,oneof=online walkin priority followup emergency"`
	Patient        patientInfoDTO  `json:"patient"`
	WaitingMinutes int             `json:"waitingMinutes,omitempty" validate:"gte=0"`
}

func (h *Handler) handleAllocateTargeted(w http.ResponseWriter, r *http.Request) {
	var req targetedRequestDTO
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	res, allocErr := h.engine.AllocateTargeted(r.Context(), allocation.TargetedRequest{
		PatientID:      req.PatientID,
		DoctorID:       req.DoctorID,
		SlotID:         req.SlotID,
		Source:         token.Source(req.Source),
		Patient:        req.Patient.toDomain(),
		WaitingMinutes: req.WaitingMinutes,
	})
	if allocErr != nil {
		h.respondAllocationError(w, allocErr)
		return
	}
	httpserver.Respond(w, http.StatusCreated, res)
}

type departmentRequestDTO struct {
	PatientID         string         `json:"patientId" validate:"required"`
	Department        string         `json:"department" validate:"required"`
	Source            string         `json:"source" validate:"required,oneof=online walkin priority followup emergency"`
	Patient           patientInfoDTO `json:"patient"`
	WaitingMinutes    int            `json:"waitingMinutes,omitempty" validate:"gte=0"`
	PreferredDoctorID string         `json:"preferredDoctorId,omitempty"`
	PreferredSlotID   string         `json:"preferredSlotId,omitempty"`
}

func (h *Handler) handleAllocateDepartment(w http.ResponseWriter, r *http.Request) {
	var req departmentRequestDTO
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	res, allocErr := h.engine.AllocateDepartment(r.Context(), allocation.DepartmentRequest{
		PatientID:         req.PatientID,
		Department:        req.Department,
		Source:            token.Source(req.Source),
		Patient:           req.Patient.toDomain(),
		WaitingMinutes:    req.WaitingMinutes,
		PreferredDoctorID: req.PreferredDoctorID,
		PreferredSlotID:   req.PreferredSlotID,
	})
	if allocErr != nil {
		h.respondAllocationError(w, allocErr)
		return
	}
	httpserver.Respond(w, http.StatusCreated, res)
}

type emergencyRequestDTO struct {
	PatientID         string         `json:"patientId" validate:"required"`
	Department        string         `json:"department" validate:"required"`
	Patient           patientInfoDTO `json:"patient"`
	WaitingMinutes    int            `json:"waitingMinutes,omitempty" validate:"gte=0"`
	PreferredDoctorID string         `json:"preferredDoctorId,omitempty"`
	PreferredSlotID   string         `json:"preferredSlotId,omitempty"`
}

func (h *Handler) handleAllocateEmergency(w http.ResponseWriter, r *http.Request) {
	var req emergencyRequestDTO
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	res, allocErr := h.engine.AllocateEmergency(r.Context(), allocation.EmergencyRequest{
		PatientID:         req.PatientID,
		Department:        req.Department,
		Patient:           req.Patient.toDomain(),
		WaitingMinutes:    req.WaitingMinutes,
		PreferredDoctorID: req.PreferredDoctorID,
		PreferredSlotID:   req.PreferredSlotID,
	})
	if allocErr != nil {
		h.respondAllocationError(w, allocErr)
		return
	}
	httpserver.Respond(w, http.StatusCreated, res)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	tokenID := chi.URLParam(r, "tokenId")
	t, err := h.engine.GetToken(r.Context(), tokenID)
	if err != nil {
		if errors.Is(err, token.ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "token_not_found", "token not found")
			return
		}
		h.logger.Error("tokenapi: getting token", "token_id", tokenID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "store_fault", "failed to load token")
		return
	}
	httpserver.Respond(w, http.StatusOK, t)
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	t, allocErr := h.engine.Confirm(r.Context(), chi.URLParam(r, "tokenId"))
	if allocErr != nil {
		h.respondAllocationError(w, allocErr)
		return
	}
	httpserver.Respond(w, http.StatusOK, t)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	t, allocErr := h.engine.Complete(r.Context(), chi.URLParam(r, "tokenId"))
	if allocErr != nil {
		h.respondAllocationError(w, allocErr)
		return
	}
	httpserver.Respond(w, http.StatusOK, t)
}

type cancelRequestDTO struct {
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequestDTO
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	t, allocErr := h.engine.Cancel(r.Context(), chi.URLParam(r, "tokenId"), req.Reason)
	if allocErr != nil {
		h.respondAllocationError(w, allocErr)
		return
	}
	httpserver.Respond(w, http.StatusOK, t)
}

func (h *Handler) handleNoShow(w http.ResponseWriter, r *http.Request) {
	t, allocErr := h.engine.NoShow(r.Context(), chi.URLParam(r, "tokenId"))
	if allocErr != nil {
		h.respondAllocationError(w, allocErr)
		return
	}
	httpserver.Respond(w, http.StatusOK, t)
}

func (h *Handler) respondAllocationError(w http.ResponseWriter, allocErr *allocation.Error) {
	if allocErr.Kind == allocation.KindStoreFault {
		h.logger.Error("tokenapi: allocation store fault", "message", allocErr.Message)
	}
	details := allocErr.Details
	if allocErr.Alternatives != nil {
		if details == nil {
			details = map[string]any{}
		}
		details["alternatives"] = allocErr.Alternatives
	}
	httpserver.RespondErrorDetailed(w, allocErr.Kind.HTTPStatus(), string(allocErr.Kind), allocErr.Message, details, allocErr.Suggestions)
}

package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/reservio/reservation-platform/internal/clinic/application"
	"github.com/reservio/reservation-platform/internal/clinic/domain"
	"github.com/reservio/reservation-platform/pkg/tracing"
)

type Handler struct {
	log      *slog.Logger
	service  *application.Service
	validate *validator.Validate
	tracer   trace.Tracer
}

func NewHandler(log *slog.Logger, service *application.Service) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		validate: validator.New(),
		tracer:   otel.Tracer("clinic-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/slots", h.createSlot)
	r.Post("/appointments", h.bookAppointment)
	r.Get("/appointments/{id}", h.getAppointment)
	r.Post("/appointments/{id}/cancel", h.cancelAppointment)
	r.Post("/appointments/{id}/complete", h.completeAppointment)
	r.Post("/appointments/{id}/treatments", h.addTreatment)
	r.Post("/patients/{id}/bills", h.generateBill)
	return r
}

type createSlotReq struct {
	DoctorID int64             `json:"doctor_id" validate:"required,gt=0"`
	SlotTime time.Time         `json:"slot_time" validate:"required"`
	Headers  map[string]string `json:"headers"`
}

func (h *Handler) createSlot(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateSlot")
	defer span.End()

	var req createSlotReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}

	slotID, err := h.service.CreateSlot(ctx, req.DoctorID, req.SlotTime, req.Headers, tracing.TraceparentFromRequest(ctx, r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"slot_id": slotID})
}

type bookAppointmentReq struct {
	PatientID int64             `json:"patient_id" validate:"required,gt=0"`
	DoctorID  int64             `json:"doctor_id" validate:"required,gt=0"`
	SlotTime  time.Time         `json:"slot_time" validate:"required"`
	Headers   map[string]string `json:"headers"`
}

func (h *Handler) bookAppointment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "BookAppointment")
	defer span.End()

	var req bookAppointmentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}

	appointmentID, err := h.service.BookAppointment(ctx, req.PatientID, req.DoctorID, req.SlotTime, req.Headers, tracing.TraceparentFromRequest(ctx, r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"appointment_id": appointmentID})
}

func (h *Handler) getAppointment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetAppointment")
	defer span.End()

	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid appointment id")
		return
	}

	a, err := h.service.GetAppointment(ctx, id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type headersReq struct {
	Headers map[string]string `json:"headers"`
}

func (h *Handler) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CancelAppointment")
	defer span.End()

	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid appointment id")
		return
	}

	var req headersReq
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := h.service.CancelAppointment(ctx, id, req.Headers, tracing.TraceparentFromRequest(ctx, r)); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) completeAppointment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CompleteAppointment")
	defer span.End()

	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid appointment id")
		return
	}

	var req headersReq
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := h.service.CompleteAppointment(ctx, id, req.Headers, tracing.TraceparentFromRequest(ctx, r)); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

type addTreatmentReq struct {
	Description string            `json:"description" validate:"required"`
	CostCents   int64             `json:"cost_cents" validate:"gte=0"`
	Headers     map[string]string `json:"headers"`
}

func (h *Handler) addTreatment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "AddTreatment")
	defer span.End()

	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid appointment id")
		return
	}

	var req addTreatmentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}

	treatmentID, err := h.service.AddTreatment(ctx, id, req.Description, req.CostCents, req.Headers, tracing.TraceparentFromRequest(ctx, r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"treatment_id": treatmentID})
}

func (h *Handler) generateBill(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GenerateBill")
	defer span.End()

	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", "invalid patient id")
		return
	}

	var req headersReq
	_ = json.NewDecoder(r.Body).Decode(&req)

	bill, err := h.service.GenerateBill(ctx, id, req.Headers, tracing.TraceparentFromRequest(ctx, r))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bill)
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNoSlot):
		writeError(w, http.StatusConflict, "no_slot", err.Error())
	case errors.Is(err, domain.ErrSlotExists):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrSlotNotFound),
		errors.Is(err, domain.ErrAppointmentNotFound),
		errors.Is(err, domain.ErrPatientNotFound),
		errors.Is(err, domain.ErrDoctorNotFound),
		errors.Is(err, domain.ErrActorNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrInvalidCost):
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrBusy):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "busy", err.Error())
	default:
		h.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]string{"error": kind, "message": msg})
}

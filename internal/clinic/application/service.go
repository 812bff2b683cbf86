package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/reservio/reservation-platform/internal/clinic/domain"
)

// Service orchestrates clinic writes. Booking, cancellation, treatments and
// billing each run as one transaction with audit and outbox appended last.
type Service struct {
	db           TxBeginner
	log          *slog.Logger
	slots        SlotRepository
	appointments AppointmentRepository
	treatments   TreatmentRepository
	billing      BillingRepository
	audit        AuditRepository
	outbox       OutboxRepository
	tracer       trace.Tracer
}

func NewService(db TxBeginner, log *slog.Logger, slots SlotRepository, appointments AppointmentRepository, treatments TreatmentRepository, billing BillingRepository, audit AuditRepository, outbox OutboxRepository) *Service {
	return &Service{
		db:           db,
		log:          log,
		slots:        slots,
		appointments: appointments,
		treatments:   treatments,
		billing:      billing,
		audit:        audit,
		outbox:       outbox,
		tracer:       otel.Tracer("clinic_service"),
	}
}

func (s *Service) rollback(ctx context.Context, tx pgx.Tx) {
	shutdownCtx := context.WithoutCancel(ctx)
	if err := tx.Rollback(shutdownCtx); err != nil && err != pgx.ErrTxClosed {
		s.log.Warn("rollback failed", "err", err)
	}
}

// CreateSlot opens a bookable slot for a doctor at an exact time.
func (s *Service) CreateSlot(ctx context.Context, doctorID int64, slotTime time.Time, headers map[string]string, traceparent string) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "ClinicService.CreateSlot")
	defer span.End()
	span.SetAttributes(attribute.Int64("doctor_id", doctorID))

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer s.rollback(ctx, tx)

	slot := domain.DoctorSlot{DoctorID: doctorID, SlotTime: slotTime}
	if err := s.slots.CreateSlot(ctx, tx, &slot); err != nil {
		span.RecordError(err)
		return 0, err
	}

	if err := s.audit.Record(ctx, tx, domain.AuditEntry{
		ActorKind: domain.ActorDoctor,
		ActorID:   doctorID,
		Action:    "slot.create",
		Entity:    "slot",
		EntityID:  slot.ID,
	}); err != nil {
		return 0, err
	}

	payload, err := json.Marshal(domain.SlotCreated{SlotID: slot.ID, DoctorID: doctorID, SlotTime: slotTime})
	if err != nil {
		return 0, err
	}
	if err := s.outbox.Insert(ctx, tx, "slot", strconv.FormatInt(slot.ID, 10), "SlotCreated", payload, headers, traceparent); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return slot.ID, nil
}

// BookAppointment claims the slot and creates the appointment atomically.
// The slot lookup matches doctor and exact requested time; no matching slot
// fails before any mutation.
func (s *Service) BookAppointment(ctx context.Context, patientID, doctorID int64, slotTime time.Time, headers map[string]string, traceparent string) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "ClinicService.BookAppointment")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("patient_id", patientID),
		attribute.Int64("doctor_id", doctorID),
		attribute.String("slot_time", slotTime.Format(time.RFC3339)),
	)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer s.rollback(ctx, tx)

	slot, err := s.slots.BookSlot(ctx, tx, doctorID, slotTime)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	a := domain.Appointment{
		PatientID: patientID,
		DoctorID:  doctorID,
		SlotID:    slot.ID,
		SlotTime:  slot.SlotTime,
		Status:    domain.StatusScheduled,
	}
	if err := s.appointments.CreateAppointment(ctx, tx, &a); err != nil {
		span.RecordError(err)
		return 0, err
	}

	if err := s.audit.Record(ctx, tx, domain.AuditEntry{
		ActorKind: domain.ActorPatient,
		ActorID:   patientID,
		Action:    "appointment.book",
		Entity:    "appointment",
		EntityID:  a.ID,
	}); err != nil {
		return 0, err
	}

	payload, err := json.Marshal(domain.AppointmentBooked{
		AppointmentID: a.ID,
		PatientID:     patientID,
		DoctorID:      doctorID,
		SlotTime:      slot.SlotTime,
	})
	if err != nil {
		return 0, err
	}
	if err := s.outbox.Insert(ctx, tx, "appointment", strconv.FormatInt(a.ID, 10), "AppointmentBooked", payload, headers, traceparent); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	s.log.Info("appointment booked", "appointment_id", a.ID, "patient_id", patientID, "doctor_id", doctorID)
	return a.ID, nil
}

// CancelAppointment frees the slot and transitions the appointment in the
// same transaction, so the slot never leaks.
func (s *Service) CancelAppointment(ctx context.Context, appointmentID int64, headers map[string]string, traceparent string) error {
	ctx, span := s.tracer.Start(ctx, "ClinicService.CancelAppointment")
	defer span.End()
	span.SetAttributes(attribute.Int64("appointment_id", appointmentID))

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer s.rollback(ctx, tx)

	a, err := s.appointments.GetForUpdate(ctx, tx, appointmentID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if a.Status != domain.StatusScheduled {
		return domain.ErrInvalidTransition
	}

	if err := s.appointments.ChangeStatus(ctx, tx, appointmentID, []domain.AppointmentStatus{domain.StatusScheduled}, domain.StatusCancelled); err != nil {
		return err
	}
	if err := s.slots.FreeSlot(ctx, tx, a.SlotID); err != nil {
		return err
	}

	if err := s.audit.Record(ctx, tx, domain.AuditEntry{
		ActorKind: domain.ActorPatient,
		ActorID:   a.PatientID,
		Action:    "appointment.cancel",
		Entity:    "appointment",
		EntityID:  appointmentID,
	}); err != nil {
		return err
	}

	payload, err := json.Marshal(domain.AppointmentCancelled{AppointmentID: appointmentID, PatientID: a.PatientID})
	if err != nil {
		return err
	}
	if err := s.outbox.Insert(ctx, tx, "appointment", strconv.FormatInt(appointmentID, 10), "AppointmentCancelled", payload, headers, traceparent); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.log.Info("appointment cancelled", "appointment_id", appointmentID)
	return nil
}

// CompleteAppointment marks a scheduled appointment completed.
func (s *Service) CompleteAppointment(ctx context.Context, appointmentID int64, headers map[string]string, traceparent string) error {
	ctx, span := s.tracer.Start(ctx, "ClinicService.CompleteAppointment")
	defer span.End()
	span.SetAttributes(attribute.Int64("appointment_id", appointmentID))

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer s.rollback(ctx, tx)

	a, err := s.appointments.GetForUpdate(ctx, tx, appointmentID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.appointments.ChangeStatus(ctx, tx, appointmentID, []domain.AppointmentStatus{domain.StatusScheduled}, domain.StatusCompleted); err != nil {
		return err
	}

	if err := s.audit.Record(ctx, tx, domain.AuditEntry{
		ActorKind: domain.ActorDoctor,
		ActorID:   a.DoctorID,
		Action:    "appointment.complete",
		Entity:    "appointment",
		EntityID:  appointmentID,
	}); err != nil {
		return err
	}

	payload, err := json.Marshal(domain.AppointmentCompleted{AppointmentID: appointmentID})
	if err != nil {
		return err
	}
	if err := s.outbox.Insert(ctx, tx, "appointment", strconv.FormatInt(appointmentID, 10), "AppointmentCompleted", payload, headers, traceparent); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// AddTreatment records a treatment against a completed appointment and
// overwrites the patient's derived billing total from the treatment rows.
// Treatments describe care that was given, so scheduled and cancelled
// appointments both reject them.
func (s *Service) AddTreatment(ctx context.Context, appointmentID int64, description string, costCents int64, headers map[string]string, traceparent string) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "ClinicService.AddTreatment")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("appointment_id", appointmentID),
		attribute.Int64("cost_cents", costCents),
	)

	if costCents < 0 {
		return 0, domain.ErrInvalidCost
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer s.rollback(ctx, tx)

	a, err := s.appointments.GetForUpdate(ctx, tx, appointmentID)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if a.Status != domain.StatusCompleted {
		return 0, domain.ErrInvalidTransition
	}

	t := domain.Treatment{AppointmentID: appointmentID, Description: description, CostCents: costCents}
	if err := s.treatments.CreateTreatment(ctx, tx, &t); err != nil {
		span.RecordError(err)
		return 0, err
	}

	total, err := s.treatments.RecomputeBillingTotal(ctx, tx, a.PatientID)
	if err != nil {
		return 0, err
	}

	if err := s.audit.Record(ctx, tx, domain.AuditEntry{
		ActorKind: domain.ActorDoctor,
		ActorID:   a.DoctorID,
		Action:    "treatment.add",
		Entity:    "treatment",
		EntityID:  t.ID,
	}); err != nil {
		return 0, err
	}

	payload, err := json.Marshal(domain.TreatmentRecorded{
		TreatmentID:       t.ID,
		AppointmentID:     appointmentID,
		PatientID:         a.PatientID,
		CostCents:         costCents,
		BillingTotalCents: total,
	})
	if err != nil {
		return 0, err
	}
	if err := s.outbox.Insert(ctx, tx, "treatment", strconv.FormatInt(t.ID, 10), "TreatmentRecorded", payload, headers, traceparent); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	s.log.Info("treatment added", "treatment_id", t.ID, "patient_id", a.PatientID, "billing_total_cents", total)
	return t.ID, nil
}

// GenerateBill snapshots the patient's current treatment total into a new
// bill row. A patient with no treatments gets a zero-total bill.
func (s *Service) GenerateBill(ctx context.Context, patientID int64, headers map[string]string, traceparent string) (domain.Bill, error) {
	ctx, span := s.tracer.Start(ctx, "ClinicService.GenerateBill")
	defer span.End()
	span.SetAttributes(attribute.Int64("patient_id", patientID))

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return domain.Bill{}, fmt.Errorf("begin: %w", err)
	}
	defer s.rollback(ctx, tx)

	total, err := s.billing.TreatmentTotal(ctx, tx, patientID)
	if err != nil {
		span.RecordError(err)
		return domain.Bill{}, err
	}

	b := domain.Bill{PatientID: patientID, TotalCents: total}
	if err := s.billing.CreateBill(ctx, tx, &b); err != nil {
		span.RecordError(err)
		return domain.Bill{}, err
	}

	if err := s.audit.Record(ctx, tx, domain.AuditEntry{
		ActorKind: domain.ActorPatient,
		ActorID:   patientID,
		Action:    "bill.generate",
		Entity:    "bill",
		EntityID:  b.ID,
	}); err != nil {
		return domain.Bill{}, err
	}

	payload, err := json.Marshal(domain.BillGenerated{BillID: b.ID, PatientID: patientID, TotalCents: total})
	if err != nil {
		return domain.Bill{}, err
	}
	if err := s.outbox.Insert(ctx, tx, "bill", strconv.FormatInt(b.ID, 10), "BillGenerated", payload, headers, traceparent); err != nil {
		return domain.Bill{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Bill{}, fmt.Errorf("commit: %w", err)
	}
	s.log.Info("bill generated", "bill_id", b.ID, "patient_id", patientID, "total_cents", total)
	return b, nil
}

func (s *Service) GetAppointment(ctx context.Context, appointmentID int64) (domain.Appointment, error) {
	return s.appointments.GetAppointment(ctx, appointmentID)
}

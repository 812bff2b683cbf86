package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/reservio/reservation-platform/internal/clinic/domain"
)

const (
	codeLockNotAvailable = "55P03"
	codeDeadlockDetected = "40P01"
	codeFKViolation      = "23503"
	codeUniqueViolation  = "23505"
)

type Repository struct {
	log         *slog.Logger
	pool        *pgxpool.Pool
	lockTimeout time.Duration
	tracer      trace.Tracer
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool, lockTimeout time.Duration) *Repository {
	return &Repository{
		log:         log,
		pool:        pool,
		lockTimeout: lockTimeout,
		tracer:      otel.Tracer("clinic_repository"),
	}
}

func (r *Repository) setLockTimeout(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds()))
	return err
}

// mapLockError turns lock timeouts and deadlock aborts into ErrBusy so
// callers retry instead of treating contention as a server fault.
func mapLockError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeLockNotAvailable, codeDeadlockDetected:
			return domain.ErrBusy
		}
	}
	return err
}

func (r *Repository) CreateSlot(ctx context.Context, tx pgx.Tx, s *domain.DoctorSlot) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO slots (doctor_id, slot_time, is_booked)
		VALUES ($1, $2, false)
		RETURNING id
	`, s.DoctorID, s.SlotTime).Scan(&s.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case codeUniqueViolation:
				return domain.ErrSlotExists
			case codeFKViolation:
				return domain.ErrDoctorNotFound
			}
		}
		return fmt.Errorf("insert slot: %w", err)
	}
	return nil
}

// BookSlot locks the slot for the doctor at the exact requested time and
// claims it. Two concurrent bookings for the same slot serialize on the row
// lock; the loser observes is_booked=true.
func (r *Repository) BookSlot(ctx context.Context, tx pgx.Tx, doctorID int64, slotTime time.Time) (domain.DoctorSlot, error) {
	ctx, span := r.tracer.Start(ctx, "ClinicRepository.BookSlot")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("doctor_id", doctorID),
		attribute.String("slot_time", slotTime.Format(time.RFC3339)),
	)

	if err := r.setLockTimeout(ctx, tx); err != nil {
		return domain.DoctorSlot{}, err
	}

	var s domain.DoctorSlot
	err := tx.QueryRow(ctx, `
		SELECT id, doctor_id, slot_time, is_booked
		FROM slots
		WHERE doctor_id = $1 AND slot_time = $2
		FOR UPDATE
	`, doctorID, slotTime).Scan(&s.ID, &s.DoctorID, &s.SlotTime, &s.IsBooked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DoctorSlot{}, domain.ErrSlotNotFound
		}
		span.RecordError(err)
		return domain.DoctorSlot{}, mapLockError(err)
	}

	if s.IsBooked {
		return domain.DoctorSlot{}, domain.ErrNoSlot
	}

	if _, err := tx.Exec(ctx, `UPDATE slots SET is_booked = true WHERE id = $1`, s.ID); err != nil {
		span.RecordError(err)
		return domain.DoctorSlot{}, err
	}
	s.IsBooked = true
	return s, nil
}

func (r *Repository) FreeSlot(ctx context.Context, tx pgx.Tx, slotID int64) error {
	ct, err := tx.Exec(ctx, `UPDATE slots SET is_booked = false WHERE id = $1`, slotID)
	if err != nil {
		return mapLockError(err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrSlotNotFound
	}
	return nil
}

func (r *Repository) CreateAppointment(ctx context.Context, tx pgx.Tx, a *domain.Appointment) error {
	ctx, span := r.tracer.Start(ctx, "ClinicRepository.CreateAppointment")
	defer span.End()
	span.SetAttributes(attribute.Int64("patient_id", a.PatientID))

	err := tx.QueryRow(ctx, `
		INSERT INTO appointments (patient_id, doctor_id, slot_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		RETURNING id, created_at, updated_at
	`, a.PatientID, a.DoctorID, a.SlotID, string(a.Status)).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeFKViolation {
			return domain.ErrPatientNotFound
		}
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, appointmentID int64) (domain.Appointment, error) {
	if err := r.setLockTimeout(ctx, tx); err != nil {
		return domain.Appointment{}, err
	}

	var a domain.Appointment
	var status string
	err := tx.QueryRow(ctx, `
		SELECT a.id, a.patient_id, a.doctor_id, a.slot_id, s.slot_time, a.status, a.created_at, a.updated_at
		FROM appointments a
		JOIN slots s ON s.id = a.slot_id
		WHERE a.id = $1
		FOR UPDATE OF a
	`, appointmentID).Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.SlotID, &a.SlotTime, &status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Appointment{}, domain.ErrAppointmentNotFound
		}
		return domain.Appointment{}, mapLockError(err)
	}
	a.Status = domain.AppointmentStatus(status)
	return a, nil
}

func (r *Repository) ChangeStatus(ctx context.Context, tx pgx.Tx, appointmentID int64, from []domain.AppointmentStatus, to domain.AppointmentStatus) error {
	allowed := make([]string, 0, len(from))
	for _, s := range from {
		allowed = append(allowed, string(s))
	}

	ct, err := tx.Exec(ctx, `UPDATE appointments SET status = $2, updated_at = now() WHERE id = $1 AND status = ANY($3)`,
		appointmentID, string(to), allowed)
	if err != nil {
		return mapLockError(err)
	}
	if ct.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, appointmentID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domain.ErrAppointmentNotFound
		}
		return domain.ErrInvalidTransition
	}
	return nil
}

func (r *Repository) GetAppointment(ctx context.Context, appointmentID int64) (domain.Appointment, error) {
	var a domain.Appointment
	var status string
	err := r.pool.QueryRow(ctx, `
		SELECT a.id, a.patient_id, a.doctor_id, a.slot_id, s.slot_time, a.status, a.created_at, a.updated_at
		FROM appointments a
		JOIN slots s ON s.id = a.slot_id
		WHERE a.id = $1
	`, appointmentID).Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.SlotID, &a.SlotTime, &status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Appointment{}, domain.ErrAppointmentNotFound
		}
		return domain.Appointment{}, err
	}
	a.Status = domain.AppointmentStatus(status)
	return a, nil
}

func (r *Repository) CreateTreatment(ctx context.Context, tx pgx.Tx, t *domain.Treatment) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO treatments (appointment_id, description, cost_cents, created_at)
		VALUES ($1, $2, $3, now())
		RETURNING id, created_at
	`, t.AppointmentID, t.Description, t.CostCents).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeFKViolation {
			return domain.ErrAppointmentNotFound
		}
		return fmt.Errorf("insert treatment: %w", err)
	}
	return nil
}

// RecomputeBillingTotal overwrites the derived per-patient total from the
// current treatment rows, so it stays correct even after historical edits.
func (r *Repository) RecomputeBillingTotal(ctx context.Context, tx pgx.Tx, patientID int64) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "ClinicRepository.RecomputeBillingTotal")
	defer span.End()
	span.SetAttributes(attribute.Int64("patient_id", patientID))

	var total int64
	err := tx.QueryRow(ctx, `
		INSERT INTO patient_billing (patient_id, total_cents, updated_at)
		SELECT $1, COALESCE(SUM(t.cost_cents), 0), now()
		FROM treatments t
		JOIN appointments a ON a.id = t.appointment_id
		WHERE a.patient_id = $1
		ON CONFLICT (patient_id) DO UPDATE
		SET total_cents = EXCLUDED.total_cents,
		    updated_at  = EXCLUDED.updated_at
		RETURNING total_cents
	`, patientID).Scan(&total)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("recompute billing total: %w", err)
	}
	return total, nil
}

func (r *Repository) TreatmentTotal(ctx context.Context, tx pgx.Tx, patientID int64) (int64, error) {
	var total int64
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(t.cost_cents), 0)
		FROM treatments t
		JOIN appointments a ON a.id = t.appointment_id
		WHERE a.patient_id = $1
	`, patientID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum treatments: %w", err)
	}
	return total, nil
}

func (r *Repository) CreateBill(ctx context.Context, tx pgx.Tx, b *domain.Bill) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO bills (patient_id, total_cents, created_at)
		VALUES ($1, $2, now())
		RETURNING id, created_at
	`, b.PatientID, b.TotalCents).Scan(&b.ID, &b.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeFKViolation {
			return domain.ErrPatientNotFound
		}
		return fmt.Errorf("insert bill: %w", err)
	}
	return nil
}

// Record verifies the actor exists before appending, so an unknown actor
// fails the whole enclosing transaction.
func (r *Repository) Record(ctx context.Context, tx pgx.Tx, e domain.AuditEntry) error {
	var actorTable string
	switch e.ActorKind {
	case domain.ActorPatient:
		actorTable = "patients"
	case domain.ActorDoctor:
		actorTable = "doctors"
	default:
		return domain.ErrActorNotFound
	}

	var exists bool
	if err := tx.QueryRow(ctx, fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, actorTable), e.ActorID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return domain.ErrActorNotFound
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO audit_log (actor_kind, actor_id, action, entity, entity_id, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, string(e.ActorKind), e.ActorID, e.Action, e.Entity, e.EntityID)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

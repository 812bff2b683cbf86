package application

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/reservio/reservation-platform/internal/clinic/domain"
)

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type SlotRepository interface {
	CreateSlot(ctx context.Context, tx pgx.Tx, s *domain.DoctorSlot) error
	// BookSlot locks the slot row matching doctor and exact time, verifies
	// it is unbooked and flips the flag, all under the same row lock.
	BookSlot(ctx context.Context, tx pgx.Tx, doctorID int64, slotTime time.Time) (domain.DoctorSlot, error)
	FreeSlot(ctx context.Context, tx pgx.Tx, slotID int64) error
}

type AppointmentRepository interface {
	CreateAppointment(ctx context.Context, tx pgx.Tx, a *domain.Appointment) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, appointmentID int64) (domain.Appointment, error)
	ChangeStatus(ctx context.Context, tx pgx.Tx, appointmentID int64, from []domain.AppointmentStatus, to domain.AppointmentStatus) error
	GetAppointment(ctx context.Context, appointmentID int64) (domain.Appointment, error)
}

type TreatmentRepository interface {
	CreateTreatment(ctx context.Context, tx pgx.Tx, t *domain.Treatment) error
	// RecomputeBillingTotal overwrites the patient's derived total from the
	// current treatment rows and returns the new value.
	RecomputeBillingTotal(ctx context.Context, tx pgx.Tx, patientID int64) (int64, error)
}

type BillingRepository interface {
	// TreatmentTotal sums the patient's treatment costs; zero when none.
	TreatmentTotal(ctx context.Context, tx pgx.Tx, patientID int64) (int64, error)
	CreateBill(ctx context.Context, tx pgx.Tx, b *domain.Bill) error
}

type AuditRepository interface {
	Record(ctx context.Context, tx pgx.Tx, e domain.AuditEntry) error
}

type OutboxRepository interface {
	Insert(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, eventType string, payload []byte, headers map[string]string, traceparent string) error
}

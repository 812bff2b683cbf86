package application

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/reservio/reservation-platform/internal/clinic/domain"
)

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if t.committed {
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	return nil
}

type fakeDB struct {
	tx *fakeTx
}

func (db *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	db.tx = &fakeTx{}
	return db.tx, nil
}

type outboxCall struct {
	aggregateType string
	eventType     string
	payload       []byte
}

type fakeRepos struct {
	bookSlot       func(doctorID int64, slotTime time.Time) (domain.DoctorSlot, error)
	appointment    domain.Appointment
	freedSlots     []int64
	statusChanges  []domain.AppointmentStatus
	createdAppt    *domain.Appointment
	createdTreat   *domain.Treatment
	billingTotal   int64
	treatmentTotal int64
	createdBills   []domain.Bill
	auditErr       error
	auditEntries   []domain.AuditEntry
	outboxCalls    []outboxCall
}

func newFakeRepos() *fakeRepos {
	return &fakeRepos{
		bookSlot: func(doctorID int64, slotTime time.Time) (domain.DoctorSlot, error) {
			return domain.DoctorSlot{ID: 5, DoctorID: doctorID, SlotTime: slotTime, IsBooked: true}, nil
		},
	}
}

func (f *fakeRepos) CreateSlot(_ context.Context, _ pgx.Tx, s *domain.DoctorSlot) error {
	s.ID = 5
	return nil
}

func (f *fakeRepos) BookSlot(_ context.Context, _ pgx.Tx, doctorID int64, slotTime time.Time) (domain.DoctorSlot, error) {
	return f.bookSlot(doctorID, slotTime)
}

func (f *fakeRepos) FreeSlot(_ context.Context, _ pgx.Tx, slotID int64) error {
	f.freedSlots = append(f.freedSlots, slotID)
	return nil
}

func (f *fakeRepos) CreateAppointment(_ context.Context, _ pgx.Tx, a *domain.Appointment) error {
	a.ID = 21
	f.createdAppt = a
	return nil
}

func (f *fakeRepos) GetForUpdate(_ context.Context, _ pgx.Tx, _ int64) (domain.Appointment, error) {
	return f.appointment, nil
}

func (f *fakeRepos) ChangeStatus(_ context.Context, _ pgx.Tx, _ int64, _ []domain.AppointmentStatus, to domain.AppointmentStatus) error {
	f.statusChanges = append(f.statusChanges, to)
	return nil
}

func (f *fakeRepos) GetAppointment(_ context.Context, appointmentID int64) (domain.Appointment, error) {
	return domain.Appointment{ID: appointmentID}, nil
}

func (f *fakeRepos) CreateTreatment(_ context.Context, _ pgx.Tx, t *domain.Treatment) error {
	t.ID = 33
	f.createdTreat = t
	return nil
}

func (f *fakeRepos) RecomputeBillingTotal(_ context.Context, _ pgx.Tx, _ int64) (int64, error) {
	return f.billingTotal, nil
}

func (f *fakeRepos) TreatmentTotal(_ context.Context, _ pgx.Tx, _ int64) (int64, error) {
	return f.treatmentTotal, nil
}

func (f *fakeRepos) CreateBill(_ context.Context, _ pgx.Tx, b *domain.Bill) error {
	b.ID = int64(len(f.createdBills) + 1)
	f.createdBills = append(f.createdBills, *b)
	return nil
}

func (f *fakeRepos) Record(_ context.Context, _ pgx.Tx, e domain.AuditEntry) error {
	if f.auditErr != nil {
		return f.auditErr
	}
	f.auditEntries = append(f.auditEntries, e)
	return nil
}

func (f *fakeRepos) Insert(_ context.Context, _ pgx.Tx, aggregateType, _, eventType string, payload []byte, _ map[string]string, _ string) error {
	f.outboxCalls = append(f.outboxCalls, outboxCall{aggregateType: aggregateType, eventType: eventType, payload: payload})
	return nil
}

func newTestService(repos *fakeRepos) (*Service, *fakeDB) {
	db := &fakeDB{}
	log := slog.New(slog.DiscardHandler)
	return NewService(db, log, repos, repos, repos, repos, repos, repos), db
}

func TestBookAppointmentClaimsSlotAndCommits(t *testing.T) {
	repos := newFakeRepos()
	svc, db := newTestService(repos)
	slotTime := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	apptID, err := svc.BookAppointment(context.Background(), 1, 2, slotTime, nil, "")
	require.NoError(t, err)
	require.Equal(t, int64(21), apptID)

	require.True(t, db.tx.committed)
	require.NotNil(t, repos.createdAppt)
	require.Equal(t, int64(5), repos.createdAppt.SlotID)
	require.Equal(t, domain.StatusScheduled, repos.createdAppt.Status)

	require.Len(t, repos.outboxCalls, 1)
	require.Equal(t, "AppointmentBooked", repos.outboxCalls[0].eventType)
}

func TestBookAppointmentSlotTakenRollsBack(t *testing.T) {
	repos := newFakeRepos()
	repos.bookSlot = func(int64, time.Time) (domain.DoctorSlot, error) {
		return domain.DoctorSlot{}, domain.ErrNoSlot
	}
	svc, db := newTestService(repos)

	_, err := svc.BookAppointment(context.Background(), 1, 2, time.Now(), nil, "")
	require.ErrorIs(t, err, domain.ErrNoSlot)

	require.False(t, db.tx.committed)
	require.True(t, db.tx.rolledBack)
	require.Nil(t, repos.createdAppt)
	require.Empty(t, repos.outboxCalls)
}

func TestBookAppointmentNoMatchingSlot(t *testing.T) {
	repos := newFakeRepos()
	repos.bookSlot = func(int64, time.Time) (domain.DoctorSlot, error) {
		return domain.DoctorSlot{}, domain.ErrSlotNotFound
	}
	svc, db := newTestService(repos)

	_, err := svc.BookAppointment(context.Background(), 1, 2, time.Now(), nil, "")
	require.ErrorIs(t, err, domain.ErrSlotNotFound)
	require.False(t, db.tx.committed)
}

func TestCancelAppointmentFreesSlot(t *testing.T) {
	repos := newFakeRepos()
	repos.appointment = domain.Appointment{ID: 21, PatientID: 1, SlotID: 5, Status: domain.StatusScheduled}
	svc, db := newTestService(repos)

	err := svc.CancelAppointment(context.Background(), 21, nil, "")
	require.NoError(t, err)

	require.True(t, db.tx.committed)
	require.Equal(t, []int64{5}, repos.freedSlots)
	require.Equal(t, []domain.AppointmentStatus{domain.StatusCancelled}, repos.statusChanges)
}

func TestCancelAppointmentRejectsCompleted(t *testing.T) {
	repos := newFakeRepos()
	repos.appointment = domain.Appointment{ID: 21, Status: domain.StatusCompleted}
	svc, db := newTestService(repos)

	err := svc.CancelAppointment(context.Background(), 21, nil, "")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.False(t, db.tx.committed)
	require.Empty(t, repos.freedSlots)
}

func TestAddTreatmentRejectsNegativeCost(t *testing.T) {
	repos := newFakeRepos()
	svc, db := newTestService(repos)

	_, err := svc.AddTreatment(context.Background(), 21, "x-ray", -100, nil, "")
	require.ErrorIs(t, err, domain.ErrInvalidCost)
	require.Nil(t, db.tx)
}

func TestAddTreatmentRejectsCancelledAppointment(t *testing.T) {
	repos := newFakeRepos()
	repos.appointment = domain.Appointment{ID: 21, Status: domain.StatusCancelled}
	svc, db := newTestService(repos)

	_, err := svc.AddTreatment(context.Background(), 21, "x-ray", 100, nil, "")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	require.False(t, db.tx.committed)
	require.Nil(t, repos.createdTreat)
}

func TestAddTreatmentRequiresCompletedAppointment(t *testing.T) {
	repos := newFakeRepos()
	repos.appointment = domain.Appointment{ID: 21, Status: domain.StatusScheduled}
	svc, db := newTestService(repos)

	_, err := svc.AddTreatment(context.Background(), 21, "x-ray", 100, nil, "")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	require.False(t, db.tx.committed)
	require.Nil(t, repos.createdTreat)
}

func TestAddTreatmentOverwritesBillingTotal(t *testing.T) {
	repos := newFakeRepos()
	repos.appointment = domain.Appointment{ID: 21, PatientID: 1, DoctorID: 2, Status: domain.StatusCompleted}
	repos.billingTotal = 7500
	svc, db := newTestService(repos)

	treatmentID, err := svc.AddTreatment(context.Background(), 21, "x-ray", 2500, nil, "")
	require.NoError(t, err)
	require.Equal(t, int64(33), treatmentID)

	require.True(t, db.tx.committed)

	require.Len(t, repos.outboxCalls, 1)
	var evt domain.TreatmentRecorded
	require.NoError(t, json.Unmarshal(repos.outboxCalls[0].payload, &evt))
	require.Equal(t, int64(7500), evt.BillingTotalCents)
}

func TestGenerateBillSnapshotsTotal(t *testing.T) {
	repos := newFakeRepos()
	repos.treatmentTotal = 12000
	svc, db := newTestService(repos)

	bill, err := svc.GenerateBill(context.Background(), 1, nil, "")
	require.NoError(t, err)
	require.Equal(t, int64(12000), bill.TotalCents)
	require.True(t, db.tx.committed)
}

func TestGenerateBillTwiceYieldsIdenticalTotals(t *testing.T) {
	repos := newFakeRepos()
	repos.treatmentTotal = 12000
	svc, _ := newTestService(repos)

	first, err := svc.GenerateBill(context.Background(), 1, nil, "")
	require.NoError(t, err)
	second, err := svc.GenerateBill(context.Background(), 1, nil, "")
	require.NoError(t, err)

	require.Equal(t, first.TotalCents, second.TotalCents)
	require.NotEqual(t, first.ID, second.ID)
	require.Len(t, repos.createdBills, 2)
}

func TestGenerateBillZeroTreatments(t *testing.T) {
	repos := newFakeRepos()
	repos.treatmentTotal = 0
	svc, db := newTestService(repos)

	bill, err := svc.GenerateBill(context.Background(), 1, nil, "")
	require.NoError(t, err)
	require.Equal(t, int64(0), bill.TotalCents)
	require.True(t, db.tx.committed)
}

func TestAuditFailureRollsBackBooking(t *testing.T) {
	repos := newFakeRepos()
	repos.auditErr = errors.New("actor 99 does not exist")
	svc, db := newTestService(repos)

	_, err := svc.BookAppointment(context.Background(), 99, 2, time.Now(), nil, "")
	require.Error(t, err)

	require.False(t, db.tx.committed)
	require.True(t, db.tx.rolledBack)
	require.Empty(t, repos.outboxCalls)
}

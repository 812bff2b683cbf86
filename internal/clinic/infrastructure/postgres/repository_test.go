package postgres

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/reservio/reservation-platform/internal/clinic/application"
	"github.com/reservio/reservation-platform/internal/clinic/domain"
	"github.com/reservio/reservation-platform/pkg/outbox"
	"github.com/reservio/reservation-platform/pkg/testsuite"
)

type RepositorySuite struct {
	testsuite.BaseSuite

	service *application.Service
}

func TestRepositorySuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration suite in short mode")
	}
	suite.Run(t, new(RepositorySuite))
}

func (s *RepositorySuite) SetupSuite() {
	s.BaseSuite.SetupInfrastructure("../../../../migrations", false)
}

func (s *RepositorySuite) TearDownSuite() {
	s.BaseSuite.TearDownInfrastructure()
}

func (s *RepositorySuite) SetupTest() {
	for _, table := range []string{"outbox", "audit_log", "bills", "patient_billing", "treatments", "appointments", "slots", "doctors", "patients"} {
		s.TruncateTable(table)
	}

	log := slog.New(slog.DiscardHandler)
	repo := NewRepository(log, s.DbPool, 2*time.Second)
	s.service = application.NewService(s.DbPool, log, repo, repo, repo, repo, repo, outbox.NewRepository())
}

func (s *RepositorySuite) seedPatient(id int64) {
	_, err := s.DbPool.Exec(s.Ctx, `INSERT INTO patients (id, name, email) VALUES ($1, 'patient', 'patient'||$1||'@test.local')`, id)
	s.Require().NoError(err)
}

func (s *RepositorySuite) seedDoctor(id int64) {
	_, err := s.DbPool.Exec(s.Ctx, `INSERT INTO doctors (id, name) VALUES ($1, 'doctor')`, id)
	s.Require().NoError(err)
}

func (s *RepositorySuite) slotBooked(slotID int64) bool {
	var booked bool
	s.Require().NoError(s.DbPool.QueryRow(s.Ctx, `SELECT is_booked FROM slots WHERE id = $1`, slotID).Scan(&booked))
	return booked
}

func (s *RepositorySuite) TestBookAppointmentClaimsSlot() {
	s.seedPatient(1)
	s.seedDoctor(2)
	at := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	slotID, err := s.service.CreateSlot(s.Ctx, 2, at, nil, "")
	s.Require().NoError(err)
	s.False(s.slotBooked(slotID))

	apptID, err := s.service.BookAppointment(s.Ctx, 1, 2, at, nil, "")
	s.Require().NoError(err)
	s.True(s.slotBooked(slotID))

	a, err := s.service.GetAppointment(s.Ctx, apptID)
	s.Require().NoError(err)
	s.Equal(domain.StatusScheduled, a.Status)
	s.Equal(at, a.SlotTime.UTC())

	var events int
	s.Require().NoError(s.DbPool.QueryRow(s.Ctx, `SELECT count(*) FROM outbox WHERE type = 'AppointmentBooked'`).Scan(&events))
	s.Equal(1, events)
}

func (s *RepositorySuite) TestBookingTakenSlotFails() {
	s.seedPatient(1)
	s.seedPatient(2)
	s.seedDoctor(3)
	at := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	_, err := s.service.CreateSlot(s.Ctx, 3, at, nil, "")
	s.Require().NoError(err)

	_, err = s.service.BookAppointment(s.Ctx, 1, 3, at, nil, "")
	s.Require().NoError(err)

	_, err = s.service.BookAppointment(s.Ctx, 2, 3, at, nil, "")
	s.Require().ErrorIs(err, domain.ErrNoSlot)
}

func (s *RepositorySuite) TestBookingUnknownSlotFailsBeforeAnyWrite() {
	s.seedPatient(1)
	s.seedDoctor(2)

	_, err := s.service.BookAppointment(s.Ctx, 1, 2, time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC), nil, "")
	s.Require().ErrorIs(err, domain.ErrSlotNotFound)

	var appts int
	s.Require().NoError(s.DbPool.QueryRow(s.Ctx, `SELECT count(*) FROM appointments`).Scan(&appts))
	s.Zero(appts)
}

func (s *RepositorySuite) TestConcurrentBookingHasOneWinner() {
	s.seedDoctor(1)
	at := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	_, err := s.service.CreateSlot(s.Ctx, 1, at, nil, "")
	s.Require().NoError(err)

	const patients = 8
	for i := int64(1); i <= patients; i++ {
		s.seedPatient(i)
	}

	var wg sync.WaitGroup
	errs := make([]error, patients)
	for i := 0; i < patients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.service.BookAppointment(context.Background(), int64(i+1), 1, at, nil, "")
		}(i)
	}
	wg.Wait()

	var winners int
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			s.Require().ErrorIs(err, domain.ErrNoSlot)
		}
	}
	s.Equal(1, winners)

	var appts int
	s.Require().NoError(s.DbPool.QueryRow(s.Ctx, `SELECT count(*) FROM appointments`).Scan(&appts))
	s.Equal(1, appts)
}

func (s *RepositorySuite) TestCancelFreesSlotForRebooking() {
	s.seedPatient(1)
	s.seedPatient(2)
	s.seedDoctor(3)
	at := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	slotID, err := s.service.CreateSlot(s.Ctx, 3, at, nil, "")
	s.Require().NoError(err)

	apptID, err := s.service.BookAppointment(s.Ctx, 1, 3, at, nil, "")
	s.Require().NoError(err)

	s.Require().NoError(s.service.CancelAppointment(s.Ctx, apptID, nil, ""))
	s.False(s.slotBooked(slotID))

	_, err = s.service.BookAppointment(s.Ctx, 2, 3, at, nil, "")
	s.Require().NoError(err)
	s.True(s.slotBooked(slotID))
}

func (s *RepositorySuite) TestDuplicateSlotRejected() {
	s.seedDoctor(1)
	at := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	_, err := s.service.CreateSlot(s.Ctx, 1, at, nil, "")
	s.Require().NoError(err)

	_, err = s.service.CreateSlot(s.Ctx, 1, at, nil, "")
	s.Require().ErrorIs(err, domain.ErrSlotExists)
}

func (s *RepositorySuite) TestTreatmentsDriveBillingTotal() {
	s.seedPatient(1)
	s.seedDoctor(2)
	at := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	_, err := s.service.CreateSlot(s.Ctx, 2, at, nil, "")
	s.Require().NoError(err)
	apptID, err := s.service.BookAppointment(s.Ctx, 1, 2, at, nil, "")
	s.Require().NoError(err)
	s.Require().NoError(s.service.CompleteAppointment(s.Ctx, apptID, nil, ""))

	_, err = s.service.AddTreatment(s.Ctx, apptID, "x-ray", 2500, nil, "")
	s.Require().NoError(err)
	_, err = s.service.AddTreatment(s.Ctx, apptID, "consultation", 5000, nil, "")
	s.Require().NoError(err)

	var total int64
	s.Require().NoError(s.DbPool.QueryRow(s.Ctx, `SELECT total_cents FROM patient_billing WHERE patient_id = 1`).Scan(&total))
	s.Equal(int64(7500), total)

	bill, err := s.service.GenerateBill(s.Ctx, 1, nil, "")
	s.Require().NoError(err)
	s.Equal(int64(7500), bill.TotalCents)

	again, err := s.service.GenerateBill(s.Ctx, 1, nil, "")
	s.Require().NoError(err)
	s.Equal(bill.TotalCents, again.TotalCents)
	s.NotEqual(bill.ID, again.ID)
}

func (s *RepositorySuite) TestBillForPatientWithoutTreatments() {
	s.seedPatient(1)

	bill, err := s.service.GenerateBill(s.Ctx, 1, nil, "")
	s.Require().NoError(err)
	s.Zero(bill.TotalCents)
}

func (s *RepositorySuite) TestTreatmentOnCancelledAppointmentRejected() {
	s.seedPatient(1)
	s.seedDoctor(2)
	at := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)

	_, err := s.service.CreateSlot(s.Ctx, 2, at, nil, "")
	s.Require().NoError(err)
	apptID, err := s.service.BookAppointment(s.Ctx, 1, 2, at, nil, "")
	s.Require().NoError(err)
	s.Require().NoError(s.service.CancelAppointment(s.Ctx, apptID, nil, ""))

	_, err = s.service.AddTreatment(s.Ctx, apptID, "x-ray", 2500, nil, "")
	s.Require().ErrorIs(err, domain.ErrInvalidTransition)

	var treatments int
	s.Require().NoError(s.DbPool.QueryRow(s.Ctx, `SELECT count(*) FROM treatments`).Scan(&treatments))
	s.Zero(treatments)
}

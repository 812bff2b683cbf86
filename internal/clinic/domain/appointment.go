package domain

import "time"

type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "scheduled"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
)

type Appointment struct {
	ID        int64
	PatientID int64
	DoctorID  int64
	SlotID    int64
	SlotTime  time.Time
	Status    AppointmentStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Treatment struct {
	ID            int64
	AppointmentID int64
	Description   string
	CostCents     int64
	CreatedAt     time.Time
}

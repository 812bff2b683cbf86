package domain

import "time"

type SlotCreated struct {
	SlotID   int64
	DoctorID int64
	SlotTime time.Time
}

type AppointmentBooked struct {
	AppointmentID int64
	PatientID     int64
	DoctorID      int64
	SlotTime      time.Time
}

type AppointmentCancelled struct {
	AppointmentID int64
	PatientID     int64
}

type AppointmentCompleted struct {
	AppointmentID int64
}

type TreatmentRecorded struct {
	TreatmentID       int64
	AppointmentID     int64
	PatientID         int64
	CostCents         int64
	BillingTotalCents int64
}

type BillGenerated struct {
	BillID     int64
	PatientID  int64
	TotalCents int64
}

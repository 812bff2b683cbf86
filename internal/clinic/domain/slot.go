package domain

import "time"

// DoctorSlot is a binary resource: at most one appointment may ever hold it.
// (doctor_id, slot_time) is unique.
type DoctorSlot struct {
	ID       int64
	DoctorID int64
	SlotTime time.Time
	IsBooked bool
}

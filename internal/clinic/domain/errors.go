package domain

import "errors"

var (
	// ErrSlotNotFound: no slot exists for the doctor at the requested time.
	ErrSlotNotFound = errors.New("no slot for doctor at requested time")
	// ErrNoSlot: the slot exists but is already booked.
	ErrNoSlot = errors.New("slot already booked")

	ErrSlotExists          = errors.New("slot already exists for doctor at this time")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrPatientNotFound     = errors.New("patient not found")
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrActorNotFound       = errors.New("actor not found")
	ErrInvalidTransition   = errors.New("appointment status transition not allowed")
	ErrInvalidCost         = errors.New("treatment cost must not be negative")

	// ErrBusy means a row lock could not be acquired within the bounded
	// wait. Callers may retry.
	ErrBusy = errors.New("resource busy, retry later")
)

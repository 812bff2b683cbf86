package domain

import "time"

// Bill is an append-only snapshot of the patient's treatment costs at
// generation time. Generating twice without new treatments yields two bills
// with identical totals.
type Bill struct {
	ID         int64
	PatientID  int64
	TotalCents int64
	CreatedAt  time.Time
}

// BillingTotal is the derived aggregate kept per patient. It is overwritten
// from the treatment rows on every change, never incremented.
type BillingTotal struct {
	PatientID  int64
	TotalCents int64
	UpdatedAt  time.Time
}

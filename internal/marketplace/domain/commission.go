package domain

import "time"

// CommissionRate is the platform's cut of vendor sales, in percent.
const CommissionRate = 10

// CommissionRecord is the latest computed commission for a vendor month.
// Recomputing the same (vendor, month) replaces the prior value.
type CommissionRecord struct {
	VendorID        int64
	Month           string // "2006-01"
	TotalSalesCents int64
	CommissionCents int64
	ComputedAt      time.Time
}

const MonthLayout = "2006-01"

func ParseMonth(s string) (time.Time, error) {
	return time.Parse(MonthLayout, s)
}

package domain

import "time"

type Product struct {
	ID         int64
	VendorID   int64
	Name       string
	PriceCents int64
	Stock      int
	AvgRating  float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ProductUpdate is an owner edit. Nil fields are left untouched;
// StockDelta may be negative but must not take stock below zero.
type ProductUpdate struct {
	PriceCents *int64
	StockDelta *int
}

func (u ProductUpdate) Empty() bool {
	return u.PriceCents == nil && u.StockDelta == nil
}

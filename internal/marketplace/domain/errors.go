package domain

import "errors"

var (
	ErrProductNotFound   = errors.New("product not found")
	ErrOrderNotFound     = errors.New("order not found")
	ErrVendorNotFound    = errors.New("vendor not found")
	ErrActorNotFound     = errors.New("actor not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrNotEligible       = errors.New("customer has no delivered order for this product")
	ErrInvalidRating     = errors.New("rating must be between 1 and 5")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrInvalidMonth      = errors.New("month must be formatted as YYYY-MM")
	ErrInvalidUpdate     = errors.New("no fields to update")
	ErrInvalidTransition = errors.New("order status transition not allowed")

	// ErrBusy means a row lock could not be acquired within the bounded
	// wait. Callers may retry; every other error above is final.
	ErrBusy = errors.New("resource busy, retry later")
)

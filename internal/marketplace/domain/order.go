package domain

import "time"

type OrderStatus string

const (
	StatusPlaced    OrderStatus = "placed"
	StatusShipped   OrderStatus = "shipped"
	StatusDelivered OrderStatus = "delivered"
	StatusCancelled OrderStatus = "cancelled"
)

type Order struct {
	ID         int64
	CustomerID int64
	Status     OrderStatus
	TotalCents int64
	Items      []OrderItem
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// OrderItem carries the price the product had when the order was placed.
// Later price edits must not change an existing order.
type OrderItem struct {
	ProductID  int64
	Quantity   int
	PriceCents int64
}

// OrderLine is the requested (product, quantity) pair before pricing.
type OrderLine struct {
	ProductID int64
	Quantity  int
}

func NewOrder(customerID int64, items []OrderItem) Order {
	var total int64
	for _, item := range items {
		total += int64(item.Quantity) * item.PriceCents
	}
	now := time.Now().UTC()
	return Order{
		CustomerID: customerID,
		Status:     StatusPlaced,
		TotalCents: total,
		Items:      items,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

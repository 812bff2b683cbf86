package domain

type OrderPlaced struct {
	OrderID    int64
	CustomerID int64
	TotalCents int64
	Items      []OrderItem
}

type OrderCancelled struct {
	OrderID    int64
	CustomerID int64
	Items      []OrderItem
}

type OrderDelivered struct {
	OrderID int64
}

type ReviewAdded struct {
	ReviewID  int64
	ProductID int64
	Rating    int
	AvgRating float64
}

type CommissionComputed struct {
	VendorID        int64
	Month           string
	TotalSalesCents int64
	CommissionCents int64
}

type ProductCreated struct {
	ProductID  int64
	VendorID   int64
	Name       string
	PriceCents int64
	Stock      int
}

type ProductUpdated struct {
	ProductID  int64
	VendorID   int64
	PriceCents int64
	Stock      int
}

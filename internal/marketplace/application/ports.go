package application

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/reservio/reservation-platform/internal/marketplace/domain"
)

// TxBeginner is satisfied by *pgxpool.Pool. The service owns the transaction
// so the ordering of reserve, insert, audit and outbox steps stays explicit.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type ProductRepository interface {
	CreateProduct(ctx context.Context, tx pgx.Tx, p *domain.Product) error
	// ReserveStock locks the product row, checks availability and decrements
	// stock as one atomic step. Returns the product as it was at reservation
	// time, so callers can snapshot the price.
	ReserveStock(ctx context.Context, tx pgx.Tx, productID int64, qty int) (domain.Product, error)
	RestoreStock(ctx context.Context, tx pgx.Tx, productID int64, qty int) error
	Update(ctx context.Context, tx pgx.Tx, vendorID, productID int64, upd domain.ProductUpdate) (domain.Product, error)
	// RecomputeAvgRating overwrites the product's average from its current
	// reviews, rounded to one decimal.
	RecomputeAvgRating(ctx context.Context, tx pgx.Tx, productID int64) (float64, error)
	GetProduct(ctx context.Context, productID int64) (domain.Product, error)
}

type OrderRepository interface {
	Create(ctx context.Context, tx pgx.Tx, o *domain.Order) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, orderID int64) (domain.Order, error)
	ChangeStatus(ctx context.Context, tx pgx.Tx, orderID int64, from []domain.OrderStatus, to domain.OrderStatus) error
	GetOrder(ctx context.Context, orderID int64) (domain.Order, error)
	// HasDeliveredItem reports whether the customer has at least one
	// delivered order line for the product.
	HasDeliveredItem(ctx context.Context, tx pgx.Tx, customerID, productID int64) (bool, error)
}

type ReviewRepository interface {
	CreateReview(ctx context.Context, tx pgx.Tx, r *domain.Review) error
}

type CommissionRepository interface {
	// Recompute derives the commission for [from, to) from current order
	// items and upserts the (vendor, month) row.
	Recompute(ctx context.Context, tx pgx.Tx, vendorID int64, month string, from, to time.Time) (domain.CommissionRecord, error)
}

type AuditRepository interface {
	Record(ctx context.Context, tx pgx.Tx, e domain.AuditEntry) error
}

type OutboxRepository interface {
	Insert(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, eventType string, payload []byte, headers map[string]string, traceparent string) error
}

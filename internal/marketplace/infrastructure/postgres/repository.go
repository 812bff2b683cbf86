package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/reservio/reservation-platform/internal/marketplace/domain"
)

const (
	codeLockNotAvailable = "55P03"
	codeDeadlockDetected = "40P01"
	codeFKViolation      = "23503"
)

type Repository struct {
	log         *slog.Logger
	pool        *pgxpool.Pool
	lockTimeout time.Duration
	tracer      trace.Tracer
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool, lockTimeout time.Duration) *Repository {
	return &Repository{
		log:         log,
		pool:        pool,
		lockTimeout: lockTimeout,
		tracer:      otel.Tracer("marketplace_repository"),
	}
}

// setLockTimeout bounds FOR UPDATE waits for the rest of the transaction so
// contended rows surface as ErrBusy instead of blocking indefinitely.
func (r *Repository) setLockTimeout(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds()))
	return err
}

// mapLockError turns lock timeouts and deadlock aborts into ErrBusy so
// callers retry instead of treating contention as a server fault.
func mapLockError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeLockNotAvailable, codeDeadlockDetected:
			return domain.ErrBusy
		}
	}
	return err
}

func (r *Repository) CreateProduct(ctx context.Context, tx pgx.Tx, p *domain.Product) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO products (vendor_id, name, price_cents, stock, avg_rating, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, now(), now())
		RETURNING id, created_at, updated_at
	`, p.VendorID, p.Name, p.PriceCents, p.Stock).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeFKViolation {
			return domain.ErrVendorNotFound
		}
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

// ReserveStock locks the product row, verifies availability and decrements
// it, all under the same row lock. Two concurrent reservations for the same
// product serialize here.
func (r *Repository) ReserveStock(ctx context.Context, tx pgx.Tx, productID int64, qty int) (domain.Product, error) {
	ctx, span := r.tracer.Start(ctx, "MarketplaceRepository.ReserveStock")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("product_id", productID),
		attribute.Int("quantity", qty),
	)

	if err := r.setLockTimeout(ctx, tx); err != nil {
		return domain.Product{}, err
	}

	var p domain.Product
	err := tx.QueryRow(ctx, `
		SELECT id, vendor_id, name, price_cents, stock, avg_rating
		FROM products
		WHERE id = $1
		FOR UPDATE
	`, productID).Scan(&p.ID, &p.VendorID, &p.Name, &p.PriceCents, &p.Stock, &p.AvgRating)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		span.RecordError(err)
		return domain.Product{}, mapLockError(err)
	}

	if p.Stock < qty {
		return domain.Product{}, domain.ErrInsufficientStock
	}

	if _, err := tx.Exec(ctx, `UPDATE products SET stock = stock - $2, updated_at = now() WHERE id = $1`, productID, qty); err != nil {
		span.RecordError(err)
		return domain.Product{}, err
	}
	p.Stock -= qty
	return p, nil
}

func (r *Repository) RestoreStock(ctx context.Context, tx pgx.Tx, productID int64, qty int) error {
	ct, err := tx.Exec(ctx, `UPDATE products SET stock = stock + $2, updated_at = now() WHERE id = $1`, productID, qty)
	if err != nil {
		return mapLockError(err)
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrProductNotFound
	}
	return nil
}

func (r *Repository) Update(ctx context.Context, tx pgx.Tx, vendorID, productID int64, upd domain.ProductUpdate) (domain.Product, error) {
	ctx, span := r.tracer.Start(ctx, "MarketplaceRepository.UpdateProduct")
	defer span.End()
	span.SetAttributes(attribute.Int64("product_id", productID))

	if err := r.setLockTimeout(ctx, tx); err != nil {
		return domain.Product{}, err
	}

	var p domain.Product
	err := tx.QueryRow(ctx, `
		SELECT id, vendor_id, name, price_cents, stock, avg_rating
		FROM products
		WHERE id = $1 AND vendor_id = $2
		FOR UPDATE
	`, productID, vendorID).Scan(&p.ID, &p.VendorID, &p.Name, &p.PriceCents, &p.Stock, &p.AvgRating)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, mapLockError(err)
	}

	if upd.PriceCents != nil {
		p.PriceCents = *upd.PriceCents
	}
	if upd.StockDelta != nil {
		if p.Stock+*upd.StockDelta < 0 {
			return domain.Product{}, domain.ErrInsufficientStock
		}
		p.Stock += *upd.StockDelta
	}

	if _, err := tx.Exec(ctx, `UPDATE products SET price_cents = $2, stock = $3, updated_at = now() WHERE id = $1`,
		p.ID, p.PriceCents, p.Stock); err != nil {
		span.RecordError(err)
		return domain.Product{}, err
	}
	return p, nil
}

func (r *Repository) RecomputeAvgRating(ctx context.Context, tx pgx.Tx, productID int64) (float64, error) {
	var avg float64
	err := tx.QueryRow(ctx, `
		UPDATE products
		SET avg_rating = COALESCE((SELECT ROUND(AVG(rating)::numeric, 1) FROM reviews WHERE product_id = $1), 0),
		    updated_at = now()
		WHERE id = $1
		RETURNING avg_rating
	`, productID).Scan(&avg)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrProductNotFound
		}
		return 0, err
	}
	return avg, nil
}

func (r *Repository) GetProduct(ctx context.Context, productID int64) (domain.Product, error) {
	var p domain.Product
	err := r.pool.QueryRow(ctx, `
		SELECT id, vendor_id, name, price_cents, stock, avg_rating, created_at, updated_at
		FROM products
		WHERE id = $1
	`, productID).Scan(&p.ID, &p.VendorID, &p.Name, &p.PriceCents, &p.Stock, &p.AvgRating, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, err
	}
	return p, nil
}

func (r *Repository) Create(ctx context.Context, tx pgx.Tx, o *domain.Order) error {
	ctx, span := r.tracer.Start(ctx, "MarketplaceRepository.CreateOrder")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("customer_id", o.CustomerID),
		attribute.Int("items_count", len(o.Items)),
	)

	err := tx.QueryRow(ctx, `
		INSERT INTO orders (customer_id, status, total_cents, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		RETURNING id, created_at, updated_at
	`, o.CustomerID, string(o.Status), o.TotalCents).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeFKViolation {
			return domain.ErrActorNotFound
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for _, item := range o.Items {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, price_cents)
			VALUES ($1, $2, $3, $4)
		`, o.ID, item.ProductID, item.Quantity, item.PriceCents); err != nil {
			span.RecordError(err)
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, orderID int64) (domain.Order, error) {
	if err := r.setLockTimeout(ctx, tx); err != nil {
		return domain.Order{}, err
	}

	var o domain.Order
	var status string
	err := tx.QueryRow(ctx, `
		SELECT id, customer_id, status, total_cents, created_at, updated_at
		FROM orders
		WHERE id = $1
		FOR UPDATE
	`, orderID).Scan(&o.ID, &o.CustomerID, &status, &o.TotalCents, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, mapLockError(err)
	}
	o.Status = domain.OrderStatus(status)

	items, err := r.itemsOf(ctx, tx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	o.Items = items
	return o, nil
}

func (r *Repository) itemsOf(ctx context.Context, tx pgx.Tx, orderID int64) ([]domain.OrderItem, error) {
	rows, err := tx.Query(ctx, `SELECT product_id, quantity, price_cents FROM order_items WHERE order_id = $1`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.PriceCents); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *Repository) ChangeStatus(ctx context.Context, tx pgx.Tx, orderID int64, from []domain.OrderStatus, to domain.OrderStatus) error {
	allowed := make([]string, 0, len(from))
	for _, s := range from {
		allowed = append(allowed, string(s))
	}

	ct, err := tx.Exec(ctx, `UPDATE orders SET status = $2, updated_at = now() WHERE id = $1 AND status = ANY($3)`,
		orderID, string(to), allowed)
	if err != nil {
		return mapLockError(err)
	}
	if ct.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, orderID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domain.ErrOrderNotFound
		}
		return domain.ErrInvalidTransition
	}
	return nil
}

func (r *Repository) GetOrder(ctx context.Context, orderID int64) (domain.Order, error) {
	var o domain.Order
	var status string
	err := r.pool.QueryRow(ctx, `
		SELECT id, customer_id, status, total_cents, created_at, updated_at
		FROM orders
		WHERE id = $1
	`, orderID).Scan(&o.ID, &o.CustomerID, &status, &o.TotalCents, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, err
	}
	o.Status = domain.OrderStatus(status)

	rows, err := r.pool.Query(ctx, `SELECT product_id, quantity, price_cents FROM order_items WHERE order_id = $1`, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.PriceCents); err != nil {
			return domain.Order{}, err
		}
		o.Items = append(o.Items, item)
	}
	return o, rows.Err()
}

func (r *Repository) HasDeliveredItem(ctx context.Context, tx pgx.Tx, customerID, productID int64) (bool, error) {
	var eligible bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM order_items oi
			JOIN orders o ON o.id = oi.order_id
			WHERE o.customer_id = $1
			  AND oi.product_id = $2
			  AND o.status = 'delivered'
		)
	`, customerID, productID).Scan(&eligible)
	return eligible, err
}

func (r *Repository) CreateReview(ctx context.Context, tx pgx.Tx, rev *domain.Review) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO reviews (product_id, customer_id, rating, comment, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING id, created_at
	`, rev.ProductID, rev.CustomerID, rev.Rating, rev.Comment).Scan(&rev.ID, &rev.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeFKViolation {
			return domain.ErrProductNotFound
		}
		return fmt.Errorf("insert review: %w", err)
	}
	return nil
}

// Recompute derives commission from the month's order items and replaces the
// (vendor, month) row. No matching items means a zero-valued row, not an
// error; cancelled orders do not count as sales.
func (r *Repository) Recompute(ctx context.Context, tx pgx.Tx, vendorID int64, month string, from, to time.Time) (domain.CommissionRecord, error) {
	ctx, span := r.tracer.Start(ctx, "MarketplaceRepository.RecomputeCommission")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("vendor_id", vendorID),
		attribute.String("month", month),
	)

	rec := domain.CommissionRecord{VendorID: vendorID, Month: month}
	err := tx.QueryRow(ctx, `
		WITH sales AS (
			SELECT COALESCE(SUM(oi.quantity * oi.price_cents), 0) AS total
			FROM order_items oi
			JOIN orders o ON o.id = oi.order_id
			JOIN products p ON p.id = oi.product_id
			WHERE p.vendor_id = $1
			  AND o.created_at >= $2
			  AND o.created_at < $3
			  AND o.status <> 'cancelled'
		)
		INSERT INTO vendor_commissions (vendor_id, month, total_sales_cents, commission_cents, computed_at)
		SELECT $1, $4, total, total * $5 / 100, now() FROM sales
		ON CONFLICT (vendor_id, month) DO UPDATE
		SET total_sales_cents = EXCLUDED.total_sales_cents,
		    commission_cents  = EXCLUDED.commission_cents,
		    computed_at       = EXCLUDED.computed_at
		RETURNING total_sales_cents, commission_cents, computed_at
	`, vendorID, from, to, month, domain.CommissionRate).Scan(&rec.TotalSalesCents, &rec.CommissionCents, &rec.ComputedAt)
	if err != nil {
		span.RecordError(err)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeFKViolation {
			return domain.CommissionRecord{}, domain.ErrVendorNotFound
		}
		return domain.CommissionRecord{}, fmt.Errorf("recompute commission: %w", err)
	}
	return rec, nil
}

// Record verifies the actor exists before appending, so an unknown actor
// fails the whole enclosing transaction.
func (r *Repository) Record(ctx context.Context, tx pgx.Tx, e domain.AuditEntry) error {
	var actorTable string
	switch e.ActorKind {
	case domain.ActorCustomer:
		actorTable = "customers"
	case domain.ActorVendor:
		actorTable = "vendors"
	default:
		return domain.ErrActorNotFound
	}

	var exists bool
	if err := tx.QueryRow(ctx, fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, actorTable), e.ActorID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return domain.ErrActorNotFound
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO audit_log (actor_kind, actor_id, action, entity, entity_id, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, string(e.ActorKind), e.ActorID, e.Action, e.Entity, e.EntityID)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

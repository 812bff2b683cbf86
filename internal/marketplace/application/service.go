package application

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/reservio/reservation-platform/internal/marketplace/domain"
)

// Service orchestrates marketplace writes. Every mutating method runs as a
// single transaction: reserve or lock, write the dependent record, append an
// audit entry, append the outbox event, commit. Any failed step rolls the
// whole unit back.
type Service struct {
	db          TxBeginner
	log         *slog.Logger
	products    ProductRepository
	orders      OrderRepository
	reviews     ReviewRepository
	commissions CommissionRepository
	audit       AuditRepository
	outbox      OutboxRepository
	tracer      trace.Tracer
}

func NewService(db TxBeginner, log *slog.Logger, products ProductRepository, orders OrderRepository, reviews ReviewRepository, commissions CommissionRepository, audit AuditRepository, outbox OutboxRepository) *Service {
	return &Service{
		db:          db,
		log:         log,
		products:    products,
		orders:      orders,
		reviews:     reviews,
		commissions: commissions,
		audit:       audit,
		outbox:      outbox,
		tracer:      otel.Tracer("marketplace_service"),
	}
}

func (s *Service) rollback(ctx context.Context, tx pgx.Tx) {
	shutdownCtx := context.WithoutCancel(ctx)
	if err := tx.Rollback(shutdownCtx); err != nil && err != pgx.ErrTxClosed {
		s.log.Warn("rollback failed", "err", err)
	}
}

// CreateProduct registers a vendor's product with its initial stock.
func (s *Service) CreateProduct(ctx context.Context, vendorID int64, name string, priceCents int64, stock int, headers map[string]string, traceparent string) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "MarketplaceService.CreateProduct")
	defer span.End()
	span.SetAttributes(attribute.Int64("vendor_id", vendorID))

	if priceCents <= 0 || stock < 0 {
		return 0, domain.ErrInvalidUpdate
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer s.rollback(ctx, tx)

	p := domain.Product{VendorID: vendorID, Name: name, PriceCents: priceCents, Stock: stock}
	if err := s.products.CreateProduct(ctx, tx, &p); err != nil {
		span.RecordError(err)
		return 0, err
	}

	if err := s.audit.Record(ctx, tx, domain.AuditEntry{
		ActorKind: domain.ActorVendor,
		ActorID:   vendorID,
		Action:    "product.create",
		Entity:    "product",
		EntityID:  p.ID,
	}); err != nil {
		return 0, err
	}

	payload, err := json.Marshal(domain.ProductCreated{
		ProductID:  p.ID,
		VendorID:   vendorID,
		Name:       name,
		PriceCents: priceCents,
		Stock:      stock,
	})
	if err != nil {
		return 0, err
	}
	if err := s.outbox.Insert(ctx, tx, "product", strconv.FormatInt(p.ID, 10), "ProductCreated", payload, headers, traceparent); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return p.ID, nil
}

// PlaceOrder reserves stock for every line, creates the order with the
// prices captured at reservation time and records audit and outbox entries.
func (s *Service) PlaceOrder(ctx context.Context, customerID int64, lines []domain.OrderLine, headers map[string]string, traceparent string) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "MarketplaceService.PlaceOrder")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("customer_id", customerID),
		attribute.Int("lines", len(lines)),
	)

	if len(lines) == 0 {
		return 0, domain.ErrInvalidQuantity
	}
	for _, l := range lines {
		if l.Quantity <= 0 {
			return 0, domain.ErrInvalidQuantity
		}
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer s.rollback(ctx, tx)

	// Reserve in ascending product order so two orders sharing products
	// always take their row locks in the same sequence.
	reserve := make([]domain.OrderLine, len(lines))
	copy(reserve, lines)
	slices.SortFunc(reserve, func(a, b domain.OrderLine) int {
		return cmp.Compare(a.ProductID, b.ProductID)
	})

	items := make([]domain.OrderItem, 0, len(reserve))
	for _, l := range reserve {
		p, err := s.products.ReserveStock(ctx, tx, l.ProductID, l.Quantity)
		if err != nil {
			span.RecordError(err)
			return 0, err
		}
		items = append(items, domain.OrderItem{
			ProductID:  l.ProductID,
			Quantity:   l.Quantity,
			PriceCents: p.PriceCents,
		})
	}

	o := domain.NewOrder(customerID, items)
	if err := s.orders.Create(ctx, tx, &o); err != nil {
		span.RecordError(err)
		return 0, err
	}

	if err := s.audit.Record(ctx, tx, domain.AuditEntry{
		ActorKind: domain.ActorCustomer,
		ActorID:   customerID,
		Action:    "order.place",
		Entity:    "order",
		EntityID:  o.ID,
	}); err != nil {
		return 0, err
	}

	payload, err := json.Marshal(domain.OrderPlaced{
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		TotalCents: o.TotalCents,
		Items:      o.Items,
	})
	if err != nil {
		return 0, err
	}
	if err := s.outbox.Insert(ctx, tx, "order", strconv.FormatInt(o.ID, 10), "OrderPlaced", payload, headers, traceparent); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	s.log.Info("order placed", "order_id", o.ID, "customer_id", customerID, "total_cents", o.TotalCents)
	return o.ID, nil
}

// CancelOrder restores the reserved stock of every line and transitions the
// order to cancelled in the same transaction.
func (s *Service) CancelOrder(ctx context.Context, customerID, orderID int64, headers map[string]string, traceparent string) error {
	ctx, span := s.tracer.Start(ctx, "MarketplaceService.CancelOrder")
	defer span.End()
	span.SetAttributes(attribute.Int64("order_id", orderID))

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer s.rollback(ctx, tx)

	o, err := s.orders.GetForUpdate(ctx, tx, orderID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if o.Status == domain.StatusCancelled || o.Status == domain.StatusDelivered {
		return domain.ErrInvalidTransition
	}

	for _, item := range o.Items {
		if err := s.products.RestoreStock(ctx, tx, item.ProductID, item.Quantity); err != nil {
			return err
		}
	}
	if err := s.orders.ChangeStatus(ctx, tx, orderID, []domain.OrderStatus{domain.StatusPlaced, domain.StatusShipped}, domain.StatusCancelled); err != nil {
		return err
	}

	if err := s.audit.Record(ctx, tx, domain.AuditEntry{
		ActorKind: domain.ActorCustomer,
		ActorID:   customerID,
		Action:    "order.cancel",
		Entity:    "order",
		EntityID:  orderID,
	}); err != nil {
		return err
	}

	payload, err := json.Marshal(domain.OrderCancelled{OrderID: orderID, CustomerID: o.CustomerID, Items: o.Items})
	if err != nil {
		return err
	}
	if err := s.outbox.Insert(ctx, tx, "order", strconv.FormatInt(orderID, 10), "OrderCancelled", payload, headers, traceparent); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.log.Info("order cancelled", "order_id", orderID)
	return nil
}

// MarkOrderDelivered records fulfilment; a delivered line is what the review
// eligibility gate looks for.
func (s *Service) MarkOrderDelivered(ctx context.Context, vendorID, orderID int64, headers map[string]string, traceparent string) error {
	ctx, span := s.tracer.Start(ctx, "MarketplaceService.MarkOrderDelivered")
	defer span.End()
	span.SetAttributes(attribute.Int64("order_id", orderID))

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer s.rollback(ctx, tx)

	if err := s.orders.ChangeStatus(ctx, tx, orderID, []domain.OrderStatus{domain.StatusPlaced, domain.StatusShipped}, domain.StatusDelivered); err != nil {
		span.RecordError(err)
		return err
	}

	if err := s.audit.Record(ctx, tx, domain.AuditEntry{
		ActorKind: domain.ActorVendor,
		ActorID:   vendorID,
		Action:    "order.deliver",
		Entity:    "order",
		EntityID:  orderID,
	}); err != nil {
		return err
	}

	payload, err := json.Marshal(domain.OrderDelivered{OrderID: orderID})
	if err != nil {
		return err
	}
	if err := s.outbox.Insert(ctx, tx, "order", strconv.FormatInt(orderID, 10), "OrderDelivered", payload, headers, traceparent); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// AddReview checks the eligibility gate before any write, inserts the review
// and recomputes the product's average rating in the same transaction.
func (s *Service) AddReview(ctx context.Context, customerID, productID int64, rating int, comment string, headers map[string]string, traceparent string) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "MarketplaceService.AddReview")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("customer_id", customerID),
		attribute.Int64("product_id", productID),
		attribute.Int("rating", rating),
	)

	if !domain.ValidRating(rating) {
		return 0, domain.ErrInvalidRating
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer s.rollback(ctx, tx)

	eligible, err := s.orders.HasDeliveredItem(ctx, tx, customerID, productID)
	if err != nil {
		return 0, err
	}
	if !eligible {
		return 0, domain.ErrNotEligible
	}

	r := domain.Review{
		ProductID:  productID,
		CustomerID: customerID,
		Rating:     rating,
		Comment:    comment,
	}
	if err := s.reviews.CreateReview(ctx, tx, &r); err != nil {
		span.RecordError(err)
		return 0, err
	}

	avg, err := s.products.RecomputeAvgRating(ctx, tx, productID)
	if err != nil {
		return 0, err
	}

	if err := s.audit.Record(ctx, tx, domain.AuditEntry{
		ActorKind: domain.ActorCustomer,
		ActorID:   customerID,
		Action:    "review.add",
		Entity:    "review",
		EntityID:  r.ID,
	}); err != nil {
		return 0, err
	}

	payload, err := json.Marshal(domain.ReviewAdded{ReviewID: r.ID, ProductID: productID, Rating: rating, AvgRating: avg})
	if err != nil {
		return 0, err
	}
	if err := s.outbox.Insert(ctx, tx, "review", strconv.FormatInt(r.ID, 10), "ReviewAdded", payload, headers, traceparent); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	s.log.Info("review added", "review_id", r.ID, "product_id", productID, "avg_rating", avg)
	return r.ID, nil
}

// UpdateProduct applies an owner's price/stock edit with an audit entry.
func (s *Service) UpdateProduct(ctx context.Context, vendorID, productID int64, upd domain.ProductUpdate, headers map[string]string, traceparent string) (domain.Product, error) {
	ctx, span := s.tracer.Start(ctx, "MarketplaceService.UpdateProduct")
	defer span.End()
	span.SetAttributes(attribute.Int64("product_id", productID))

	if upd.Empty() {
		return domain.Product{}, domain.ErrInvalidUpdate
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return domain.Product{}, fmt.Errorf("begin: %w", err)
	}
	defer s.rollback(ctx, tx)

	p, err := s.products.Update(ctx, tx, vendorID, productID, upd)
	if err != nil {
		span.RecordError(err)
		return domain.Product{}, err
	}

	if err := s.audit.Record(ctx, tx, domain.AuditEntry{
		ActorKind: domain.ActorVendor,
		ActorID:   vendorID,
		Action:    "product.update",
		Entity:    "product",
		EntityID:  productID,
	}); err != nil {
		return domain.Product{}, err
	}

	payload, err := json.Marshal(domain.ProductUpdated{
		ProductID:  p.ID,
		VendorID:   p.VendorID,
		PriceCents: p.PriceCents,
		Stock:      p.Stock,
	})
	if err != nil {
		return domain.Product{}, err
	}
	if err := s.outbox.Insert(ctx, tx, "product", strconv.FormatInt(productID, 10), "ProductUpdated", payload, headers, traceparent); err != nil {
		return domain.Product{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Product{}, fmt.Errorf("commit: %w", err)
	}
	return p, nil
}

// CalculateCommission recomputes the vendor's commission for a month from
// current order items. An empty month yields zeros, not an error. The
// (vendor, month) row holds the latest value, replaced on every recompute.
func (s *Service) CalculateCommission(ctx context.Context, vendorID int64, month string, headers map[string]string, traceparent string) (domain.CommissionRecord, error) {
	ctx, span := s.tracer.Start(ctx, "MarketplaceService.CalculateCommission")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("vendor_id", vendorID),
		attribute.String("month", month),
	)

	start, err := domain.ParseMonth(month)
	if err != nil {
		return domain.CommissionRecord{}, domain.ErrInvalidMonth
	}
	end := start.AddDate(0, 1, 0)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return domain.CommissionRecord{}, fmt.Errorf("begin: %w", err)
	}
	defer s.rollback(ctx, tx)

	rec, err := s.commissions.Recompute(ctx, tx, vendorID, month, start, end)
	if err != nil {
		span.RecordError(err)
		return domain.CommissionRecord{}, err
	}

	if err := s.audit.Record(ctx, tx, domain.AuditEntry{
		ActorKind: domain.ActorVendor,
		ActorID:   vendorID,
		Action:    "commission.calculate",
		Entity:    "commission",
		EntityID:  vendorID,
	}); err != nil {
		return domain.CommissionRecord{}, err
	}

	payload, err := json.Marshal(domain.CommissionComputed{
		VendorID:        rec.VendorID,
		Month:           rec.Month,
		TotalSalesCents: rec.TotalSalesCents,
		CommissionCents: rec.CommissionCents,
	})
	if err != nil {
		return domain.CommissionRecord{}, err
	}
	if err := s.outbox.Insert(ctx, tx, "commission", strconv.FormatInt(vendorID, 10), "CommissionComputed", payload, headers, traceparent); err != nil {
		return domain.CommissionRecord{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.CommissionRecord{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID int64) (domain.Order, error) {
	return s.orders.GetOrder(ctx, orderID)
}

func (s *Service) GetProduct(ctx context.Context, productID int64) (domain.Product, error) {
	return s.products.GetProduct(ctx, productID)
}

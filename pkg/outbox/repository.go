package outbox

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Repository appends events to the outbox table inside the caller's
// transaction, so the event becomes visible only if the business write
// commits.
type Repository struct{}

func NewRepository() *Repository { return &Repository{} }

func (Repository) Insert(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, eventType string, payload []byte, headers map[string]string, traceparent string) error {
	if headers == nil {
		headers = map[string]string{}
	}
	_, err := tx.Exec(ctx, `INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, headers, traceparent, status)
		VALUES ($1,$2,$3,$4,$5,$6,'pending')`,
		aggregateType, aggregateID, eventType, payload, headers, traceparent)
	return err
}

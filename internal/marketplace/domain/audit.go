package domain

import "time"

type ActorKind string

const (
	ActorCustomer ActorKind = "customer"
	ActorVendor   ActorKind = "vendor"
)

// AuditEntry is append-only. Entries are written in the same transaction as
// the mutation they describe and are never updated or deleted.
type AuditEntry struct {
	ID        int64
	ActorKind ActorKind
	ActorID   int64
	Action    string
	Entity    string
	EntityID  int64
	CreatedAt time.Time
}

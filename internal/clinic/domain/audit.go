package domain

import "time"

type ActorKind string

const (
	ActorPatient ActorKind = "patient"
	ActorDoctor  ActorKind = "doctor"
)

type AuditEntry struct {
	ID        int64
	ActorKind ActorKind
	ActorID   int64
	Action    string
	Entity    string
	EntityID  int64
	CreatedAt time.Time
}

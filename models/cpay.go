package models

import (
	"time"
)

// IdempotencyRecord stores the first response for an Idempotency-Key so a
// retried submission replays it instead of charging again.
type IdempotencyRecord struct {
	Key         string    `bson:"_id" json:"key" gorm:"primaryKey;size:128"`
	Method      string    `bson:"method" json:"method" gorm:"size:10"`
	Path        string    `bson:"path" json:"path"`
	RequestHash string    `bson:"request_hash" json:"request_hash" gorm:"size:64"`
	Status      int       `bson:"status,omitempty" json:"status,omitempty"`
	Body        string    `bson:"body,omitempty" json:"body,omitempty"`
	Completed   bool      `bson:"completed" json:"completed"`
	CreatedAt   time.Time `bson:"created_at" json:"created_at"`
	ExpiresAt   time.Time `bson:"expires_at" json:"expires_at" gorm:"index"`
}

// LedgerEvent is published whenever a ledger row is written.
type LedgerEvent struct {
	Type      string    `json:"type"` // donation.created, registration.created, recurring.charged, recurring.failed, donation.refunded
	EntityID  string    `json:"entity_id"`
	Name      string    `json:"name,omitempty"`
	Amount    float64   `json:"amount"`
	Status    string    `json:"status"`
	EventID   string    `json:"event_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

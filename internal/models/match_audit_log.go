package models

import (
	"time"

	"github.com/google/uuid"
)

// MatchAuditLog records every link, relink, rejection and unmatchable
// annotation applied to a Payment. Rows are never deleted.
type MatchAuditLog struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	PaymentID       uuid.UUID `gorm:"index"`
	Action          string
	PreviousBooking *string
	NewBooking      *string
	PerformedBy     string
	Reason          string
	CreatedAt       time.Time
}

package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Charge is a billable line item against a Booking (service fee, tax,
// gratuity, adjustment). Linked by reservation number, not row ID.
type Charge struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey"`
	ReservationNo string          `gorm:"index"`
	Amount        decimal.Decimal `gorm:"type:numeric(12,2)"`
	Description   string
	CreatedAt     time.Time
}

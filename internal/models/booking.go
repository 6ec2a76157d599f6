package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Booking is a reservation/job. TotalDue, PaidAmount and Balance are cached
// figures; the sum of Charges and linked Payments is authoritative.
type Booking struct {
	ID              uuid.UUID       `gorm:"type:uuid;primaryKey"`
	ReservationNo   string          `gorm:"uniqueIndex"`
	AccountID       string          `gorm:"index"`
	CustomerName    string          `gorm:"index"`
	TripDate        time.Time       `gorm:"index"`
	TotalDue        decimal.Decimal `gorm:"type:numeric(12,2)"`
	PaidAmount      decimal.Decimal `gorm:"type:numeric(12,2)"`
	Balance         decimal.Decimal `gorm:"type:numeric(12,2)"`
	Cancelled       bool            `gorm:"index"`
	PaymentExcluded bool
	CreatedAt       time.Time
}

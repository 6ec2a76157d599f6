package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Payment statuses. A payment starts unlinked and is either linked to a
// booking, confirmed by a reviewer, or explicitly marked unmatchable
// (e.g. an advance retainer with no booking expected).
const (
	PaymentUnlinked    = "unlinked"
	PaymentAutoLinked  = "auto_linked"
	PaymentConfirmed   = "confirmed"
	PaymentUnmatchable = "unmatchable"
)

// Payment is money received. Amount is signed: negative means a refund or
// reversal. Amount may be null on badly imported rows; those are skipped as
// input errors, never matched.
type Payment struct {
	ID                uuid.UUID           `gorm:"type:uuid;primaryKey"`
	Amount            decimal.NullDecimal `gorm:"type:numeric(12,2)"`
	PaidDate          *time.Time          `gorm:"index"`
	Method            string
	Note              string
	LinkageKey        string `gorm:"index"` // e.g. "DEP-20240308:004521" (batch:sub-reference)
	AccountID         string `gorm:"index"`
	BankTransactionID *uuid.UUID
	ReservationNo     *string `gorm:"index"` // populated once linked to a booking
	Status            string  `gorm:"index"`
	ConfidenceScore   float64
	MatchDetails      datatypes.JSON
	CreatedAt         time.Time
}

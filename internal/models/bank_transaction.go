package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BankTransaction is one bank statement line. A deposit may correspond to a
// single Payment or to an unallocated batch, so the link is optional.
type BankTransaction struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	PostedDate       time.Time `gorm:"index"`
	Description      string
	Amount           decimal.Decimal `gorm:"type:numeric(12,2)"` // positive credit, negative debit
	RunningBalance   decimal.Decimal `gorm:"type:numeric(12,2)"`
	ReferenceNumber  string
	MatchedPaymentID *uuid.UUID `gorm:"index"`
	CreatedAt        time.Time
}

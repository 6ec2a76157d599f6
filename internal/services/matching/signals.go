package matching

import (
	"github.com/shopspring/decimal"

	"charter-reconciliation-backend/internal/models"
)

// SignalKind identifies which matching rule produced a signal.
type SignalKind string

const (
	SignalExactKey      SignalKind = "exact_key"
	SignalAccountDate   SignalKind = "account_date_window"
	SignalAmount        SignalKind = "amount_correlation"
	SignalTextReference SignalKind = "text_reference"
)

// Signal is one piece of evidence tying a payment to a booking.
type Signal struct {
	Kind          SignalKind      `json:"kind"`
	Confidence    float64         `json:"confidence"`
	DateDeltaDays float64         `json:"date_delta_days"`
	AmountDelta   decimal.Decimal `json:"amount_delta"`
	Detail        string          `json:"detail"`
}

// Candidate is a proposed (payment, booking) pair. Confidence and the
// tie-break deltas are filled in by the scorer when signals are merged.
type Candidate struct {
	Booking       models.Booking
	Signals       []Signal
	Confidence    float64
	DateDeltaDays float64
	AmountDelta   decimal.Decimal
}

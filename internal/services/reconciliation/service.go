// Package reconciliation recomputes booking balances from the linked
// charge and payment rows. The sums are ground truth; the cached fields on
// the booking are a derived cache and this package is their only writer.
package reconciliation

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"charter-reconciliation-backend/internal/models"
	"charter-reconciliation-backend/internal/repository"
	"charter-reconciliation-backend/internal/safety"
)

// State is the reconciliation outcome for one booking.
type State string

const (
	StateBalanced              State = "BALANCED"
	StateOverpaid              State = "OVERPAID"
	StateUnderpaid             State = "UNDERPAID"
	StateOrphanCharge          State = "ORPHAN_CHARGE"
	StateZeroChargeWithPayment State = "ZERO_CHARGE_WITH_PAYMENT"
)

// centTolerance is the rounding slack for balance comparison.
var centTolerance = decimal.NewFromFloat(0.01)

// BalanceReport is the result of reconciling one booking. Reconcile is
// idempotent: absent intervening writes, two calls yield identical reports.
type BalanceReport struct {
	ReservationNo  string          `json:"reservation_no"`
	ChargeSum      decimal.Decimal `json:"charge_sum"`
	PaymentSum     decimal.Decimal `json:"payment_sum"`
	Balance        decimal.Decimal `json:"balance"` // charge sum minus payment sum
	CachedTotalDue decimal.Decimal `json:"cached_total_due"`
	CachedPaid     decimal.Decimal `json:"cached_paid"`
	CachedBalance  decimal.Decimal `json:"cached_balance"`
	LinkedPayments int             `json:"linked_payments"`
	State          State           `json:"state"`
	CacheDrift     bool            `json:"cache_drift"`
	Note           string          `json:"note,omitempty"`
}

type Service struct {
	bookings *repository.BookingRepository
	charges  *repository.ChargeRepository
	payments *repository.PaymentRepository
	guard    *safety.Guard
	log      *zap.Logger
}

func NewService(
	bookings *repository.BookingRepository,
	charges *repository.ChargeRepository,
	payments *repository.PaymentRepository,
	guard *safety.Guard,
	log *zap.Logger,
) *Service {
	return &Service{
		bookings: bookings,
		charges:  charges,
		payments: payments,
		guard:    guard,
		log:      log,
	}
}

// Reconcile recomputes the booking's charge total, paid total and balance.
// Pure read; callers pass the report to Apply to rewrite the cached fields.
func (s *Service) Reconcile(reservationNo string) (*BalanceReport, error) {
	booking, err := s.bookings.FetchByKey(reservationNo)
	if err != nil {
		return nil, err
	}
	if booking == nil {
		return nil, fmt.Errorf("booking %s not found", reservationNo)
	}

	chargeSum, err := s.charges.SumForBooking(reservationNo)
	if err != nil {
		return nil, err
	}

	payments, err := s.payments.ListLinked(reservationNo)
	if err != nil {
		return nil, err
	}
	paymentSum := decimal.Zero
	linked := 0
	for _, p := range payments {
		if !p.Amount.Valid {
			continue
		}
		// Refunds carry a negative amount and subtract naturally.
		paymentSum = paymentSum.Add(p.Amount.Decimal)
		linked++
	}

	report := &BalanceReport{
		ReservationNo:  reservationNo,
		ChargeSum:      chargeSum,
		PaymentSum:     paymentSum,
		Balance:        chargeSum.Sub(paymentSum),
		CachedTotalDue: booking.TotalDue,
		CachedPaid:     booking.PaidAmount,
		CachedBalance:  booking.Balance,
		LinkedPayments: linked,
	}
	report.State, report.Note = classify(booking, report)
	report.CacheDrift = !withinCent(booking.PaidAmount, paymentSum) ||
		!withinCent(booking.Balance, report.Balance) ||
		!withinCent(booking.TotalDue, chargeSum)
	return report, nil
}

func classify(b *models.Booking, r *BalanceReport) (State, string) {
	switch {
	case r.ChargeSum.IsZero() && r.PaymentSum.IsPositive():
		// Charges deleted or never entered. Never auto-resolved; a human
		// decides between write-off and restoring the charges.
		if b.Cancelled {
			return StateZeroChargeWithPayment, "cancelled booking retains payment — refund or write-off decision required"
		}
		return StateZeroChargeWithPayment, "zero charges with payment, write off or restore charges"
	case r.ChargeSum.IsPositive() && r.LinkedPayments == 0 && !b.PaymentExcluded:
		return StateOrphanCharge, "charges present but no linked payments"
	case r.Balance.LessThan(centTolerance.Neg()):
		return StateOverpaid, "payments exceed charges"
	case r.Balance.GreaterThan(centTolerance) && !b.Cancelled && !b.PaymentExcluded:
		return StateUnderpaid, ""
	default:
		return StateBalanced, ""
	}
}

// Apply rewrites the booking's cached paid amount and balance to the
// recomputed sums under the safety envelope. It never fabricates charge
// rows and never deletes payments; the underlying cause of an invariant
// violation is left for a human.
func (s *Service) Apply(report *BalanceReport) error {
	_, err := s.guard.Write("bookings", "UPDATE balance cache", "reservation_no = ?",
		[]interface{}{report.ReservationNo},
		func(tx *gorm.DB) (int64, error) {
			res := tx.Model(&models.Booking{}).
				Where("reservation_no = ?", report.ReservationNo).
				Updates(map[string]interface{}{
					"paid_amount": report.PaymentSum,
					"balance":     report.Balance,
				})
			return res.RowsAffected, res.Error
		})
	return err
}

func withinCent(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(centTolerance)
}

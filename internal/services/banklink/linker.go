// Package banklink allocates bank statement credit lines to payment rows:
// exact amount, posted date near the paid date, and a unique candidate.
// Ambiguous credits are left unallocated for the reviewer.
package banklink

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"charter-reconciliation-backend/internal/models"
	"charter-reconciliation-backend/internal/repository"
	"charter-reconciliation-backend/internal/safety"
)

// matchWindowDays is how far the paid date may drift from the posted date.
// Card settlements post a few days after the payment is recorded.
const matchWindowDays = 3

type Summary struct {
	Scanned   int
	Linked    int
	Ambiguous int
	Unmatched int
}

type Linker struct {
	bank     *repository.BankTransactionRepository
	payments *repository.PaymentRepository
	guard    *safety.Guard
	log      *zap.Logger
}

func NewLinker(
	bank *repository.BankTransactionRepository,
	payments *repository.PaymentRepository,
	guard *safety.Guard,
	log *zap.Logger,
) *Linker {
	return &Linker{bank: bank, payments: payments, guard: guard, log: log}
}

// Run scans unallocated credit lines and links each one to its payment row
// when exactly one payment matches on amount inside the posting window.
// Both sides of the link commit in one guarded transaction.
func (l *Linker) Run(since, until *time.Time) (*Summary, error) {
	credits, err := l.bank.FetchUnlinked(since, until, 0)
	if err != nil {
		return nil, err
	}

	sum := &Summary{}
	for i := range credits {
		c := credits[i]
		sum.Scanned++

		from := c.PostedDate.AddDate(0, 0, -matchWindowDays)
		to := c.PostedDate.AddDate(0, 0, matchWindowDays)
		candidates, err := l.payments.FindUnallocated(c.Amount, from, to)
		if err != nil {
			return nil, err
		}

		switch len(candidates) {
		case 0:
			sum.Unmatched++
		case 1:
			if err := l.link(&c, &candidates[0]); err != nil {
				return nil, err
			}
			sum.Linked++
		default:
			// Same amount, same few days, several payment rows: a human
			// has to pick.
			l.log.Info("ambiguous bank credit, leaving unallocated",
				zap.String("transaction", c.ID.String()),
				zap.String("amount", c.Amount.StringFixed(2)),
				zap.Int("candidates", len(candidates)))
			sum.Ambiguous++
		}
	}
	return sum, nil
}

func (l *Linker) link(c *models.BankTransaction, p *models.Payment) error {
	_, err := l.guard.Write("bank_transactions", "UPDATE link to payment", "id = ?",
		[]interface{}{c.ID},
		func(tx *gorm.DB) (int64, error) {
			res := tx.Model(&models.BankTransaction{}).
				Where("id = ?", c.ID).
				Update("matched_payment_id", p.ID)
			if res.Error != nil {
				return 0, res.Error
			}
			if err := tx.Model(&models.Payment{}).
				Where("id = ?", p.ID).
				Update("bank_transaction_id", c.ID).Error; err != nil {
				return 0, err
			}
			return res.RowsAffected, nil
		})
	if err != nil {
		return fmt.Errorf("link bank transaction %s: %w", c.ID, err)
	}
	return nil
}

// Print writes the user-facing linker summary.
func (s *Summary) Print() {
	fmt.Printf("bank credits: %d scanned, %d linked, %d ambiguous, %d unmatched\n",
		s.Scanned, s.Linked, s.Ambiguous, s.Unmatched)
}

// Package dedupe finds exact and near-duplicate financial rows and
// separates legitimate same-day multi-line settlements from true
// duplicates. Deletions always go through the safety envelope.
package dedupe

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"charter-reconciliation-backend/internal/models"
	"charter-reconciliation-backend/internal/repository"
	"charter-reconciliation-backend/internal/safety"
)

// descPrefixLen bounds how much of the description participates in the
// group key; long free-text tails differ across re-imports of one row.
const descPrefixLen = 12

// GroupKey is the tuple rows are grouped by.
type GroupKey struct {
	Date         string `json:"date"`
	Amount       string `json:"amount"`
	Counterparty string `json:"counterparty"`
	DescPrefix   string `json:"desc_prefix"`
}

// Group is a candidate duplicate set. The earliest-created row is kept;
// the rest are deletion candidates. A group is never an automatic deletion
// target; disposition goes through review or an explicit apply run.
type Group struct {
	Key       GroupKey    `json:"key"`
	RowIDs    []uuid.UUID `json:"row_ids"`
	KeepID    uuid.UUID   `json:"keep_id"`
	DeleteIDs []uuid.UUID `json:"delete_ids"`
}

type Detector struct {
	payments *repository.PaymentRepository
	charges  *repository.ChargeRepository
	bank     *repository.BankTransactionRepository
	guard    *safety.Guard
	allow    *Allowlist
	log      *zap.Logger
}

func NewDetector(
	payments *repository.PaymentRepository,
	charges *repository.ChargeRepository,
	bank *repository.BankTransactionRepository,
	guard *safety.Guard,
	allow *Allowlist,
	log *zap.Logger,
) *Detector {
	return &Detector{
		payments: payments,
		charges:  charges,
		bank:     bank,
		guard:    guard,
		allow:    allow,
		log:      log,
	}
}

// FindPaymentGroups scans payments in the window for duplicate groups.
// A positive limit bounds how many rows are scanned. Groups whose rows
// carry distinct explicit linkage keys are legitimate multi-booking
// settlements, not duplicates, and are skipped; so are allowlisted groups.
func (d *Detector) FindPaymentGroups(since, until *time.Time, limit int) ([]Group, error) {
	payments, err := d.payments.ListInWindow(since, until, limit)
	if err != nil {
		return nil, err
	}

	byKey := make(map[GroupKey][]models.Payment)
	for _, p := range payments {
		if !p.Amount.Valid {
			continue
		}
		key := GroupKey{
			Amount:       p.Amount.Decimal.StringFixed(2),
			Counterparty: p.AccountID,
			DescPrefix:   descPrefix(p.Note),
		}
		if p.PaidDate != nil {
			key.Date = p.PaidDate.Format("2006-01-02")
		}
		byKey[key] = append(byKey[key], p)
	}

	var groups []Group
	for key, rows := range byKey {
		if len(rows) < 2 {
			continue
		}
		if distinctLinkageKeys(rows) {
			// Distinct explicit keys disambiguate: these rows settle
			// different bookings that happen to share the tuple.
			continue
		}

		ids := make([]uuid.UUID, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		if d.allow.Contains(ids) {
			d.log.Info("duplicate group on legitimate-multiplicity allowlist, skipping",
				zap.String("date", key.Date), zap.String("amount", key.Amount))
			continue
		}

		// Retain the earliest-created row; ties break on id for
		// reproducibility.
		sort.Slice(rows, func(i, j int) bool {
			if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
				return rows[i].CreatedAt.Before(rows[j].CreatedAt)
			}
			return rows[i].ID.String() < rows[j].ID.String()
		})

		g := Group{Key: key, KeepID: rows[0].ID}
		for _, r := range rows {
			g.RowIDs = append(g.RowIDs, r.ID)
		}
		for _, r := range rows[1:] {
			g.DeleteIDs = append(g.DeleteIDs, r.ID)
		}
		groups = append(groups, g)
	}

	sort.Slice(groups, func(i, j int) bool {
		a, b := groups[i].Key, groups[j].Key
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.Amount != b.Amount {
			return a.Amount < b.Amount
		}
		return a.Counterparty < b.Counterparty
	})
	return groups, nil
}

// FindChargeGroups scans charge rows the same way, keyed on the owning
// reservation instead of an account.
func (d *Detector) FindChargeGroups(reservationNo string) ([]Group, error) {
	charges, err := d.charges.ListForBooking(reservationNo)
	if err != nil {
		return nil, err
	}

	byKey := make(map[GroupKey][]models.Charge)
	for _, c := range charges {
		key := GroupKey{
			Date:         c.CreatedAt.Format("2006-01-02"),
			Amount:       c.Amount.StringFixed(2),
			Counterparty: c.ReservationNo,
			DescPrefix:   descPrefix(c.Description),
		}
		byKey[key] = append(byKey[key], c)
	}

	var groups []Group
	for key, rows := range byKey {
		if len(rows) < 2 {
			continue
		}
		ids := make([]uuid.UUID, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		if d.allow.Contains(ids) {
			continue
		}
		sort.Slice(rows, func(i, j int) bool {
			if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
				return rows[i].CreatedAt.Before(rows[j].CreatedAt)
			}
			return rows[i].ID.String() < rows[j].ID.String()
		})
		g := Group{Key: key, KeepID: rows[0].ID}
		for _, r := range rows {
			g.RowIDs = append(g.RowIDs, r.ID)
		}
		for _, r := range rows[1:] {
			g.DeleteIDs = append(g.DeleteIDs, r.ID)
		}
		groups = append(groups, g)
	}

	sort.Slice(groups, func(i, j int) bool {
		a, b := groups[i].Key, groups[j].Key
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		return a.Amount < b.Amount
	})
	return groups, nil
}

// DeletePayments removes a group's deletion candidates. Bank statement
// lines pointing at a doomed payment have their reference cleared in the
// same guarded unit as the row delete, so a failure leaves neither change
// behind. Both tables are backed up before anything is touched.
func (d *Detector) DeletePayments(g Group) (int64, error) {
	if len(g.DeleteIDs) == 0 {
		return 0, nil
	}

	refs, err := d.bank.ListForPayments(g.DeleteIDs)
	if err != nil {
		return 0, err
	}

	targets := []safety.Target{
		{Table: "payments", Condition: "id IN ?", Args: []interface{}{g.DeleteIDs}},
	}
	if len(refs) > 0 {
		targets = append([]safety.Target{
			{Table: "bank_transactions", Condition: "matched_payment_id IN ?", Args: []interface{}{g.DeleteIDs}},
		}, targets...)
	}

	return d.guard.WriteMulti("DELETE duplicates", targets,
		func(tx *gorm.DB) (int64, error) {
			if len(refs) > 0 {
				if err := tx.Model(&models.BankTransaction{}).
					Where("matched_payment_id IN ?", g.DeleteIDs).
					Update("matched_payment_id", nil).Error; err != nil {
					return 0, err
				}
			}
			res := tx.Delete(&models.Payment{}, "id IN ?", g.DeleteIDs)
			return res.RowsAffected, res.Error
		})
}

// DeleteCharges removes a charge group's deletion candidates.
func (d *Detector) DeleteCharges(g Group) (int64, error) {
	if len(g.DeleteIDs) == 0 {
		return 0, nil
	}
	return d.guard.Write("charges", "DELETE duplicates",
		"id IN ?", []interface{}{g.DeleteIDs},
		func(tx *gorm.DB) (int64, error) {
			res := tx.Delete(&models.Charge{}, "id IN ?", g.DeleteIDs)
			return res.RowsAffected, res.Error
		})
}

// distinctLinkageKeys reports whether the rows carry two or more different
// non-empty explicit linkage keys.
func distinctLinkageKeys(rows []models.Payment) bool {
	seen := make(map[string]bool)
	for _, r := range rows {
		if r.LinkageKey != "" {
			seen[r.LinkageKey] = true
		}
	}
	return len(seen) > 1
}

func descPrefix(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) > descPrefixLen {
		return s[:descPrefixLen]
	}
	return s
}

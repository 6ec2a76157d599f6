package matching

import (
	"charter-reconciliation-backend/internal/models"
)

// Settlement batches: a deposit batch key shared by several payments that
// together cover multiple bookings plus small balancing remainders (e.g.
// nine $0.01 rows rounding out card settlements). Balancing entries are not
// scored on their own; they inherit the batch's resolution once the larger
// rows are matched.

// IsBalancingEntry reports whether a payment is a likely balancing/rounding
// entry: a valid amount at or below the epsilon threshold.
func (c Config) IsBalancingEntry(p *models.Payment) bool {
	if !p.Amount.Valid {
		return false
	}
	return p.Amount.Decimal.Abs().LessThanOrEqual(c.Epsilon)
}

// BatchKey groups payments into a settlement batch: the deposit-batch
// prefix of the linkage key plus the paid date. Payments without an
// explicit key return "" and are never batched.
func BatchKey(p *models.Payment) string {
	batch, _, ok := ParseLinkageKey(p.LinkageKey)
	if !ok {
		return ""
	}
	key := batch
	if p.PaidDate != nil {
		key += "|" + p.PaidDate.Format("2006-01-02")
	}
	return key
}

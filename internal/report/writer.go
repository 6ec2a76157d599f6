// Package report writes the per-run review report: the rows a human has
// to look at. TSV under the reports directory by default.
package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"charter-reconciliation-backend/internal/models"
	"charter-reconciliation-backend/internal/services/dedupe"
	"charter-reconciliation-backend/internal/services/matching"
	"charter-reconciliation-backend/internal/services/reconciliation"
)

type Writer struct {
	f *os.File
	w *csv.Writer
}

// DefaultPath builds reports/<prefix>_<timestamp>.tsv.
func DefaultPath(dir, prefix string) string {
	name := fmt.Sprintf("%s_%s.tsv", prefix, time.Now().UTC().Format("20060102T150405"))
	return filepath.Join(dir, name)
}

func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	w.Comma = '\t'
	if err := w.Write([]string{"kind", "ref", "date", "amount", "outcome", "reason", "detail"}); err != nil {
		f.Close()
		return nil, err
	}
	return &Writer{f: f, w: w}, nil
}

func (w *Writer) Close() error {
	w.w.Flush()
	if err := w.w.Error(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// WritePayment emits one review row for a flagged or unmatched payment,
// with the ranked candidates in the detail column.
func (w *Writer) WritePayment(p *models.Payment, d matching.Decision) error {
	var ranked []string
	for _, c := range d.Ranked {
		ranked = append(ranked, fmt.Sprintf("%s=%.2f", c.Booking.ReservationNo, c.Confidence))
	}
	date := ""
	if p.PaidDate != nil {
		date = p.PaidDate.Format("2006-01-02")
	}
	amount := ""
	if p.Amount.Valid {
		amount = p.Amount.Decimal.StringFixed(2)
	}
	return w.w.Write([]string{
		"payment", p.ID.String(), date, amount,
		string(d.Outcome), d.Reason, strings.Join(ranked, ";"),
	})
}

// WriteBalance emits one row for a booking whose reconciliation needs a
// human decision.
func (w *Writer) WriteBalance(r *reconciliation.BalanceReport) error {
	return w.w.Write([]string{
		"balance", r.ReservationNo, "", r.Balance.StringFixed(2),
		string(r.State), r.Note,
		fmt.Sprintf("charges=%s payments=%s", r.ChargeSum.StringFixed(2), r.PaymentSum.StringFixed(2)),
	})
}

// WriteDuplicate emits one row per duplicate group.
func (w *Writer) WriteDuplicate(table string, g dedupe.Group) error {
	var del []string
	for _, id := range g.DeleteIDs {
		del = append(del, id.String())
	}
	return w.w.Write([]string{
		"duplicate", table, g.Key.Date, g.Key.Amount,
		"needs_review", fmt.Sprintf("keep %s", g.KeepID),
		strings.Join(del, ";"),
	})
}

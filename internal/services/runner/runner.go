// Package runner is the batch orchestrator: it pulls unmatched payments in
// a fixed order, runs candidate generation and scoring, auto-applies or
// flags each one, and reconciles every touched booking. All writes go
// through the safety envelope; one transaction per logical unit.
package runner

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"charter-reconciliation-backend/internal/models"
	"charter-reconciliation-backend/internal/report"
	"charter-reconciliation-backend/internal/repository"
	"charter-reconciliation-backend/internal/safety"
	"charter-reconciliation-backend/internal/services/matching"
	"charter-reconciliation-backend/internal/services/reconciliation"
)

type Options struct {
	Since *time.Time
	Until *time.Time
	Limit int
	Actor string
}

// Summary is printed at the end of every run, dry-run or apply.
type Summary struct {
	RunID          uuid.UUID
	Processed      int
	AutoLinked     int
	NeedsReview    int
	NoMatch        int
	Skipped        int
	Inherited      int
	AutoLinkedSum  decimal.Decimal
	NeedsReviewSum decimal.Decimal
	NoMatchSum     decimal.Decimal
	BackupFiles    []string
}

type Runner struct {
	db         *gorm.DB
	payments   *repository.PaymentRepository
	generator  *matching.Generator
	scorer     *matching.Scorer
	reconciler *reconciliation.Service
	guard      *safety.Guard
	log        *zap.Logger
}

func NewRunner(
	db *gorm.DB,
	payments *repository.PaymentRepository,
	generator *matching.Generator,
	scorer *matching.Scorer,
	reconciler *reconciliation.Service,
	guard *safety.Guard,
	log *zap.Logger,
) *Runner {
	return &Runner{
		db:         db,
		payments:   payments,
		generator:  generator,
		scorer:     scorer,
		reconciler: reconciler,
		guard:      guard,
		log:        log,
	}
}

// Run processes one bounded batch of unmatched payments. Balancing entries
// (at or below epsilon) are held back and inherit their settlement batch's
// resolution after the larger rows are matched.
func (r *Runner) Run(rw *report.Writer, opts Options) (*Summary, error) {
	run := &models.ReconRun{
		ID:        uuid.New(),
		Kind:      "reconcile",
		DryRun:    !r.guard.Apply(),
		Actor:     opts.Actor,
		Status:    "processing",
		StartedAt: time.Now(),
		CreatedAt: time.Now(),
	}
	if err := r.db.Create(run).Error; err != nil {
		return nil, err
	}

	payments, err := r.payments.FetchUnlinked(opts.Since, opts.Until, opts.Limit)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		RunID:          run.ID,
		AutoLinkedSum:  decimal.Zero,
		NeedsReviewSum: decimal.Zero,
		NoMatchSum:     decimal.Zero,
	}
	cfg := r.generator.Config()

	// Batch resolutions: settlement batch key -> reservation the batch's
	// larger rows linked to. First resolution wins.
	resolutions := make(map[string]string)
	var balancing []models.Payment

	for i := range payments {
		p := payments[i]
		if cfg.IsBalancingEntry(&p) {
			balancing = append(balancing, p)
			continue
		}
		sum.Processed++

		if !p.Amount.Valid {
			// Input error: malformed source row. Skipped, never fatal.
			r.log.Warn("payment has no amount, skipping", zap.String("id", p.ID.String()))
			sum.Skipped++
			continue
		}

		candidates, err := r.generator.Generate(&p)
		if err != nil {
			r.log.Warn("candidate generation failed, skipping",
				zap.String("id", p.ID.String()), zap.Error(err))
			sum.Skipped++
			continue
		}
		decision := r.scorer.Classify(candidates)

		switch decision.Outcome {
		case matching.AutoApply:
			if err := r.link(&p, decision.Best, decision.Reason, opts.Actor); err != nil {
				return nil, err
			}
			sum.AutoLinked++
			sum.AutoLinkedSum = sum.AutoLinkedSum.Add(p.Amount.Decimal)
			if bk := matching.BatchKey(&p); bk != "" {
				if _, ok := resolutions[bk]; !ok {
					resolutions[bk] = decision.Best.Booking.ReservationNo
				}
			}
			if err := r.reconcileBooking(rw, decision.Best.Booking.ReservationNo); err != nil {
				return nil, err
			}
		case matching.NeedsReview:
			if err := rw.WritePayment(&p, decision); err != nil {
				return nil, err
			}
			sum.NeedsReview++
			sum.NeedsReviewSum = sum.NeedsReviewSum.Add(p.Amount.Decimal)
		case matching.NoMatch:
			if err := rw.WritePayment(&p, decision); err != nil {
				return nil, err
			}
			sum.NoMatch++
			sum.NoMatchSum = sum.NoMatchSum.Add(p.Amount.Decimal)
		}
	}

	// Second pass: balancing entries ride on their settlement batch.
	for i := range balancing {
		p := balancing[i]
		sum.Processed++
		bk := matching.BatchKey(&p)
		reservation, resolved := resolutions[bk]
		if bk == "" || !resolved {
			d := matching.Decision{Outcome: matching.NeedsReview, Reason: "balancing entry, settlement batch unresolved"}
			if err := rw.WritePayment(&p, d); err != nil {
				return nil, err
			}
			sum.NeedsReview++
			continue
		}
		if err := r.inherit(&p, reservation, opts.Actor); err != nil {
			return nil, err
		}
		sum.Inherited++
		if err := r.reconcileBooking(rw, reservation); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	r.db.Model(run).Updates(map[string]interface{}{
		"processed_count":    sum.Processed,
		"auto_linked_count":  sum.AutoLinked,
		"needs_review_count": sum.NeedsReview,
		"no_match_count":     sum.NoMatch,
		"skipped_count":      sum.Skipped,
		"auto_linked_sum":    sum.AutoLinkedSum,
		"needs_review_sum":   sum.NeedsReviewSum,
		"no_match_sum":       sum.NoMatchSum,
		"status":             "completed",
		"completed_at":       &now,
	})

	sum.BackupFiles = r.guard.BackupFiles()
	return sum, nil
}

// link applies an auto-approved match: the payment row update and its
// audit entry commit in one transaction, guarded.
func (r *Runner) link(p *models.Payment, best *matching.Candidate, reason, actor string) error {
	details, _ := json.Marshal(map[string]interface{}{
		"reservation_no": best.Booking.ReservationNo,
		"confidence":     best.Confidence,
		"signals":        best.Signals,
		"decision":       reason,
	})

	_, err := r.guard.Write("payments", "UPDATE link to booking", "id = ?",
		[]interface{}{p.ID},
		func(tx *gorm.DB) (int64, error) {
			res := tx.Model(&models.Payment{}).
				Where("id = ?", p.ID).
				Updates(map[string]interface{}{
					"reservation_no":   best.Booking.ReservationNo,
					"status":           models.PaymentAutoLinked,
					"confidence_score": best.Confidence,
					"match_details":    details,
				})
			if res.Error != nil {
				return 0, res.Error
			}
			audit := &models.MatchAuditLog{
				ID:          uuid.New(),
				PaymentID:   p.ID,
				Action:      "auto_link",
				NewBooking:  &best.Booking.ReservationNo,
				PerformedBy: actor,
				Reason:      reason,
				CreatedAt:   time.Now(),
			}
			if err := tx.Create(audit).Error; err != nil {
				return 0, err
			}
			return res.RowsAffected, nil
		})
	return err
}

// inherit links a balancing entry to its settlement batch's booking.
func (r *Runner) inherit(p *models.Payment, reservation, actor string) error {
	details, _ := json.Marshal(map[string]interface{}{
		"reservation_no": reservation,
		"decision":       "inherited from settlement batch",
	})
	_, err := r.guard.Write("payments", "UPDATE settlement batch remainder", "id = ?",
		[]interface{}{p.ID},
		func(tx *gorm.DB) (int64, error) {
			res := tx.Model(&models.Payment{}).
				Where("id = ?", p.ID).
				Updates(map[string]interface{}{
					"reservation_no": reservation,
					"status":         models.PaymentAutoLinked,
					"match_details":  details,
				})
			if res.Error != nil {
				return 0, res.Error
			}
			audit := &models.MatchAuditLog{
				ID:          uuid.New(),
				PaymentID:   p.ID,
				Action:      "batch_inherit",
				NewBooking:  &reservation,
				PerformedBy: actor,
				Reason:      "settlement batch remainder",
				CreatedAt:   time.Now(),
			}
			if err := tx.Create(audit).Error; err != nil {
				return 0, err
			}
			return res.RowsAffected, nil
		})
	return err
}

// reconcileBooking recomputes a touched booking and, in apply mode,
// rewrites its cached fields. Invariant violations land in the report.
func (r *Runner) reconcileBooking(rw *report.Writer, reservationNo string) error {
	rep, err := r.reconciler.Reconcile(reservationNo)
	if err != nil {
		return err
	}
	if r.guard.Apply() {
		if err := r.reconciler.Apply(rep); err != nil {
			return err
		}
	}
	if rep.State != reconciliation.StateBalanced && rep.State != reconciliation.StateUnderpaid {
		return rw.WriteBalance(rep)
	}
	return nil
}

// Print writes the user-facing run summary.
func (s *Summary) Print(apply bool) {
	mode := "DRY-RUN"
	if apply {
		mode = "APPLY"
	}
	fmt.Printf("run %s (%s)\n", s.RunID, mode)
	fmt.Printf("  processed:     %d\n", s.Processed)
	fmt.Printf("  auto-linked:   %d ($%s)\n", s.AutoLinked, s.AutoLinkedSum.StringFixed(2))
	fmt.Printf("  inherited:     %d\n", s.Inherited)
	fmt.Printf("  needs review:  %d ($%s)\n", s.NeedsReview, s.NeedsReviewSum.StringFixed(2))
	fmt.Printf("  no match:      %d ($%s)\n", s.NoMatch, s.NoMatchSum.StringFixed(2))
	fmt.Printf("  skipped:       %d\n", s.Skipped)
	for _, b := range s.BackupFiles {
		fmt.Printf("  backup: %s\n", b)
	}
}

package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"charter-reconciliation-backend/internal/models"
	"charter-reconciliation-backend/internal/repository"
	"charter-reconciliation-backend/internal/safety"
	"charter-reconciliation-backend/internal/services/dedupe"
	"charter-reconciliation-backend/internal/services/matching"
	"charter-reconciliation-backend/internal/services/reconciliation"
)

// ReviewHandler exposes human disposition of flagged payments: confirm a
// proposed link, reject it, match manually, or mark a payment as a
// retainer with no booking expected. Every disposition is a guarded
// mutation with an audit entry.
type ReviewHandler struct {
	payments   *repository.PaymentRepository
	generator  *matching.Generator
	scorer     *matching.Scorer
	reconciler *reconciliation.Service
	detector   *dedupe.Detector
	guard      *safety.Guard
}

func NewReviewHandler(
	payments *repository.PaymentRepository,
	generator *matching.Generator,
	scorer *matching.Scorer,
	reconciler *reconciliation.Service,
	detector *dedupe.Detector,
	guard *safety.Guard,
) *ReviewHandler {
	return &ReviewHandler{
		payments:   payments,
		generator:  generator,
		scorer:     scorer,
		reconciler: reconciler,
		detector:   detector,
		guard:      guard,
	}
}

// ListReviewPayments scores the current unlinked payments live and returns
// the ones needing a human, with their ranked candidates.
func (h *ReviewHandler) ListReviewPayments(c *gin.Context) {
	limit := 100
	payments, err := h.payments.FetchUnlinked(nil, nil, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	type reviewItem struct {
		Payment    models.Payment `json:"payment"`
		Outcome    string         `json:"outcome"`
		Reason     string         `json:"reason"`
		Candidates []gin.H        `json:"candidates"`
	}

	matchCfg := h.generator.Config()
	var items []reviewItem
	for i := range payments {
		p := payments[i]
		if !p.Amount.Valid {
			continue
		}
		if matchCfg.IsBalancingEntry(&p) {
			// Balancing entries are never scored on their own; the batch
			// run resolves them with their settlement batch.
			items = append(items, reviewItem{
				Payment: p,
				Outcome: string(matching.NeedsReview),
				Reason:  "balancing entry, settlement batch unresolved",
			})
			continue
		}
		candidates, err := h.generator.Generate(&p)
		if err != nil {
			continue
		}
		decision := h.scorer.Classify(candidates)
		if decision.Outcome == matching.AutoApply {
			continue // the batch run handles these
		}
		item := reviewItem{Payment: p, Outcome: string(decision.Outcome), Reason: decision.Reason}
		for _, cand := range decision.Ranked {
			item.Candidates = append(item.Candidates, gin.H{
				"reservation_no": cand.Booking.ReservationNo,
				"confidence":     cand.Confidence,
				"signals":        cand.Signals,
			})
		}
		items = append(items, item)
	}

	c.JSON(http.StatusOK, gin.H{"items": items})
}

// ConfirmLink links a payment to a booking after human review.
func (h *ReviewHandler) ConfirmLink(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment ID"})
		return
	}

	var payload struct {
		ReservationNo string `json:"reservation_no"`
		Reason        string `json:"reason"`
	}
	if err := c.BindJSON(&payload); err != nil || payload.ReservationNo == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	p, err := h.payments.FetchByKey(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if p == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		return
	}

	if err := h.disposition(p, "confirm", &payload.ReservationNo, models.PaymentConfirmed, payload.Reason); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Reconcile the booking the payment now belongs to.
	rep, err := h.reconciler.Reconcile(payload.ReservationNo)
	if err == nil && h.guard.Apply() {
		_ = h.reconciler.Apply(rep)
	}

	c.JSON(http.StatusOK, gin.H{"message": "payment linked", "balance": rep})
}

// RejectLink returns a payment to the unlinked pool.
func (h *ReviewHandler) RejectLink(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment ID"})
		return
	}
	p, err := h.payments.FetchByKey(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if p == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		return
	}

	if err := h.disposition(p, "reject", nil, models.PaymentUnlinked, "rejected by reviewer"); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "payment unlinked"})
}

// MarkRetainer flags a payment as unmatchable (e.g. an advance retainer,
// no booking expected). Terminal: the payment is never re-offered to the
// candidate generator.
func (h *ReviewHandler) MarkRetainer(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment ID"})
		return
	}
	var payload struct {
		Reason string `json:"reason"`
	}
	_ = c.BindJSON(&payload)
	if payload.Reason == "" {
		payload.Reason = "marked unmatchable by reviewer"
	}

	p, err := h.payments.FetchByKey(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if p == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		return
	}

	if err := h.disposition(p, "mark_unmatchable", nil, models.PaymentUnmatchable, payload.Reason); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "payment marked unmatchable"})
}

// BookingBalance returns the recomputed balance report for one booking.
func (h *ReviewHandler) BookingBalance(c *gin.Context) {
	rep, err := h.reconciler.Reconcile(c.Param("reservation"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rep)
}

// ListDuplicates returns candidate duplicate payment groups.
func (h *ReviewHandler) ListDuplicates(c *gin.Context) {
	var since, until *time.Time
	if s := c.Query("since"); s != "" {
		if t, err := time.Parse("2006-01-02", s); err == nil {
			since = &t
		}
	}
	if u := c.Query("until"); u != "" {
		if t, err := time.Parse("2006-01-02", u); err == nil {
			until = &t
		}
	}
	groups, err := h.detector.FindPaymentGroups(since, until, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

// disposition applies one reviewer decision as a guarded, audited write.
func (h *ReviewHandler) disposition(p *models.Payment, action string, reservation *string, status, reason string) error {
	details, _ := json.Marshal(map[string]interface{}{
		"action": action,
		"reason": reason,
	})
	_, err := h.guard.Write("payments", "UPDATE "+action, "id = ?",
		[]interface{}{p.ID},
		func(tx *gorm.DB) (int64, error) {
			res := tx.Model(&models.Payment{}).
				Where("id = ?", p.ID).
				Updates(map[string]interface{}{
					"reservation_no": reservation,
					"status":         status,
					"match_details":  details,
				})
			if res.Error != nil {
				return 0, res.Error
			}
			audit := &models.MatchAuditLog{
				ID:              uuid.New(),
				PaymentID:       p.ID,
				Action:          action,
				PreviousBooking: p.ReservationNo,
				NewBooking:      reservation,
				PerformedBy:     "review-api",
				Reason:          reason,
				CreatedAt:       time.Now(),
			}
			if err := tx.Create(audit).Error; err != nil {
				return 0, err
			}
			return res.RowsAffected, nil
		})
	return err
}

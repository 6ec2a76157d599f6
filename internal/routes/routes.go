package routes

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"charter-reconciliation-backend/internal/config"
	handler "charter-reconciliation-backend/internal/handlers"
	"charter-reconciliation-backend/internal/repository"
	"charter-reconciliation-backend/internal/safety"
	"charter-reconciliation-backend/internal/services/dedupe"
	"charter-reconciliation-backend/internal/services/matching"
	service "charter-reconciliation-backend/internal/services/reconciliation"
)

func RegisterRoutes(r *gin.Engine, db *gorm.DB, cfg *config.Config, log *zap.Logger) error {
	bookingRepo := repository.NewBookingRepository(db)
	chargeRepo := repository.NewChargeRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	bankRepo := repository.NewBankTransactionRepository(db)

	// Reviewer actions are explicit human decisions: the API runs with
	// apply mode on and the configured override key.
	guard := safety.NewGuard(db, log, safety.Options{
		BackupDir:   cfg.BackupDir,
		AuditPath:   cfg.AuditLogPath,
		OverrideKey: cfg.OverrideKey,
		ProvidedKey: cfg.OverrideKey,
		Apply:       true,
		Actor:       "review-api",
	})

	matchCfg := matching.DefaultConfig()
	generator := matching.NewGenerator(bookingRepo, chargeRepo, matchCfg)
	scorer := matching.NewScorer(matchCfg)
	reconciler := service.NewService(bookingRepo, chargeRepo, paymentRepo, guard, log)

	allow, err := dedupe.LoadAllowlist(cfg.AllowlistPath)
	if err != nil {
		return err
	}
	detector := dedupe.NewDetector(paymentRepo, chargeRepo, bankRepo, guard, allow, log)

	reviewHandler := handler.NewReviewHandler(paymentRepo, generator, scorer, reconciler, detector, guard)

	api := r.Group("/api")

	// Health check
	api.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	review := api.Group("/review")
	review.GET("/payments", reviewHandler.ListReviewPayments)
	review.GET("/duplicates", reviewHandler.ListDuplicates)

	payments := api.Group("/payments")
	payments.POST("/:id/confirm", reviewHandler.ConfirmLink)
	payments.POST("/:id/reject", reviewHandler.RejectLink)
	payments.POST("/:id/retainer", reviewHandler.MarkRetainer)

	bookings := api.Group("/bookings")
	bookings.GET("/:reservation/balance", reviewHandler.BookingBalance)

	return nil
}

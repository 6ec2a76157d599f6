// Command balances audits booking balances against the authoritative
// charge and payment sums: reports invariant violations and, with --apply,
// rewrites the cached balance fields. Never creates or deletes rows.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"charter-reconciliation-backend/internal/config"
	"charter-reconciliation-backend/internal/models"
	"charter-reconciliation-backend/internal/report"
	"charter-reconciliation-backend/internal/repository"
	"charter-reconciliation-backend/internal/safety"
	"charter-reconciliation-backend/internal/services/reconciliation"
)

func main() {
	apply := flag.Bool("apply", false, "rewrite cached balance fields (default: dry-run)")
	since := flag.String("since", "", "only bookings with trip date on or after (YYYY-MM-DD)")
	until := flag.String("until", "", "only bookings with trip date on or before (YYYY-MM-DD)")
	limit := flag.Int("limit", 0, "audit at most N bookings (0 = no limit)")
	booking := flag.String("booking", "", "audit a single reservation number")
	overrideKey := flag.String("override-key", "", "token required to mutate protected tables")
	reportPath := flag.String("report", "", "report path (default under reports/)")
	actor := flag.String("actor", "operator", "actor recorded in the audit log")
	flag.Parse()

	sinceT, err := parseDate(*since)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid --since:", err)
		os.Exit(2)
	}
	untilT, err := parseDate(*until)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid --until:", err)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := config.NewLogger(cfg.Environment)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	db, err := config.InitDB(cfg)
	if err != nil {
		logger.Fatal("database connection failed")
	}

	bookingRepo := repository.NewBookingRepository(db)
	chargeRepo := repository.NewChargeRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)

	guard := safety.NewGuard(db, logger, safety.Options{
		BackupDir:   cfg.BackupDir,
		AuditPath:   cfg.AuditLogPath,
		OverrideKey: cfg.OverrideKey,
		ProvidedKey: *overrideKey,
		Apply:       *apply,
		Actor:       *actor,
	})
	reconciler := reconciliation.NewService(bookingRepo, chargeRepo, paymentRepo, guard, logger)

	var bookings []models.Booking
	if *booking != "" {
		b, err := bookingRepo.FetchByKey(*booking)
		if err != nil || b == nil {
			fmt.Fprintln(os.Stderr, "booking not found:", *booking)
			os.Exit(1)
		}
		bookings = []models.Booking{*b}
	} else {
		bookings, err = bookingRepo.List(sinceT, untilT, *limit)
		if err != nil {
			logger.Fatal("cannot list bookings", zap.Error(err))
		}
	}

	path := *reportPath
	if path == "" {
		path = report.DefaultPath(cfg.ReportDir, "balances")
	}
	rw, err := report.NewWriter(path)
	if err != nil {
		logger.Fatal("cannot create report", zap.Error(err))
	}

	run := &models.ReconRun{
		ID:        uuid.New(),
		Kind:      "balances",
		DryRun:    !*apply,
		Actor:     *actor,
		Status:    "processing",
		StartedAt: time.Now(),
		CreatedAt: time.Now(),
	}
	db.Create(run)

	counts := map[reconciliation.State]int{}
	driftSum := decimal.Zero
	for _, b := range bookings {
		rep, err := reconciler.Reconcile(b.ReservationNo)
		if err != nil {
			logger.Warn("reconcile failed", zap.String("booking", b.ReservationNo), zap.Error(err))
			continue
		}
		counts[rep.State]++
		if rep.State != reconciliation.StateBalanced {
			if err := rw.WriteBalance(rep); err != nil {
				logger.Fatal("report write failed", zap.Error(err))
			}
		}
		if rep.CacheDrift {
			driftSum = driftSum.Add(rep.CachedBalance.Sub(rep.Balance).Abs())
			if err := reconciler.Apply(rep); err != nil {
				if errors.Is(err, safety.ErrProtected) || errors.Is(err, safety.ErrBackupFailed) {
					fmt.Fprintln(os.Stderr, "aborted:", err)
					os.Exit(1)
				}
				logger.Fatal("apply failed", zap.Error(err))
			}
		}
	}

	now := time.Now()
	db.Model(run).Updates(map[string]interface{}{
		"processed_count": len(bookings),
		"status":          "completed",
		"completed_at":    &now,
	})

	if err := rw.Close(); err != nil {
		logger.Fatal("report close failed", zap.Error(err))
	}

	mode := "DRY-RUN"
	if *apply {
		mode = "APPLY"
	}
	fmt.Printf("balance audit (%s): %d bookings\n", mode, len(bookings))
	for _, state := range []reconciliation.State{
		reconciliation.StateBalanced,
		reconciliation.StateUnderpaid,
		reconciliation.StateOverpaid,
		reconciliation.StateOrphanCharge,
		reconciliation.StateZeroChargeWithPayment,
	} {
		fmt.Printf("  %-26s %d\n", state, counts[state])
	}
	fmt.Printf("  cache drift total: $%s\n", driftSum.StringFixed(2))
	for _, b := range guard.BackupFiles() {
		fmt.Printf("  backup: %s\n", b)
	}
	fmt.Println("report:", path)
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Command reconcile runs the payment-to-booking matching batch: candidate
// generation, confidence scoring, auto-apply or review flagging, and
// balance reconciliation of every touched booking. Dry-run by default.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"charter-reconciliation-backend/internal/config"
	"charter-reconciliation-backend/internal/report"
	"charter-reconciliation-backend/internal/repository"
	"charter-reconciliation-backend/internal/safety"
	"charter-reconciliation-backend/internal/services/banklink"
	"charter-reconciliation-backend/internal/services/matching"
	"charter-reconciliation-backend/internal/services/reconciliation"
	"charter-reconciliation-backend/internal/services/runner"
)

func main() {
	apply := flag.Bool("apply", false, "execute mutations (default: dry-run)")
	since := flag.String("since", "", "only payments on or after this date (YYYY-MM-DD)")
	until := flag.String("until", "", "only payments on or before this date (YYYY-MM-DD)")
	limit := flag.Int("limit", 0, "process at most N payments (0 = no limit)")
	includeExcluded := flag.Bool("include-excluded", false, "offer cancelled and zero-charge bookings as candidates")
	overrideKey := flag.String("override-key", "", "token required to mutate protected tables")
	reportPath := flag.String("report", "", "review report path (default under reports/)")
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
	bankRepo := repository.NewBankTransactionRepository(db)

	guard := safety.NewGuard(db, logger, safety.Options{
		BackupDir:   cfg.BackupDir,
		AuditPath:   cfg.AuditLogPath,
		OverrideKey: cfg.OverrideKey,
		ProvidedKey: *overrideKey,
		Apply:       *apply,
		Actor:       *actor,
	})

	// Pre-pass: tie unallocated bank credits to payment rows so the
	// statement side is settled before payments are matched to bookings.
	linker := banklink.NewLinker(bankRepo, paymentRepo, guard, logger)
	linkSum, err := linker.Run(sinceT, untilT)
	if err != nil {
		if errors.Is(err, safety.ErrProtected) || errors.Is(err, safety.ErrBackupFailed) {
			fmt.Fprintln(os.Stderr, "aborted:", err)
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, "bank linking failed:", err)
		os.Exit(1)
	}

	matchCfg := matching.DefaultConfig()
	if *includeExcluded {
		matchCfg.IncludeCancelled = true
		matchCfg.IncludeZeroCharge = true
	}
	generator := matching.NewGenerator(bookingRepo, chargeRepo, matchCfg)
	scorer := matching.NewScorer(matchCfg)
	reconciler := reconciliation.NewService(bookingRepo, chargeRepo, paymentRepo, guard, logger)
	run := runner.NewRunner(db, paymentRepo, generator, scorer, reconciler, guard, logger)

	path := *reportPath
	if path == "" {
		path = report.DefaultPath(cfg.ReportDir, "review")
	}
	rw, err := report.NewWriter(path)
	if err != nil {
		logger.Error("cannot create report", zap.Error(err))
		os.Exit(1)
	}

	sum, err := run.Run(rw, runner.Options{
		Since: sinceT,
		Until: untilT,
		Limit: *limit,
		Actor: *actor,
	})
	if cerr := rw.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		if errors.Is(err, safety.ErrProtected) || errors.Is(err, safety.ErrBackupFailed) {
			fmt.Fprintln(os.Stderr, "aborted:", err)
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, "run failed:", err)
		os.Exit(1)
	}

	linkSum.Print()
	sum.Print(*apply)
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

// Command dedupe scans payments for duplicate groups, writes them to a
// review report, and with --apply deletes the non-retained rows (clearing
// dependent bank statement references first). Allowlisted groups are never
// flagged.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"charter-reconciliation-backend/internal/config"
	"charter-reconciliation-backend/internal/models"
	"charter-reconciliation-backend/internal/report"
	"charter-reconciliation-backend/internal/repository"
	"charter-reconciliation-backend/internal/safety"
	"charter-reconciliation-backend/internal/services/dedupe"
)

func main() {
	apply := flag.Bool("apply", false, "delete duplicate rows (default: dry-run)")
	since := flag.String("since", "", "only payments on or after this date (YYYY-MM-DD)")
	until := flag.String("until", "", "only payments on or before this date (YYYY-MM-DD)")
	limit := flag.Int("limit", 0, "scan at most N payments, 0 means no cap")
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

	paymentRepo := repository.NewPaymentRepository(db)
	chargeRepo := repository.NewChargeRepository(db)
	bankRepo := repository.NewBankTransactionRepository(db)

	guard := safety.NewGuard(db, logger, safety.Options{
		BackupDir:   cfg.BackupDir,
		AuditPath:   cfg.AuditLogPath,
		OverrideKey: cfg.OverrideKey,
		ProvidedKey: *overrideKey,
		Apply:       *apply,
		Actor:       *actor,
	})

	allow, err := dedupe.LoadAllowlist(cfg.AllowlistPath)
	if err != nil {
		logger.Fatal("cannot load allowlist", zap.Error(err))
	}
	detector := dedupe.NewDetector(paymentRepo, chargeRepo, bankRepo, guard, allow, logger)

	groups, err := detector.FindPaymentGroups(sinceT, untilT, *limit)
	if err != nil {
		logger.Fatal("duplicate scan failed", zap.Error(err))
	}

	path := *reportPath
	if path == "" {
		path = report.DefaultPath(cfg.ReportDir, "duplicates")
	}
	rw, err := report.NewWriter(path)
	if err != nil {
		logger.Fatal("cannot create report", zap.Error(err))
	}

	run := &models.ReconRun{
		ID:        uuid.New(),
		Kind:      "dedupe",
		DryRun:    !*apply,
		Actor:     *actor,
		Status:    "processing",
		StartedAt: time.Now(),
		CreatedAt: time.Now(),
	}
	db.Create(run)

	var deleted int64
	for _, g := range groups {
		if err := rw.WriteDuplicate("payments", g); err != nil {
			logger.Fatal("report write failed", zap.Error(err))
		}
		n, err := detector.DeletePayments(g)
		if err != nil {
			if errors.Is(err, safety.ErrProtected) || errors.Is(err, safety.ErrBackupFailed) {
				fmt.Fprintln(os.Stderr, "aborted:", err)
				os.Exit(1)
			}
			logger.Fatal("delete failed", zap.Error(err))
		}
		deleted += n
	}

	now := time.Now()
	db.Model(run).Updates(map[string]interface{}{
		"processed_count": len(groups),
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
	fmt.Printf("duplicate scan (%s): %d group(s), %d row(s) deleted\n", mode, len(groups), deleted)
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

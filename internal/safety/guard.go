// Package safety wraps every write path against the core financial tables:
// dry-run by default, override key required, full-row backup before the
// mutation, append-only audit log, rollback on failure.
package safety

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrProtected is returned when a mutation targets a protected table
	// without apply mode and a valid override key. Nothing is written.
	ErrProtected = errors.New("protected table requires --apply and a valid override key")

	// ErrBackupFailed is returned when the pre-mutation backup could not be
	// written. The mutation never runs in that case.
	ErrBackupFailed = errors.New("backup failed")
)

// protectedTables is the fixed set of core financial tables.
var protectedTables = map[string]bool{
	"bookings":          true,
	"charges":           true,
	"payments":          true,
	"bank_transactions": true,
}

// Guard executes guarded mutations. One Guard is built per run with the
// run's apply flag, override key and actor.
type Guard struct {
	db          *gorm.DB
	log         *zap.Logger
	backupDir   string
	auditPath   string
	overrideKey string // expected token; empty disables protected writes
	apply       bool
	actor       string

	backupFiles []string
}

type Options struct {
	BackupDir   string
	AuditPath   string
	OverrideKey string
	Apply       bool
	ProvidedKey string
	Actor       string
}

func NewGuard(db *gorm.DB, log *zap.Logger, opts Options) *Guard {
	keyOK := opts.OverrideKey != "" && opts.ProvidedKey == opts.OverrideKey
	g := &Guard{
		db:        db,
		log:       log,
		backupDir: opts.BackupDir,
		auditPath: opts.AuditPath,
		apply:     opts.Apply,
		actor:     opts.Actor,
	}
	if keyOK {
		g.overrideKey = opts.OverrideKey
	}
	return g
}

// Apply reports whether this guard will execute mutations.
func (g *Guard) Apply() bool { return g.apply }

// BackupFiles returns the backup artifacts created so far, newest last.
func (g *Guard) BackupFiles() []string { return g.backupFiles }

// Write runs one guarded mutation against table. condition/args select the
// rows about to be mutated and are what gets backed up; mutate performs the
// actual write inside a transaction and returns the affected row count.
//
// Ordering is fail-safe: protection check, then backup, then mutate. A
// backup failure aborts before any row is touched.
func (g *Guard) Write(table, operation, condition string, args []interface{}, mutate func(tx *gorm.DB) (int64, error)) (int64, error) {
	if protectedTables[table] {
		if !g.apply {
			g.log.Info("dry-run: would apply",
				zap.String("table", table),
				zap.String("operation", operation),
				zap.String("condition", condition))
			g.appendAudit(table, "DRY-RUN "+operation, condition, 0)
			return 0, nil
		}
		if g.overrideKey == "" {
			return 0, fmt.Errorf("%w: table %s", ErrProtected, table)
		}
	}

	backupCount, backupPath, err := g.backup(table, condition, args)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}

	var affected int64
	err = g.db.Transaction(func(tx *gorm.DB) error {
		n, err := mutate(tx)
		if err != nil {
			return err
		}
		affected = n
		return nil
	})
	if err != nil {
		// The transaction rolled back; the backup file is retained for
		// recovery.
		g.log.Error("guarded mutation failed, rolled back",
			zap.String("table", table),
			zap.String("backup", backupPath),
			zap.Error(err))
		return 0, err
	}

	if backupCount != affected {
		g.log.Warn("backup row count differs from mutated row count",
			zap.String("table", table),
			zap.Int64("backed_up", backupCount),
			zap.Int64("mutated", affected))
	}

	g.appendAudit(table, operation, condition, affected)
	return affected, nil
}

// Target names one table's rows participating in a multi-table mutation.
type Target struct {
	Table     string
	Condition string
	Args      []interface{}
}

// WriteMulti runs one guarded mutation spanning several tables as a single
// unit: protection covers every target, every target is backed up before any
// row is touched, and the mutations commit in one transaction. A failure
// anywhere rolls back the whole unit. The audit gets one line per target;
// row_count there is the number of rows snapshotted for that table.
func (g *Guard) WriteMulti(operation string, targets []Target, mutate func(tx *gorm.DB) (int64, error)) (int64, error) {
	anyProtected := false
	for _, t := range targets {
		if protectedTables[t.Table] {
			anyProtected = true
			break
		}
	}
	if anyProtected {
		if !g.apply {
			for _, t := range targets {
				g.log.Info("dry-run: would apply",
					zap.String("table", t.Table),
					zap.String("operation", operation),
					zap.String("condition", t.Condition))
				g.appendAudit(t.Table, "DRY-RUN "+operation, t.Condition, 0)
			}
			return 0, nil
		}
		if g.overrideKey == "" {
			return 0, fmt.Errorf("%w: operation %s", ErrProtected, operation)
		}
	}

	counts := make([]int64, len(targets))
	for i, t := range targets {
		n, _, err := g.backup(t.Table, t.Condition, t.Args)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBackupFailed, err)
		}
		counts[i] = n
	}

	var affected int64
	err := g.db.Transaction(func(tx *gorm.DB) error {
		n, err := mutate(tx)
		if err != nil {
			return err
		}
		affected = n
		return nil
	})
	if err != nil {
		g.log.Error("guarded mutation failed, rolled back",
			zap.String("operation", operation),
			zap.Error(err))
		return 0, err
	}

	for i, t := range targets {
		g.appendAudit(t.Table, operation, t.Condition, counts[i])
	}
	return affected, nil
}

// backup snapshots the rows matched by condition into a timestamped JSON
// file under the backup directory and returns the row count and path.
func (g *Guard) backup(table, condition string, args []interface{}) (int64, string, error) {
	var rows []map[string]interface{}
	query := g.db.Table(table)
	if condition != "" {
		query = query.Where(condition, args...)
	}
	if err := query.Find(&rows).Error; err != nil {
		return 0, "", err
	}

	if err := os.MkdirAll(g.backupDir, 0o755); err != nil {
		return 0, "", err
	}
	name := fmt.Sprintf("%s_%s.json", table, time.Now().UTC().Format("20060102T150405"))
	path := filepath.Join(g.backupDir, name)

	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return 0, "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return 0, "", err
	}

	g.backupFiles = append(g.backupFiles, path)
	g.log.Info("backup written", zap.String("path", path), zap.Int("rows", len(rows)))
	return int64(len(rows)), path, nil
}

// appendAudit appends one line to the audit log:
// timestamp | actor | table | operation | condition | row_count.
// Audit failures are logged, never fatal; the mutation already happened.
func (g *Guard) appendAudit(table, operation, condition string, rowCount int64) {
	f, err := os.OpenFile(g.auditPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		g.log.Error("audit log open failed", zap.Error(err))
		return
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = '|'
	_ = w.Write([]string{
		time.Now().UTC().Format(time.RFC3339),
		g.actor,
		table,
		operation,
		condition,
		fmt.Sprintf("%d", rowCount),
	})
	w.Flush()
	if err := w.Error(); err != nil {
		g.log.Error("audit log write failed", zap.Error(err))
	}
}

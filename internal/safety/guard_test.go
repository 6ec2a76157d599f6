package safety

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"charter-reconciliation-backend/internal/models"
)

func newGuardDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Booking{}, &models.Payment{}, &models.BankTransaction{}))
	return db
}

// seedLinkedDeposit creates a payment plus one bank statement line pointing
// at it, for multi-table mutation tests.
func seedLinkedDeposit(t *testing.T, db *gorm.DB) uuid.UUID {
	t.Helper()
	paid := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
	paymentID := uuid.New()
	require.NoError(t, db.Create(&models.Payment{
		ID:       paymentID,
		Amount:   decimal.NewNullDecimal(decimal.NewFromFloat(250)),
		PaidDate: &paid,
		Status:   models.PaymentUnlinked,
	}).Error)
	require.NoError(t, db.Create(&models.BankTransaction{
		ID:               uuid.New(),
		PostedDate:       paid,
		Amount:           decimal.NewFromFloat(250),
		MatchedPaymentID: &paymentID,
	}).Error)
	return paymentID
}

// deleteDepositTargets is the two-table unit used by the WriteMulti tests:
// clear the statement reference, then delete the payment.
func deleteDepositTargets(paymentID uuid.UUID) []Target {
	return []Target{
		{Table: "bank_transactions", Condition: "matched_payment_id = ?", Args: []interface{}{paymentID}},
		{Table: "payments", Condition: "id = ?", Args: []interface{}{paymentID}},
	}
}

func seedGuardBooking(t *testing.T, db *gorm.DB, reservation string) {
	t.Helper()
	require.NoError(t, db.Create(&models.Booking{
		ID:            uuid.New(),
		ReservationNo: reservation,
		TripDate:      time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC),
		TotalDue:      decimal.NewFromFloat(100),
		Balance:       decimal.NewFromFloat(100),
	}).Error)
}

func markCancelled(reservation string) func(tx *gorm.DB) (int64, error) {
	return func(tx *gorm.DB) (int64, error) {
		res := tx.Model(&models.Booking{}).
			Where("reservation_no = ?", reservation).
			Update("cancelled", true)
		return res.RowsAffected, res.Error
	}
}

func TestWriteDryRunTouchesNothing(t *testing.T) {
	db := newGuardDB(t)
	seedGuardBooking(t, db, "100001")
	dir := t.TempDir()
	audit := filepath.Join(dir, "audit.log")

	g := NewGuard(db, zap.NewNop(), Options{
		BackupDir:   filepath.Join(dir, "backups"),
		AuditPath:   audit,
		OverrideKey: "secret",
		ProvidedKey: "secret",
		Apply:       false,
		Actor:       "test",
	})

	n, err := g.Write("bookings", "UPDATE cancel", "reservation_no = ?",
		[]interface{}{"100001"}, markCancelled("100001"))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, g.BackupFiles())

	var b models.Booking
	require.NoError(t, db.First(&b, "reservation_no = ?", "100001").Error)
	assert.False(t, b.Cancelled)

	// The dry run is still audited.
	data, err := os.ReadFile(audit)
	require.NoError(t, err)
	assert.Contains(t, string(data), "DRY-RUN")
}

func TestWriteProtectedWithoutKey(t *testing.T) {
	db := newGuardDB(t)
	seedGuardBooking(t, db, "100001")
	dir := t.TempDir()

	g := NewGuard(db, zap.NewNop(), Options{
		BackupDir:   filepath.Join(dir, "backups"),
		AuditPath:   filepath.Join(dir, "audit.log"),
		OverrideKey: "secret",
		ProvidedKey: "wrong",
		Apply:       true,
		Actor:       "test",
	})

	_, err := g.Write("bookings", "UPDATE cancel", "reservation_no = ?",
		[]interface{}{"100001"}, markCancelled("100001"))
	assert.ErrorIs(t, err, ErrProtected)

	var b models.Booking
	require.NoError(t, db.First(&b, "reservation_no = ?", "100001").Error)
	assert.False(t, b.Cancelled)
}

func TestWriteBacksUpBeforeMutating(t *testing.T) {
	db := newGuardDB(t)
	seedGuardBooking(t, db, "100001")
	seedGuardBooking(t, db, "100002")
	dir := t.TempDir()
	audit := filepath.Join(dir, "audit.log")

	g := NewGuard(db, zap.NewNop(), Options{
		BackupDir:   filepath.Join(dir, "backups"),
		AuditPath:   audit,
		OverrideKey: "secret",
		ProvidedKey: "secret",
		Apply:       true,
		Actor:       "test",
	})

	n, err := g.Write("bookings", "UPDATE cancel", "reservation_no = ?",
		[]interface{}{"100001"}, markCancelled("100001"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var b models.Booking
	require.NoError(t, db.First(&b, "reservation_no = ?", "100001").Error)
	assert.True(t, b.Cancelled)

	// Backup holds the pre-mutation image of exactly the targeted rows.
	require.Len(t, g.BackupFiles(), 1)
	data, err := os.ReadFile(g.BackupFiles()[0])
	require.NoError(t, err)
	var rows []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &rows))
	require.Len(t, rows, 1)
	assert.False(t, strings.Contains(string(data), "100002"))

	// Audit line: timestamp|actor|table|operation|condition|row_count.
	auditData, err := os.ReadFile(audit)
	require.NoError(t, err)
	line := strings.TrimSpace(string(auditData))
	fields := strings.Split(line, "|")
	require.Len(t, fields, 6)
	assert.Equal(t, "test", fields[1])
	assert.Equal(t, "bookings", fields[2])
	assert.Equal(t, "1", fields[5])
}

func TestWriteRollsBackOnMutationError(t *testing.T) {
	db := newGuardDB(t)
	seedGuardBooking(t, db, "100001")
	dir := t.TempDir()

	g := NewGuard(db, zap.NewNop(), Options{
		BackupDir:   filepath.Join(dir, "backups"),
		AuditPath:   filepath.Join(dir, "audit.log"),
		OverrideKey: "secret",
		ProvidedKey: "secret",
		Apply:       true,
		Actor:       "test",
	})

	boom := errors.New("boom")
	_, err := g.Write("bookings", "UPDATE cancel", "reservation_no = ?",
		[]interface{}{"100001"},
		func(tx *gorm.DB) (int64, error) {
			res := tx.Model(&models.Booking{}).
				Where("reservation_no = ?", "100001").
				Update("cancelled", true)
			if res.Error != nil {
				return 0, res.Error
			}
			return 0, boom
		})
	assert.ErrorIs(t, err, boom)

	var b models.Booking
	require.NoError(t, db.First(&b, "reservation_no = ?", "100001").Error)
	assert.False(t, b.Cancelled)

	// Backup is retained for recovery even though the write rolled back.
	assert.Len(t, g.BackupFiles(), 1)
}

func TestWriteMultiCommitsBothTables(t *testing.T) {
	db := newGuardDB(t)
	paymentID := seedLinkedDeposit(t, db)
	dir := t.TempDir()
	audit := filepath.Join(dir, "audit.log")

	g := NewGuard(db, zap.NewNop(), Options{
		BackupDir:   filepath.Join(dir, "backups"),
		AuditPath:   audit,
		OverrideKey: "secret",
		ProvidedKey: "secret",
		Apply:       true,
		Actor:       "test",
	})

	n, err := g.WriteMulti("DELETE duplicates", deleteDepositTargets(paymentID),
		func(tx *gorm.DB) (int64, error) {
			if err := tx.Model(&models.BankTransaction{}).
				Where("matched_payment_id = ?", paymentID).
				Update("matched_payment_id", nil).Error; err != nil {
				return 0, err
			}
			res := tx.Delete(&models.Payment{}, "id = ?", paymentID)
			return res.RowsAffected, res.Error
		})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var paymentCount int64
	db.Model(&models.Payment{}).Count(&paymentCount)
	assert.Zero(t, paymentCount)
	var bt models.BankTransaction
	require.NoError(t, db.First(&bt).Error)
	assert.Nil(t, bt.MatchedPaymentID)

	// Both tables are snapshotted, and each gets its own audit line.
	assert.Len(t, g.BackupFiles(), 2)
	auditData, err := os.ReadFile(audit)
	require.NoError(t, err)
	assert.Contains(t, string(auditData), "bank_transactions")
	assert.Contains(t, string(auditData), "payments")
}

func TestWriteMultiRollsBackAllTables(t *testing.T) {
	db := newGuardDB(t)
	paymentID := seedLinkedDeposit(t, db)
	dir := t.TempDir()

	g := NewGuard(db, zap.NewNop(), Options{
		BackupDir:   filepath.Join(dir, "backups"),
		AuditPath:   filepath.Join(dir, "audit.log"),
		OverrideKey: "secret",
		ProvidedKey: "secret",
		Apply:       true,
		Actor:       "test",
	})

	boom := errors.New("boom")
	_, err := g.WriteMulti("DELETE duplicates", deleteDepositTargets(paymentID),
		func(tx *gorm.DB) (int64, error) {
			// The first table's mutation succeeds before the unit fails.
			if err := tx.Model(&models.BankTransaction{}).
				Where("matched_payment_id = ?", paymentID).
				Update("matched_payment_id", nil).Error; err != nil {
				return 0, err
			}
			return 0, boom
		})
	assert.ErrorIs(t, err, boom)

	// The reference clear rolled back along with everything else.
	var bt models.BankTransaction
	require.NoError(t, db.First(&bt).Error)
	require.NotNil(t, bt.MatchedPaymentID)
	assert.Equal(t, paymentID, *bt.MatchedPaymentID)
	var paymentCount int64
	db.Model(&models.Payment{}).Count(&paymentCount)
	assert.Equal(t, int64(1), paymentCount)
}

func TestWriteMultiBackupFailureAbortsBeforeAnyWrite(t *testing.T) {
	db := newGuardDB(t)
	paymentID := seedLinkedDeposit(t, db)
	dir := t.TempDir()

	blocked := filepath.Join(dir, "backups")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0o644))

	g := NewGuard(db, zap.NewNop(), Options{
		BackupDir:   blocked,
		AuditPath:   filepath.Join(dir, "audit.log"),
		OverrideKey: "secret",
		ProvidedKey: "secret",
		Apply:       true,
		Actor:       "test",
	})

	mutated := false
	_, err := g.WriteMulti("DELETE duplicates", deleteDepositTargets(paymentID),
		func(tx *gorm.DB) (int64, error) {
			mutated = true
			return 0, nil
		})
	assert.ErrorIs(t, err, ErrBackupFailed)
	assert.False(t, mutated)

	var bt models.BankTransaction
	require.NoError(t, db.First(&bt).Error)
	assert.NotNil(t, bt.MatchedPaymentID)
}

func TestWriteMultiDryRunTouchesNothing(t *testing.T) {
	db := newGuardDB(t)
	paymentID := seedLinkedDeposit(t, db)
	dir := t.TempDir()
	audit := filepath.Join(dir, "audit.log")

	g := NewGuard(db, zap.NewNop(), Options{
		BackupDir:   filepath.Join(dir, "backups"),
		AuditPath:   audit,
		OverrideKey: "secret",
		ProvidedKey: "secret",
		Apply:       false,
		Actor:       "test",
	})

	n, err := g.WriteMulti("DELETE duplicates", deleteDepositTargets(paymentID),
		func(tx *gorm.DB) (int64, error) {
			t.Fatal("mutate must not run in a dry run")
			return 0, nil
		})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, g.BackupFiles())

	var paymentCount int64
	db.Model(&models.Payment{}).Count(&paymentCount)
	assert.Equal(t, int64(1), paymentCount)

	// Each target still gets an audit line.
	data, err := os.ReadFile(audit)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Contains(t, line, "DRY-RUN")
	}
}

func TestWriteBackupFailureAborts(t *testing.T) {
	db := newGuardDB(t)
	seedGuardBooking(t, db, "100001")
	dir := t.TempDir()

	// Backup directory path occupied by a regular file.
	blocked := filepath.Join(dir, "backups")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0o644))

	g := NewGuard(db, zap.NewNop(), Options{
		BackupDir:   blocked,
		AuditPath:   filepath.Join(dir, "audit.log"),
		OverrideKey: "secret",
		ProvidedKey: "secret",
		Apply:       true,
		Actor:       "test",
	})

	_, err := g.Write("bookings", "UPDATE cancel", "reservation_no = ?",
		[]interface{}{"100001"}, markCancelled("100001"))
	assert.ErrorIs(t, err, ErrBackupFailed)

	var b models.Booking
	require.NoError(t, db.First(&b, "reservation_no = ?", "100001").Error)
	assert.False(t, b.Cancelled)
}

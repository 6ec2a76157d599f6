package dedupe

import (
	"encoding/json"
	"os"
	"path/filepath"
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
	"charter-reconciliation-backend/internal/repository"
	"charter-reconciliation-backend/internal/safety"
)

func newTestDetector(t *testing.T, allow *Allowlist, apply bool) (*Detector, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Payment{}, &models.Charge{}, &models.BankTransaction{}))

	dir := t.TempDir()
	guard := safety.NewGuard(db, zap.NewNop(), safety.Options{
		BackupDir:   filepath.Join(dir, "backups"),
		AuditPath:   filepath.Join(dir, "audit.log"),
		OverrideKey: "secret",
		ProvidedKey: "secret",
		Apply:       apply,
		Actor:       "test",
	})
	if allow == nil {
		allow = &Allowlist{}
	}

	d := NewDetector(
		repository.NewPaymentRepository(db),
		repository.NewChargeRepository(db),
		repository.NewBankTransactionRepository(db),
		guard,
		allow,
		zap.NewNop(),
	)
	return d, db
}

func seedPayment(t *testing.T, db *gorm.DB, id uuid.UUID, amount float64, account, note, key string, created time.Time) {
	t.Helper()
	paid := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.Create(&models.Payment{
		ID:         id,
		Amount:     decimal.NewNullDecimal(decimal.NewFromFloat(amount)),
		PaidDate:   &paid,
		AccountID:  account,
		Note:       note,
		LinkageKey: key,
		Status:     models.PaymentUnlinked,
		CreatedAt:  created,
	}).Error)
}

func TestFindPaymentGroups(t *testing.T) {
	d, db := newTestDetector(t, nil, false)
	base := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

	early, late := uuid.New(), uuid.New()
	seedPayment(t, db, early, 479.70, "A123", "charter deposit", "", base)
	seedPayment(t, db, late, 479.70, "A123", "charter deposit", "", base.Add(time.Hour))
	// Different amount, not in the group.
	seedPayment(t, db, uuid.New(), 250.00, "A123", "charter deposit", "", base)

	groups, err := d.FindPaymentGroups(nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, groups, 1)

	g := groups[0]
	assert.Equal(t, early, g.KeepID)
	assert.Equal(t, []uuid.UUID{late}, g.DeleteIDs)
	assert.Len(t, g.RowIDs, 2)
}

func TestFindPaymentGroupsDistinctLinkageKeys(t *testing.T) {
	d, db := newTestDetector(t, nil, false)
	base := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

	// Two same-day $120.00 rows from one settlement batch, each carrying
	// its own sub-reference: a legitimate multi-booking deposit.
	seedPayment(t, db, uuid.New(), 120.00, "A123", "DEPOSIT BATCH", "DEP-20240310:004521", base)
	seedPayment(t, db, uuid.New(), 120.00, "A123", "DEPOSIT BATCH", "DEP-20240310:004599", base)

	groups, err := d.FindPaymentGroups(nil, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestFindPaymentGroupsSameLinkageKeyStillFlagged(t *testing.T) {
	d, db := newTestDetector(t, nil, false)
	base := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

	// Identical keys do not disambiguate; a re-import made a true duplicate.
	seedPayment(t, db, uuid.New(), 120.00, "A123", "DEPOSIT BATCH", "DEP-20240310:004521", base)
	seedPayment(t, db, uuid.New(), 120.00, "A123", "DEPOSIT BATCH", "DEP-20240310:004521", base)

	groups, err := d.FindPaymentGroups(nil, nil, 0)
	require.NoError(t, err)
	assert.Len(t, groups, 1)
}

func TestFindPaymentGroupsAllowlistNeverFlagged(t *testing.T) {
	a, b := uuid.New(), uuid.New()

	path := filepath.Join(t.TempDir(), "allowlist.json")
	data, err := json.Marshal([][]string{{a.String(), b.String()}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	allow, err := LoadAllowlist(path)
	require.NoError(t, err)

	d, db := newTestDetector(t, allow, false)
	base := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	seedPayment(t, db, a, 75.00, "A123", "monthly fee", "", base)
	seedPayment(t, db, b, 75.00, "A123", "monthly fee", "", base)

	groups, err := d.FindPaymentGroups(nil, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestFindPaymentGroupsDescPrefixBounded(t *testing.T) {
	d, db := newTestDetector(t, nil, false)
	base := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

	// Long free-text tails differ across re-imports; only the first twelve
	// characters participate in the key.
	seedPayment(t, db, uuid.New(), 479.70, "A123", "CHARTER DEPOSIT ref 2024-0001", "", base)
	seedPayment(t, db, uuid.New(), 479.70, "A123", "CHARTER DEPOSIT re-import copy", "", base)

	groups, err := d.FindPaymentGroups(nil, nil, 0)
	require.NoError(t, err)
	assert.Len(t, groups, 1)
}

func TestDeletePaymentsDryRun(t *testing.T) {
	d, db := newTestDetector(t, nil, false)
	base := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	seedPayment(t, db, uuid.New(), 479.70, "A123", "charter deposit", "", base)
	seedPayment(t, db, uuid.New(), 479.70, "A123", "charter deposit", "", base.Add(time.Hour))

	groups, err := d.FindPaymentGroups(nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, groups, 1)

	n, err := d.DeletePayments(groups[0])
	require.NoError(t, err)
	assert.Zero(t, n)

	var count int64
	require.NoError(t, db.Model(&models.Payment{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestDeletePaymentsClearsBankRefs(t *testing.T) {
	d, db := newTestDetector(t, nil, true)
	base := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

	keep, doomed := uuid.New(), uuid.New()
	seedPayment(t, db, keep, 479.70, "A123", "charter deposit", "", base)
	seedPayment(t, db, doomed, 479.70, "A123", "charter deposit", "", base.Add(time.Hour))

	posted := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	txID := uuid.New()
	require.NoError(t, db.Create(&models.BankTransaction{
		ID:               txID,
		PostedDate:       posted,
		Amount:           decimal.NewFromFloat(479.70),
		MatchedPaymentID: &doomed,
	}).Error)

	groups, err := d.FindPaymentGroups(nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, keep, groups[0].KeepID)

	n, err := d.DeletePayments(groups[0])
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The statement line survives with its reference cleared.
	var bt models.BankTransaction
	require.NoError(t, db.First(&bt, "id = ?", txID).Error)
	assert.Nil(t, bt.MatchedPaymentID)

	// Only the kept payment remains.
	var remaining []models.Payment
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, keep, remaining[0].ID)
}

func TestDeletePaymentsAtomicWhenBackupFails(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Payment{}, &models.Charge{}, &models.BankTransaction{}))

	// Backup directory path occupied by a regular file, so every snapshot
	// attempt fails before any row is touched.
	dir := t.TempDir()
	blocked := filepath.Join(dir, "backups")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0o644))
	guard := safety.NewGuard(db, zap.NewNop(), safety.Options{
		BackupDir:   blocked,
		AuditPath:   filepath.Join(dir, "audit.log"),
		OverrideKey: "secret",
		ProvidedKey: "secret",
		Apply:       true,
		Actor:       "test",
	})
	d := NewDetector(
		repository.NewPaymentRepository(db),
		repository.NewChargeRepository(db),
		repository.NewBankTransactionRepository(db),
		guard,
		&Allowlist{},
		zap.NewNop(),
	)

	base := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	keep, doomed := uuid.New(), uuid.New()
	seedPayment(t, db, keep, 479.70, "A123", "charter deposit", "", base)
	seedPayment(t, db, doomed, 479.70, "A123", "charter deposit", "", base.Add(time.Hour))
	txID := uuid.New()
	require.NoError(t, db.Create(&models.BankTransaction{
		ID:               txID,
		PostedDate:       base,
		Amount:           decimal.NewFromFloat(479.70),
		MatchedPaymentID: &doomed,
	}).Error)

	groups, err := d.FindPaymentGroups(nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, groups, 1)

	_, err = d.DeletePayments(groups[0])
	assert.ErrorIs(t, err, safety.ErrBackupFailed)

	// The whole unit aborted: the statement reference is still set and
	// both payment rows survive.
	var bt models.BankTransaction
	require.NoError(t, db.First(&bt, "id = ?", txID).Error)
	require.NotNil(t, bt.MatchedPaymentID)
	assert.Equal(t, doomed, *bt.MatchedPaymentID)
	var count int64
	require.NoError(t, db.Model(&models.Payment{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestFindPaymentGroupsLimit(t *testing.T) {
	d, db := newTestDetector(t, nil, false)
	base := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

	// One duplicate pair plus a later unrelated row. With the scan capped
	// at the first two rows by paid date, only the pair is considered.
	seedPayment(t, db, uuid.New(), 479.70, "A123", "charter deposit", "", base)
	seedPayment(t, db, uuid.New(), 479.70, "A123", "charter deposit", "", base.Add(time.Hour))
	late := uuid.New()
	laterPaid := time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.Create(&models.Payment{
		ID:       late,
		Amount:   decimal.NewNullDecimal(decimal.NewFromFloat(250.00)),
		PaidDate: &laterPaid,
		Status:   models.PaymentUnlinked,
	}).Error)

	groups, err := d.FindPaymentGroups(nil, nil, 2)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.NotContains(t, groups[0].RowIDs, late)
}

func TestFindChargeGroups(t *testing.T) {
	d, db := newTestDetector(t, nil, false)
	created := time.Date(2024, 3, 8, 9, 0, 0, 0, time.UTC)

	first, second := uuid.New(), uuid.New()
	for _, id := range []uuid.UUID{first, second} {
		require.NoError(t, db.Create(&models.Charge{
			ID:            id,
			ReservationNo: "100001",
			Amount:        decimal.NewFromFloat(350),
			Description:   "charter service",
			CreatedAt:     created,
		}).Error)
	}

	groups, err := d.FindChargeGroups("100001")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].DeleteIDs, 1)
}

func TestAllowlistContains(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	allow := &Allowlist{sets: []map[uuid.UUID]bool{{a: true, b: true}}}

	assert.True(t, allow.Contains([]uuid.UUID{a, b}))
	assert.True(t, allow.Contains([]uuid.UUID{a}))
	assert.False(t, allow.Contains([]uuid.UUID{a, b, c}))
	assert.False(t, allow.Contains(nil))
}

func TestLoadAllowlistEmptyPath(t *testing.T) {
	allow, err := LoadAllowlist("")
	require.NoError(t, err)
	assert.False(t, allow.Contains([]uuid.UUID{uuid.New()}))
}

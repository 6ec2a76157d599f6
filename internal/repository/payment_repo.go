package repository

import (
	"errors"
	"time"

	"charter-reconciliation-backend/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// Expose DB if needed
func (r *PaymentRepository) DB() *gorm.DB {
	return r.db
}

// FetchUnlinked returns payments awaiting a booking link, bounded by paid
// date. Payments marked unmatchable are never re-offered. Ordering is fixed
// (date, then linkage key, then id) so repeated runs over an unchanged
// dataset process rows identically.
func (r *PaymentRepository) FetchUnlinked(since, until *time.Time, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	query := r.db.
		Where("reservation_no IS NULL").
		Where("status = ?", models.PaymentUnlinked).
		Order("paid_date ASC, linkage_key ASC, id ASC")
	if since != nil {
		query = query.Where("paid_date >= ?", *since)
	}
	if until != nil {
		query = query.Where("paid_date <= ?", *until)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&payments).Error
	return payments, err
}

// ListLinked returns all payments currently linked to a reservation.
func (r *PaymentRepository) ListLinked(reservationNo string) ([]models.Payment, error) {
	var payments []models.Payment
	err := r.db.
		Where("reservation_no = ?", reservationNo).
		Order("paid_date ASC, id ASC").
		Find(&payments).Error
	return payments, err
}

// FindUnallocated returns payments of the given amount, paid inside
// [from, to], not yet tied to a bank statement line.
func (r *PaymentRepository) FindUnallocated(amount decimal.Decimal, from, to time.Time) ([]models.Payment, error) {
	var payments []models.Payment
	err := r.db.
		Where("bank_transaction_id IS NULL").
		Where("amount = ?", amount).
		Where("paid_date BETWEEN ? AND ?", from, to).
		Order("paid_date ASC, id ASC").
		Find(&payments).Error
	return payments, err
}

// ListInWindow returns payments bounded by paid date, for duplicate
// scanning. A positive limit caps the result.
func (r *PaymentRepository) ListInWindow(since, until *time.Time, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	query := r.db.Order("paid_date ASC, id ASC")
	if since != nil {
		query = query.Where("paid_date >= ?", *since)
	}
	if until != nil {
		query = query.Where("paid_date <= ?", *until)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&payments).Error
	return payments, err
}

// FetchByKey fetches a single payment by ID, or nil when absent.
func (r *PaymentRepository) FetchByKey(id uuid.UUID) (*models.Payment, error) {
	var p models.Payment
	err := r.db.First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) Insert(p *models.Payment) error {
	return r.db.Create(p).Error
}

func (r *PaymentRepository) Update(id uuid.UUID, fields map[string]interface{}) (int64, error) {
	res := r.db.Model(&models.Payment{}).Where("id = ?", id).Updates(fields)
	return res.RowsAffected, res.Error
}

func (r *PaymentRepository) Delete(id uuid.UUID) (int64, error) {
	res := r.db.Delete(&models.Payment{}, "id = ?", id)
	return res.RowsAffected, res.Error
}

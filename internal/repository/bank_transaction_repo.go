package repository

import (
	"errors"
	"time"

	"charter-reconciliation-backend/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type BankTransactionRepository struct {
	db *gorm.DB
}

func NewBankTransactionRepository(db *gorm.DB) *BankTransactionRepository {
	return &BankTransactionRepository{db: db}
}

// FetchUnlinked returns credit lines not yet allocated to a payment.
func (r *BankTransactionRepository) FetchUnlinked(since, until *time.Time, limit int) ([]models.BankTransaction, error) {
	var txns []models.BankTransaction
	query := r.db.
		Where("matched_payment_id IS NULL").
		Where("amount > 0").
		Order("posted_date ASC, id ASC")
	if since != nil {
		query = query.Where("posted_date >= ?", *since)
	}
	if until != nil {
		query = query.Where("posted_date <= ?", *until)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&txns).Error
	return txns, err
}

// ListForPayments returns statement lines pointing at any of the given
// payments. Used to clear references before a duplicate delete.
func (r *BankTransactionRepository) ListForPayments(paymentIDs []uuid.UUID) ([]models.BankTransaction, error) {
	var txns []models.BankTransaction
	err := r.db.
		Where("matched_payment_id IN ?", paymentIDs).
		Find(&txns).Error
	return txns, err
}

func (r *BankTransactionRepository) FetchByKey(id uuid.UUID) (*models.BankTransaction, error) {
	var t models.BankTransaction
	err := r.db.First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *BankTransactionRepository) Insert(t *models.BankTransaction) error {
	return r.db.Create(t).Error
}

func (r *BankTransactionRepository) Update(id uuid.UUID, fields map[string]interface{}) (int64, error) {
	res := r.db.Model(&models.BankTransaction{}).Where("id = ?", id).Updates(fields)
	return res.RowsAffected, res.Error
}

func (r *BankTransactionRepository) Delete(id uuid.UUID) (int64, error) {
	res := r.db.Delete(&models.BankTransaction{}, "id = ?", id)
	return res.RowsAffected, res.Error
}

package repository

import (
	"charter-reconciliation-backend/internal/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type ChargeRepository struct {
	db *gorm.DB
}

func NewChargeRepository(db *gorm.DB) *ChargeRepository {
	return &ChargeRepository{db: db}
}

// ListForBooking returns the charge rows for a reservation, oldest first.
func (r *ChargeRepository) ListForBooking(reservationNo string) ([]models.Charge, error) {
	var charges []models.Charge
	err := r.db.
		Where("reservation_no = ?", reservationNo).
		Order("created_at ASC, id ASC").
		Find(&charges).Error
	return charges, err
}

// SumForBooking sums charge amounts in decimal space. The cached
// Booking.TotalDue may be stale; this sum is authoritative.
func (r *ChargeRepository) SumForBooking(reservationNo string) (decimal.Decimal, error) {
	charges, err := r.ListForBooking(reservationNo)
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, c := range charges {
		sum = sum.Add(c.Amount)
	}
	return sum, nil
}

func (r *ChargeRepository) Insert(c *models.Charge) error {
	return r.db.Create(c).Error
}

func (r *ChargeRepository) Update(id string, fields map[string]interface{}) (int64, error) {
	res := r.db.Model(&models.Charge{}).Where("id = ?", id).Updates(fields)
	return res.RowsAffected, res.Error
}

func (r *ChargeRepository) Delete(id string) (int64, error) {
	res := r.db.Delete(&models.Charge{}, "id = ?", id)
	return res.RowsAffected, res.Error
}

package repository

import (
	"errors"
	"time"

	"charter-reconciliation-backend/internal/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type BookingRepository struct {
	db *gorm.DB
}

func NewBookingRepository(db *gorm.DB) *BookingRepository {
	return &BookingRepository{db: db}
}

// Expose DB if needed
func (r *BookingRepository) DB() *gorm.DB {
	return r.db
}

// FetchByKey returns the booking with the given reservation number, or nil
// when no such booking exists.
func (r *BookingRepository) FetchByKey(reservationNo string) (*models.Booking, error) {
	var b models.Booking
	err := r.db.First(&b, "reservation_no = ?", reservationNo).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// FindByAccountInWindow returns bookings for an account whose trip date
// falls inside [from, to]. Cancelled bookings are excluded unless asked for.
func (r *BookingRepository) FindByAccountInWindow(accountID string, from, to time.Time, includeCancelled bool) ([]models.Booking, error) {
	var bookings []models.Booking
	query := r.db.
		Where("account_id = ?", accountID).
		Where("trip_date BETWEEN ? AND ?", from, to)
	if !includeCancelled {
		query = query.Where("cancelled = ?", false)
	}
	err := query.
		Order("trip_date ASC, reservation_no ASC").
		Find(&bookings).Error
	return bookings, err
}

// FindByAmountInWindow returns bookings whose outstanding balance or total
// due equals amount within tolerance, trip date inside [from, to]. Used when
// the payment carries no account linkage. Cancelled bookings are excluded
// unless asked for.
func (r *BookingRepository) FindByAmountInWindow(amount, tolerance decimal.Decimal, from, to time.Time, includeCancelled bool) ([]models.Booking, error) {
	var bookings []models.Booking
	lo := amount.Sub(tolerance)
	hi := amount.Add(tolerance)
	query := r.db.
		Where("(balance BETWEEN ? AND ?) OR (total_due BETWEEN ? AND ?)", lo, hi, lo, hi).
		Where("trip_date BETWEEN ? AND ?", from, to)
	if !includeCancelled {
		query = query.Where("cancelled = ?", false)
	}
	err := query.
		Order("trip_date ASC, reservation_no ASC").
		Find(&bookings).Error
	return bookings, err
}

// List returns bookings bounded by trip date, oldest first.
func (r *BookingRepository) List(since, until *time.Time, limit int) ([]models.Booking, error) {
	var bookings []models.Booking
	query := r.db.Order("trip_date ASC, reservation_no ASC")
	if since != nil {
		query = query.Where("trip_date >= ?", *since)
	}
	if until != nil {
		query = query.Where("trip_date <= ?", *until)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&bookings).Error
	return bookings, err
}

func (r *BookingRepository) Insert(b *models.Booking) error {
	return r.db.Create(b).Error
}

func (r *BookingRepository) Update(reservationNo string, fields map[string]interface{}) (int64, error) {
	res := r.db.Model(&models.Booking{}).
		Where("reservation_no = ?", reservationNo).
		Updates(fields)
	return res.RowsAffected, res.Error
}

func (r *BookingRepository) Delete(reservationNo string) (int64, error) {
	res := r.db.Delete(&models.Booking{}, "reservation_no = ?", reservationNo)
	return res.RowsAffected, res.Error
}

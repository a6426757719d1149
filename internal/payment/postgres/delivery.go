package postgres

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kimenyu/mpesa-bridge/internal/core/datamodel/payment"
)

type DeliveryRepository struct {
	db *gorm.DB
}

func NewDeliveryRepository(db *gorm.DB) *DeliveryRepository {
	return &DeliveryRepository{
		db: db,
	}
}

// RecordAttempt upserts the delivery record for an outcome, bumping the
// attempt counter and storing the latest error if the attempt failed.
func (r *DeliveryRepository) RecordAttempt(outcome *payment.Outcome, deliveryErr error) error {
	var lastError *string
	if deliveryErr != nil {
		msg := deliveryErr.Error()
		lastError = &msg
	}

	record := &payment.DeliveryRecord{
		CheckoutRequestID: outcome.CheckoutRequestID,
		OrderID:           outcome.OrderID,
		Status:            outcome.Status,
		Amount:            outcome.Amount,
		Attempts:          1,
		LastError:         lastError,
	}

	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "checkout_request_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"attempts":   gorm.Expr("delivery_records.attempts + 1"),
			"status":     outcome.Status,
			"amount":     outcome.Amount,
			"last_error": lastError,
			"updated_at": time.Now(),
		}),
	}).Create(record).Error
}

func (r *DeliveryRepository) MarkDelivered(checkoutRequestID string, at time.Time) error {
	return r.db.Model(&payment.DeliveryRecord{}).
		Where("checkout_request_id = ?", checkoutRequestID).
		Updates(map[string]interface{}{
			"delivered_at": at,
			"updated_at":   time.Now(),
		}).Error
}

// GetByCheckoutRequestID fetches one delivery record.
func (r *DeliveryRepository) GetByCheckoutRequestID(checkoutRequestID string) (*payment.DeliveryRecord, error) {
	var record payment.DeliveryRecord
	err := r.db.Where("checkout_request_id = ?", checkoutRequestID).First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// GetUndelivered lists records that never completed delivery, oldest first.
func (r *DeliveryRepository) GetUndelivered(limit int) ([]*payment.DeliveryRecord, error) {
	var records []*payment.DeliveryRecord
	err := r.db.Where("delivered_at IS NULL").Order("created_at ASC").Limit(limit).Find(&records).Error
	return records, err
}

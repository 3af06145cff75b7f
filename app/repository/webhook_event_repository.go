package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/SubSync/app/models"
)

type webhookEventRepository struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepository{db: db}
}

// List returns stored events newest first, optionally for one provider.
func (r *webhookEventRepository) List(provider string, offset, limit int) ([]models.BillingWebhookEvent, error) {
	var events []models.BillingWebhookEvent
	q := r.db.Order("received_at DESC, id DESC").Offset(offset).Limit(limit)
	if provider != "" {
		q = q.Where("provider = ?", provider)
	}
	err := q.Find(&events).Error
	return events, err
}

func (r *webhookEventRepository) GetByID(id uint) (*models.BillingWebhookEvent, error) {
	var event models.BillingWebhookEvent
	if err := r.db.First(&event, id).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

// CountFailedSince counts events whose processing recorded an error.
func (r *webhookEventRepository) CountFailedSince(since time.Time) (int64, error) {
	var count int64
	err := r.db.Model(&models.BillingWebhookEvent{}).
		Where("received_at >= ? AND processing_error <> ''", since).
		Count(&count).Error
	return count, err
}

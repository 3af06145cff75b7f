package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/SubSync/app/models"
)

type eventStatRepository struct {
	db *gorm.DB
}

func NewEventStatRepository(db *gorm.DB) EventStatRepository {
	return &eventStatRepository{db: db}
}

// Since returns the daily ingestion counters from the UTC day of start on.
func (r *eventStatRepository) Since(start time.Time) ([]models.BillingEventStat, error) {
	var stats []models.BillingEventStat
	day := start.UTC().Truncate(24 * time.Hour)
	err := r.db.Where("day >= ?", day).Order("day ASC, provider ASC, outcome ASC").Find(&stats).Error
	return stats, err
}

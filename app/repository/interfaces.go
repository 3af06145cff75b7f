package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/SubSync/app/models"
)

// UserRepository defines the interface for user-related database operations
type UserRepository interface {
	Create(user *models.User) error
	GetByID(id uint) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
	GetByAPIKeyHash(hash string) (*models.User, error)
	SetAPIKeyHash(id uint, hash string) error
	List(offset, limit int) ([]models.User, error)
	Count() (int64, error)
	CountSubscribed() (int64, error)
	Search(query string) ([]models.User, error)
}

// WebhookEventRepository reads the stored provider events for the admin API.
type WebhookEventRepository interface {
	List(provider string, offset, limit int) ([]models.BillingWebhookEvent, error)
	GetByID(id uint) (*models.BillingWebhookEvent, error)
	CountFailedSince(since time.Time) (int64, error)
}

// EventStatRepository reads the flushed ingestion counters.
type EventStatRepository interface {
	Since(start time.Time) ([]models.BillingEventStat, error)
}

// Repositories holds all repository instances
type Repositories struct {
	User         UserRepository
	WebhookEvent WebhookEventRepository
	EventStat    EventStatRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:         NewUserRepository(db),
		WebhookEvent: NewWebhookEventRepository(db),
		EventStat:    NewEventStatRepository(db),
	}
}

package billing

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/SubSync/app/models"
	"github.com/ManuelReschke/SubSync/internal/pkg/database"
)

// Repository provides the DB operations used by the reconciliation engine.
// Lookups that may legitimately find nothing return (nil, nil).
type Repository interface {
	GetUser(userID uint) (*models.User, error)
	SaveSnapshot(user *models.User) error
	TouchSubscriptionAlert(userID uint, at time.Time) error
	SetGrandfathered(userID uint, grandfathered bool) error
	SetPaymentMethod(userID uint, method string) error

	GetProviderRecord(userID uint, provider string, forUpdate bool) (*models.ProviderRecord, error)
	ListProviderRecords(userID uint) ([]models.ProviderRecord, error)
	UpsertProviderRecord(rec *models.ProviderRecord) error
	FindUserIDByCustomer(provider, customerID string) (uint, error)
	ListUsersDueForRefresh(from, to time.Time, limit int) ([]uint, error)

	FindReceiptTransaction(transactionID string) (*models.ReceiptTransaction, error)
	FindUserIDByOriginalTransaction(originalTransactionID string) (uint, error)
	// ListReceiptOwners returns the distinct users holding a transaction of
	// the given subscription chain.
	ListReceiptOwners(originalTransactionID string) ([]uint, error)
	AppendReceiptTransaction(tx *models.ReceiptTransaction) (bool, error)

	GetWebhookEvent(provider, providerEventID string) (*models.BillingWebhookEvent, error)
	UpsertWebhookEvent(event *models.BillingWebhookEvent) (bool, error)
	MarkWebhookProcessed(id uint, processingError string) error

	// WithContext scopes every query of the returned repository to ctx.
	WithContext(ctx context.Context) Repository
	// Transaction runs fn inside one unit of work; any error rolls back.
	Transaction(ctx context.Context, fn func(tx Repository) error) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) WithContext(ctx context.Context) Repository {
	return &gormRepository{db: r.db.WithContext(ctx)}
}

func (r *gormRepository) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) GetUser(userID uint) (*models.User, error) {
	var u models.User
	if err := r.db.First(&u, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (r *gormRepository) SaveSnapshot(user *models.User) error {
	return r.db.Model(&models.User{}).Where("id = ?", user.ID).Updates(map[string]interface{}{
		"is_subscribed":       user.IsSubscribed,
		"subscription_status": user.SubscriptionStatus,
		"winning_provider":    user.WinningProvider,
	}).Error
}

func (r *gormRepository) TouchSubscriptionAlert(userID uint, at time.Time) error {
	return r.db.Model(&models.User{}).Where("id = ?", userID).
		Update("last_subscription_alert", at).Error
}

func (r *gormRepository) SetGrandfathered(userID uint, grandfathered bool) error {
	tx := r.db.Model(&models.User{}).Where("id = ?", userID).Update("grandfathered", grandfathered)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		// RowsAffected is 0 both for a missing user and an unchanged value.
		if _, err := r.GetUser(userID); err != nil {
			return err
		}
	}
	return nil
}

func (r *gormRepository) SetPaymentMethod(userID uint, method string) error {
	return r.db.Model(&models.User{}).Where("id = ?", userID).Update("payment_method", method).Error
}

func (r *gormRepository) GetProviderRecord(userID uint, provider string, forUpdate bool) (*models.ProviderRecord, error) {
	q := r.db.Where("user_id = ? AND provider = ?", userID, provider)
	if forUpdate && database.IsMySQL(r.db) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var rec models.ProviderRecord
	if err := q.First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (r *gormRepository) ListProviderRecords(userID uint) ([]models.ProviderRecord, error) {
	var recs []models.ProviderRecord
	err := r.db.Where("user_id = ?", userID).Order("provider").Find(&recs).Error
	return recs, err
}

func (r *gormRepository) UpsertProviderRecord(rec *models.ProviderRecord) error {
	row := *rec
	row.ID = 0
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"},
			{Name: "provider"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"external_customer_id",
			"status",
			"expires_at",
			"plan_id",
			"recurring",
			"grace_count",
			"main_transaction_id",
			"updated_at",
		}),
	}).Create(&row).Error; err != nil {
		return err
	}

	// Ensure ID and timestamps are populated after upsert.
	return r.db.Where("user_id = ? AND provider = ?", rec.UserID, rec.Provider).First(rec).Error
}

func (r *gormRepository) FindUserIDByCustomer(provider, customerID string) (uint, error) {
	var rec models.ProviderRecord
	err := r.db.Where("provider = ? AND external_customer_id = ?", provider, customerID).
		Order("updated_at DESC").First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrUserNotFound
		}
		return 0, err
	}
	return rec.UserID, nil
}

func (r *gormRepository) ListUsersDueForRefresh(from, to time.Time, limit int) ([]uint, error) {
	var ids []uint
	q := r.db.Model(&models.ProviderRecord{}).
		Where("provider IN ? AND expires_at IS NOT NULL AND expires_at BETWEEN ? AND ?",
			[]string{models.BillingProviderStripe, models.BillingProviderReceipt}, from, to).
		Distinct("user_id").
		Order("user_id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Pluck("user_id", &ids).Error
	return ids, err
}

func (r *gormRepository) FindReceiptTransaction(transactionID string) (*models.ReceiptTransaction, error) {
	var tx models.ReceiptTransaction
	if err := r.db.Where("transaction_identifier = ?", transactionID).First(&tx).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &tx, nil
}

func (r *gormRepository) FindUserIDByOriginalTransaction(originalTransactionID string) (uint, error) {
	var tx models.ReceiptTransaction
	err := r.db.Where("original_transaction_identifier = ? OR transaction_identifier = ?", originalTransactionID, originalTransactionID).
		Order("purchased_at DESC").First(&tx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrUserNotFound
		}
		return 0, err
	}
	return tx.UserID, nil
}

func (r *gormRepository) ListReceiptOwners(originalTransactionID string) ([]uint, error) {
	q := r.db.Model(&models.ReceiptTransaction{}).
		Where("original_transaction_identifier = ? OR transaction_identifier = ?", originalTransactionID, originalTransactionID)
	if database.IsMySQL(r.db) {
		// Next-key locks keep a concurrent claim of the same chain out until commit.
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var ids []uint
	err := q.Distinct("user_id").Order("user_id").Pluck("user_id", &ids).Error
	return ids, err
}

// AppendReceiptTransaction inserts tx unless its transaction identifier is
// already stored. An existing row held by a different user is reported as
// ErrTransactionClaimed.
func (r *gormRepository) AppendReceiptTransaction(tx *models.ReceiptTransaction) (bool, error) {
	row := *tx
	row.ID = 0
	res := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "transaction_identifier"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	existing, err := r.FindReceiptTransaction(tx.TransactionIdentifier)
	if err != nil {
		return false, err
	}
	if existing != nil && existing.UserID != tx.UserID {
		return false, ErrTransactionClaimed
	}
	return false, nil
}

func (r *gormRepository) GetWebhookEvent(provider, providerEventID string) (*models.BillingWebhookEvent, error) {
	var ev models.BillingWebhookEvent
	err := r.db.Where("provider = ? AND provider_event_id = ?", provider, providerEventID).First(&ev).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ev, nil
}

func (r *gormRepository) UpsertWebhookEvent(event *models.BillingWebhookEvent) (bool, error) {
	var existing int64
	if err := r.db.Model(&models.BillingWebhookEvent{}).
		Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		Count(&existing).Error; err != nil {
		return false, err
	}

	row := *event
	row.ID = 0
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"event_type",
			"payload_json",
			"signature_valid",
			"received_at",
			"updated_at",
		}),
	}).Create(&row).Error; err != nil {
		return false, err
	}

	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(event).Error; err != nil {
		return false, err
	}
	return existing == 0, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, processingError string) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

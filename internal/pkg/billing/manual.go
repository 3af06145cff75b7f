package billing

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/SubSync/app/models"
)

// ManualAdapter stores the administrator-set expiration.
type ManualAdapter struct {
	reconciler *Reconciler
}

func NewManualAdapter(reconciler *Reconciler) *ManualAdapter {
	return &ManualAdapter{reconciler: reconciler}
}

// SetExpiration writes the override and reconciles. A nil expiration clears
// it; the record itself is kept.
func (a *ManualAdapter) SetExpiration(ctx context.Context, userID uint, expiresAt *time.Time) (*Outcome, error) {
	if expiresAt != nil {
		utc := expiresAt.UTC()
		expiresAt = &utc
	}
	return a.reconciler.RunPass(ctx, userID, func(tx Repository) error {
		if _, err := tx.GetUser(userID); err != nil {
			return err
		}
		rec := &models.ProviderRecord{
			UserID:    userID,
			Provider:  models.BillingProviderManual,
			Status:    models.BillingStatusExpired,
			ExpiresAt: expiresAt,
		}
		if expiresAt != nil && expiresAt.After(a.reconciler.now()) {
			rec.Status = models.BillingStatusActive
		}
		log.Infof("[Billing] Manual expiration for user %d set to %v", userID, expiresAt)
		return tx.UpsertProviderRecord(rec)
	})
}

package billing

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/SubSync/app/models"
)

// Provider is one payment source's view of a user's entitlement.
type Provider interface {
	Name() string
	// Refresh reloads cached state from the store. Failures are logged and the
	// previously cached state is kept.
	Refresh(ctx context.Context, userID uint)
	// Active is the provider's internal status flag.
	Active() bool
	Trialing() bool
	Recurring() bool
	TrialEnded() bool
	ExpiresAt() *time.Time
}

// pastDueReporter is implemented by providers that distinguish a failed
// renewal that still grants access.
type pastDueReporter interface {
	PastDue() bool
}

// recordView holds the fields every provider reads from its ProviderRecord.
type recordView struct {
	name   string
	repo   Repository
	now    func() time.Time
	record *models.ProviderRecord
}

func (v *recordView) Name() string { return v.name }

func (v *recordView) Refresh(ctx context.Context, userID uint) {
	rec, err := v.repo.WithContext(ctx).GetProviderRecord(userID, v.name, false)
	if err != nil {
		log.Errorf("[Reconcile] Failed to load %s record for user %d: %v", v.name, userID, err)
		return
	}
	v.record = rec
}

func (v *recordView) status() string {
	if v.record == nil {
		return ""
	}
	return normalizeStatus(v.record.Status)
}

func (v *recordView) ExpiresAt() *time.Time {
	if v.record == nil {
		return nil
	}
	return v.record.ExpiresAt
}

func (v *recordView) Trialing() bool   { return false }
func (v *recordView) TrialEnded() bool { return false }

func (v *recordView) Recurring() bool {
	return v.record != nil && v.record.Recurring
}

// stripeView trusts the provider-native status; expiry is advisory only.
type stripeView struct {
	recordView
}

func newStripeView(repo Repository, now func() time.Time) *stripeView {
	return &stripeView{recordView{name: models.BillingProviderStripe, repo: repo, now: now}}
}

func (v *stripeView) Active() bool     { return isEntitlingStatus(v.status()) }
func (v *stripeView) Trialing() bool   { return v.status() == models.BillingStatusTrialing }
func (v *stripeView) TrialEnded() bool { return v.status() == models.BillingStatusTrialEnded }
func (v *stripeView) PastDue() bool    { return v.status() == models.BillingStatusPastDue }
func (v *stripeView) Recurring() bool  { return v.record != nil }

// receiptView requires both an active status and an unexpired main transaction.
type receiptView struct {
	recordView
}

func newReceiptView(repo Repository, now func() time.Time) *receiptView {
	return &receiptView{recordView{name: models.BillingProviderReceipt, repo: repo, now: now}}
}

func (v *receiptView) Active() bool {
	exp := v.ExpiresAt()
	return v.status() == models.BillingStatusActive && exp != nil && v.now().Before(*exp)
}

// manualView is active until the administrator-set timestamp.
type manualView struct {
	recordView
}

func newManualView(repo Repository, now func() time.Time) *manualView {
	return &manualView{recordView{name: models.BillingProviderManual, repo: repo, now: now}}
}

func (v *manualView) Active() bool {
	exp := v.ExpiresAt()
	return exp != nil && v.now().Before(*exp)
}

func (v *manualView) Recurring() bool { return false }

// providersInOrder returns fresh views in fixed precedence order.
func providersInOrder(repo Repository, now func() time.Time) []Provider {
	return []Provider{
		newStripeView(repo, now),
		newReceiptView(repo, now),
		newManualView(repo, now),
	}
}

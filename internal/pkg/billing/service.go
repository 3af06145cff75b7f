package billing

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/SubSync/app/models"
)

// Options carries the collaborators and settings of a Service.
type Options struct {
	Locker        Locker
	Notifier      Notifier
	Counter       EventCounter
	AlertThrottle time.Duration
	DefaultPrice  string
	Receipt       ReceiptOptions
}

// Service wires the provider adapters to one orchestrator.
type Service struct {
	repo       Repository
	reconciler *Reconciler

	Recurring *RecurringAdapter
	Receipt   *ReceiptAdapter
	Manual    *ManualAdapter
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository, gateway BillingGateway, verifier ReceiptVerifier, opts Options) *Service {
	rec := NewReconciler(repo, opts.Locker, opts.Notifier, opts.AlertThrottle)
	s := &Service{
		repo:       repo,
		reconciler: rec,
		Recurring:  NewRecurringAdapter(repo, gateway, rec, opts.Counter, opts.DefaultPrice),
		Receipt:    NewReceiptAdapter(repo, verifier, rec, opts.Counter, opts.Receipt),
		Manual:     NewManualAdapter(rec),
	}
	s.Receipt.SetCanceller(s.Recurring)
	return s
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, gateway BillingGateway, verifier ReceiptVerifier, opts Options) *Service {
	return NewService(NewRepository(db), gateway, verifier, opts)
}

// SetClock overrides the time source of every component.
func (s *Service) SetClock(now func() time.Time) {
	s.reconciler.now = now
	s.Recurring.now = now
	s.Receipt.now = now
}

// UserStatus is the externally visible subscription state of a user.
type UserStatus struct {
	Snapshot
	Grandfathered         bool                    `json:"grandfathered"`
	PaymentMethod         string                  `json:"paymentMethod,omitempty"`
	LastSubscriptionAlert *time.Time              `json:"lastSubscriptionAlert,omitempty"`
	Providers             []models.ProviderRecord `json:"providers"`
}

// Status reads the stored snapshot without reconciling.
func (s *Service) Status(ctx context.Context, userID uint) (*UserStatus, error) {
	repo := s.repo.WithContext(ctx)
	user, err := repo.GetUser(userID)
	if err != nil {
		return nil, err
	}
	recs, err := repo.ListProviderRecords(userID)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []models.ProviderRecord{}
	}
	return &UserStatus{
		Snapshot:              snapshotOf(user),
		Grandfathered:         user.Grandfathered,
		PaymentMethod:         user.PaymentMethod,
		LastSubscriptionAlert: user.LastSubscriptionAlert,
		Providers:             recs,
	}, nil
}

// Refresh refetches every provider the user is known to and runs a final
// pass. Provider failures leave their cached state untouched; they are
// reported after the pass.
func (s *Service) Refresh(ctx context.Context, userID uint) (*Outcome, error) {
	if _, err := s.repo.GetUser(userID); err != nil {
		return nil, err
	}

	var errs []error
	if _, err := s.Recurring.Sync(ctx, userID); err != nil && !errors.Is(err, ErrNoCustomer) {
		log.Errorf("[Billing] Stripe refresh for user %d failed: %v", userID, err)
		errs = append(errs, err)
	}
	if _, err := s.Receipt.Sync(ctx, userID); err != nil && !errors.Is(err, ErrNoCustomer) {
		log.Errorf("[Billing] Receipt refresh for user %d failed: %v", userID, err)
		errs = append(errs, err)
	}

	out, err := s.reconciler.RunPass(ctx, userID, nil)
	if err != nil {
		errs = append(errs, err)
	}
	return out, errors.Join(errs...)
}

// Reconcile runs a pass without touching any provider.
func (s *Service) Reconcile(ctx context.Context, userID uint) (*Outcome, error) {
	return s.reconciler.RunPass(ctx, userID, nil)
}

// SetGrandfathered toggles the exemption flag and reconciles.
func (s *Service) SetGrandfathered(ctx context.Context, userID uint, grandfathered bool) (*Outcome, error) {
	return s.reconciler.RunPass(ctx, userID, func(tx Repository) error {
		return tx.SetGrandfathered(userID, grandfathered)
	})
}

// SetManualExpiration sets or clears the administrator override.
func (s *Service) SetManualExpiration(ctx context.Context, userID uint, expiresAt *time.Time) (*Outcome, error) {
	return s.Manual.SetExpiration(ctx, userID, expiresAt)
}

func (s *Service) HandleStripeWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	return s.Recurring.HandleWebhook(ctx, payload, signature)
}

func (s *Service) HandleAppStoreNotification(ctx context.Context, payload []byte) (*WebhookResult, error) {
	return s.Receipt.HandleStatusNotification(ctx, payload)
}

func (s *Service) SubmitTransaction(ctx context.Context, userID uint, in TransactionSubmission) (*Outcome, error) {
	return s.Receipt.SubmitTransaction(ctx, userID, in)
}

func (s *Service) CreateStripeSubscription(ctx context.Context, userID uint, in CreateSubscriptionInput) (*Outcome, error) {
	return s.Recurring.Create(ctx, userID, in)
}

func (s *Service) CancelStripeSubscriptions(ctx context.Context, userID uint) (*Outcome, error) {
	return s.Recurring.Cancel(ctx, userID)
}

// UsersDueForRefresh lists users whose recurring records expire within
// lookahead or expired within lookback of now.
func (s *Service) UsersDueForRefresh(ctx context.Context, now time.Time, lookahead, lookback time.Duration, limit int) ([]uint, error) {
	return s.repo.WithContext(ctx).ListUsersDueForRefresh(now.Add(-lookback), now.Add(lookahead), limit)
}

package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/SubSync/app/models"
)

// BillingGateway is the subset of the recurring-billing API the engine uses.
type BillingGateway interface {
	// GetCustomer returns the customer with all of its subscriptions.
	// A customer unknown to the provider yields ErrNoCustomer.
	GetCustomer(ctx context.Context, customerID string) (*Customer, error)
	CreateCustomer(ctx context.Context, email, paymentMethod string, userID uint) (*Customer, error)
	DeleteCustomer(ctx context.Context, customerID string) error
	AttachPaymentMethod(ctx context.Context, customerID, paymentMethod string) error
	CreateSubscription(ctx context.Context, customerID, priceID, coupon, paymentMethod string) (*Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
	// VerifyWebhook checks the payload signature. A nil error means authentic.
	VerifyWebhook(payload []byte, signature string) error
}

// RecurringAdapter keeps the stripe provider record in sync with the
// recurring-billing service.
type RecurringAdapter struct {
	repo         Repository
	gateway      BillingGateway
	reconciler   *Reconciler
	counter      EventCounter
	validate     *validator.Validate
	defaultPrice string
	now          func() time.Time
}

func NewRecurringAdapter(repo Repository, gateway BillingGateway, reconciler *Reconciler, counter EventCounter, defaultPrice string) *RecurringAdapter {
	if counter == nil {
		counter = noopCounter{}
	}
	return &RecurringAdapter{
		repo:         repo,
		gateway:      gateway,
		reconciler:   reconciler,
		counter:      counter,
		validate:     validator.New(),
		defaultPrice: defaultPrice,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

type stripeEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeObjectRef struct {
	ID       string          `json:"id"`
	Object   string          `json:"object"`
	Customer json.RawMessage `json:"customer"`
}

// customerID returns the referenced customer. The customer field may be a
// bare id or an expanded object.
func (o stripeObjectRef) customerID() string {
	if o.Object == "customer" {
		return o.ID
	}
	if len(o.Customer) == 0 || string(o.Customer) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(o.Customer, &id); err == nil {
		return id
	}
	var expanded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(o.Customer, &expanded); err == nil {
		return expanded.ID
	}
	return ""
}

var recognizedEventPrefixes = []string{
	"customer.subscription.",
	"customer.",
	"charge.",
	"invoice.",
}

func isRecognizedEvent(eventType string) bool {
	for _, p := range recognizedEventPrefixes {
		if strings.HasPrefix(eventType, p) {
			return true
		}
	}
	return false
}

// HandleWebhook ingests one recurring-billing event. The embedded object is
// only used to find the customer; state is always refetched from the provider.
// A returned error means the event should be redelivered (or was forged).
func (a *RecurringAdapter) HandleWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	sigErr := a.gateway.VerifyWebhook(payload, signature)

	var env stripeEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || env.ID == "" || env.Type == "" {
		if sigErr != nil {
			a.counter.Incr(ctx, models.BillingProviderStripe, OutcomeRejected)
			return nil, ErrInvalidSignature
		}
		reason := ErrInvalidPayload
		if err != nil {
			reason = fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		log.Warnf("[Stripe] Ignoring unparsable webhook payload (%d bytes): %v", len(payload), reason)
		a.counter.Incr(ctx, models.BillingProviderStripe, OutcomeInvalid)
		return &WebhookResult{Outcome: OutcomeInvalid, Reason: reason}, nil
	}

	res := &WebhookResult{EventID: env.ID, Type: env.Type}
	if sigErr != nil {
		stored, err := a.repo.GetWebhookEvent(models.BillingProviderStripe, env.ID)
		if err != nil {
			a.counter.Incr(ctx, models.BillingProviderStripe, OutcomeFailed)
			return nil, fmt.Errorf("load stripe event %s: %w", env.ID, err)
		}
		if stored != nil && stored.SignatureValid {
			// An unsigned copy never replaces a verified event.
			log.Warnf("[Stripe] Rejecting unsigned copy of verified event %s", env.ID)
			res.Replayed = true
			res.Outcome = OutcomeRejected
			a.counter.Incr(ctx, models.BillingProviderStripe, OutcomeRejected)
			return res, ErrInvalidSignature
		}
	}

	event := &models.BillingWebhookEvent{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: env.ID,
		EventType:       env.Type,
		PayloadJSON:     string(payload),
		SignatureValid:  sigErr == nil,
		ReceivedAt:      a.now(),
	}
	created, err := a.repo.UpsertWebhookEvent(event)
	if err != nil {
		a.counter.Incr(ctx, models.BillingProviderStripe, OutcomeFailed)
		return nil, fmt.Errorf("store stripe event %s: %w", env.ID, err)
	}
	res.Replayed = !created

	if sigErr != nil {
		log.Warnf("[Stripe] Rejecting event %s: %v", env.ID, sigErr)
		a.finish(ctx, event, res, OutcomeRejected, sigErr.Error())
		return res, ErrInvalidSignature
	}

	if !isRecognizedEvent(env.Type) {
		res.Reason = ErrUnrecognizedEvent
		a.finish(ctx, event, res, OutcomeIgnored, ErrUnrecognizedEvent.Error())
		return res, nil
	}

	var obj stripeObjectRef
	if len(env.Data.Object) > 0 {
		_ = json.Unmarshal(env.Data.Object, &obj)
	}
	customerID := obj.customerID()
	if customerID == "" {
		log.Infof("[Stripe] Event %s (%s) carries no customer reference", env.ID, env.Type)
		a.finish(ctx, event, res, OutcomeIgnored, "no customer reference")
		return res, nil
	}

	userID, err := a.resolveUser(ctx, customerID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrNoCustomer) {
			log.Infof("[Stripe] Event %s references unknown customer %s", env.ID, customerID)
			a.finish(ctx, event, res, OutcomeIgnored, "unknown customer")
			return res, nil
		}
		a.finish(ctx, event, res, OutcomeFailed, err.Error())
		return res, err
	}
	res.UserID = userID

	out, accepted, err := a.syncCustomer(ctx, userID, customerID, nil)
	if err != nil {
		log.Errorf("[Stripe] Event %s for user %d failed: %v", env.ID, userID, err)
		a.finish(ctx, event, res, OutcomeFailed, err.Error())
		return res, err
	}
	res.Pass = out
	if accepted {
		a.finish(ctx, event, res, OutcomeAccepted, "")
	} else {
		a.finish(ctx, event, res, OutcomeRejected, "conflicting customer state")
	}
	return res, nil
}

func (a *RecurringAdapter) finish(ctx context.Context, event *models.BillingWebhookEvent, res *WebhookResult, outcome, reason string) {
	res.Outcome = outcome
	a.counter.Incr(ctx, event.Provider, outcome)
	if err := a.repo.MarkWebhookProcessed(event.ID, reason); err != nil {
		log.Errorf("[Stripe] Failed to mark event %s processed: %v", event.ProviderEventID, err)
	}
}

// resolveUser maps a customer to a local user, falling back to the user_id
// metadata the customer was created with.
func (a *RecurringAdapter) resolveUser(ctx context.Context, customerID string) (uint, error) {
	userID, err := a.repo.FindUserIDByCustomer(models.BillingProviderStripe, customerID)
	if err == nil || !errors.Is(err, ErrUserNotFound) {
		return userID, err
	}
	cust, err := a.gateway.GetCustomer(ctx, customerID)
	if err != nil {
		return 0, err
	}
	if cust.UserID == 0 {
		return 0, ErrUserNotFound
	}
	return cust.UserID, nil
}

// Sync refetches the user's known customer and runs the update pipeline.
// Users without a customer yield ErrNoCustomer.
func (a *RecurringAdapter) Sync(ctx context.Context, userID uint) (*Outcome, error) {
	rec, err := a.repo.GetProviderRecord(userID, models.BillingProviderStripe, false)
	if err != nil {
		return nil, err
	}
	if rec.CustomerID() == "" {
		return nil, ErrNoCustomer
	}
	out, _, err := a.syncCustomer(ctx, userID, rec.CustomerID(), nil)
	return out, err
}

// Cancel cancels every active subscription of the user's customer. Nothing to
// cancel is a successful no-op that returns a nil outcome.
func (a *RecurringAdapter) Cancel(ctx context.Context, userID uint) (*Outcome, error) {
	rec, err := a.repo.GetProviderRecord(userID, models.BillingProviderStripe, false)
	if err != nil {
		return nil, err
	}
	customerID := rec.CustomerID()
	if customerID == "" {
		return nil, nil
	}

	cust, err := a.gateway.GetCustomer(ctx, customerID)
	if err != nil {
		if errors.Is(err, ErrNoCustomer) {
			return nil, nil
		}
		return nil, providerErr(models.BillingProviderStripe, "get customer", err)
	}

	cancelled := 0
	for _, sub := range cust.Subscriptions {
		if !isEntitlingStatus(sub.Status) {
			continue
		}
		if err := a.gateway.CancelSubscription(ctx, sub.ID); err != nil {
			return nil, providerErr(models.BillingProviderStripe, "cancel subscription", err)
		}
		log.Infof("[Stripe] Cancelled subscription %s of customer %s (user %d)", sub.ID, customerID, userID)
		cancelled++
	}
	if cancelled == 0 {
		return nil, nil
	}

	out, _, err := a.syncCustomer(ctx, userID, customerID, nil)
	return out, err
}

// Create starts a subscription for the user, reusing the known customer
// unless it was deleted at the provider.
func (a *RecurringAdapter) Create(ctx context.Context, userID uint, in CreateSubscriptionInput) (*Outcome, error) {
	if err := a.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingField, err)
	}
	price := strings.TrimSpace(in.PriceID)
	if price == "" {
		price = a.defaultPrice
	}
	if price == "" {
		return nil, fmt.Errorf("%w: price", ErrMissingField)
	}

	rec, err := a.repo.GetProviderRecord(userID, models.BillingProviderStripe, false)
	if err != nil {
		return nil, err
	}
	customerID := rec.CustomerID()
	if customerID != "" {
		cust, err := a.gateway.GetCustomer(ctx, customerID)
		switch {
		case errors.Is(err, ErrNoCustomer):
			customerID = ""
		case err != nil:
			return nil, providerErr(models.BillingProviderStripe, "get customer", err)
		case cust.Deleted:
			log.Infof("[Stripe] Customer %s of user %d was deleted, creating a new one", customerID, userID)
			customerID = ""
		default:
			if err := a.gateway.AttachPaymentMethod(ctx, customerID, in.PaymentMethod); err != nil {
				return nil, providerErr(models.BillingProviderStripe, "attach payment method", err)
			}
		}
	}

	createdHere := false
	if customerID == "" {
		cust, err := a.gateway.CreateCustomer(ctx, in.Email, in.PaymentMethod, userID)
		if err != nil {
			return nil, providerErr(models.BillingProviderStripe, "create customer", err)
		}
		customerID = cust.ID
		createdHere = true
	}

	if _, err := a.gateway.CreateSubscription(ctx, customerID, price, in.Coupon, in.PaymentMethod); err != nil {
		if createdHere {
			if delErr := a.gateway.DeleteCustomer(ctx, customerID); delErr != nil {
				log.Errorf("[Stripe] Failed to clean up customer %s: %v", customerID, delErr)
			}
		}
		return nil, providerErr(models.BillingProviderStripe, "create subscription", err)
	}

	out, _, err := a.syncCustomer(ctx, userID, customerID, func(tx Repository) error {
		return tx.SetPaymentMethod(userID, models.PaymentMethodStripe)
	})
	return out, err
}

// syncCustomer is the locked fetch, decide and persist sequence. The bool
// reports whether the provider record was overwritten.
func (a *RecurringAdapter) syncCustomer(ctx context.Context, userID uint, customerID string, extra func(tx Repository) error) (*Outcome, bool, error) {
	var (
		out      *Outcome
		accepted bool
	)
	err := a.reconciler.Locked(ctx, userID, func(ctx context.Context) error {
		cust, err := a.gateway.GetCustomer(ctx, customerID)
		if err != nil {
			if errors.Is(err, ErrNoCustomer) {
				cust = &Customer{ID: customerID, Deleted: true}
			} else {
				return providerErr(models.BillingProviderStripe, "get customer", err)
			}
		}
		incoming := resolveCustomer(cust)

		out, err = a.reconciler.Commit(ctx, userID, func(tx Repository) error {
			existing, err := tx.GetProviderRecord(userID, models.BillingProviderStripe, true)
			if err != nil {
				return err
			}
			rec, ok := decideUpdate(userID, existing, incoming, a.now())
			if !ok {
				log.Warnf("[Stripe] Rejected update for user %d: customer %s (%s, expires %v) conflicts with %s (%s, expires %v)",
					userID, incoming.CustomerID, incoming.Status, incoming.ExpiresAt,
					existing.CustomerID(), existing.Status, existing.ExpiresAt)
			} else {
				accepted = true
				if err := tx.UpsertProviderRecord(rec); err != nil {
					return err
				}
			}
			if extra != nil {
				return extra(tx)
			}
			return nil
		})
		return err
	})
	return out, accepted, err
}

func (s Subscription) expiry() *time.Time {
	if s.CurrentPeriodEnd != nil {
		return s.CurrentPeriodEnd
	}
	return s.TrialEnd
}

// resolveCustomer picks the active subscription with the latest expiry, or the
// latest-expiring subscription overall when none is active.
func resolveCustomer(c *Customer) CustomerState {
	st := CustomerState{CustomerID: c.ID, Status: models.BillingStatusExpired}
	if c.Deleted {
		st.Status = models.BillingStatusCanceled
		return st
	}

	var best *Subscription
	for i := range c.Subscriptions {
		s := &c.Subscriptions[i]
		if isEntitlingStatus(s.Status) && (best == nil || laterThan(s.expiry(), best.expiry())) {
			best = s
		}
	}
	if best == nil {
		for i := range c.Subscriptions {
			s := &c.Subscriptions[i]
			if best == nil || laterThan(s.expiry(), best.expiry()) {
				best = s
			}
		}
	}
	if best == nil {
		return st
	}
	st.Status = normalizeStatus(best.Status)
	st.ExpiresAt = best.expiry()
	st.PlanID = best.PlanID
	return st
}

// decideUpdate applies the conflict rules and returns the record to store, or
// false when the incoming state must not replace the cached one.
func decideUpdate(userID uint, existing *models.ProviderRecord, in CustomerState, now time.Time) (*models.ProviderRecord, bool) {
	incomingActive := isEntitlingStatus(in.Status)

	status := in.Status
	if !incomingActive && existing != nil && isTrialStatus(existing.Status) {
		status = models.BillingStatusTrialEnded
	}

	if existing != nil && existing.CustomerID() != "" && existing.CustomerID() != in.CustomerID {
		existingActive := isEntitlingStatus(existing.Status)
		switch {
		case !existingActive && incomingActive:
		case existingActive && incomingActive && laterThan(in.ExpiresAt, existing.ExpiresAt):
		default:
			return nil, false
		}
	}

	expires := in.ExpiresAt
	if !incomingActive {
		if existing != nil && existing.ExpiresAt != nil {
			expires = existing.ExpiresAt
		}
		// A cancellation must not claim access into the future.
		if expires != nil && expires.After(now) {
			expires = timePtr(now)
		}
	}

	rec := &models.ProviderRecord{
		UserID:             userID,
		Provider:           models.BillingProviderStripe,
		ExternalCustomerID: strPtr(in.CustomerID),
		Status:             status,
		ExpiresAt:          expires,
		PlanID:             strPtr(in.PlanID),
		Recurring:          true,
	}
	if existing != nil {
		rec.GraceCount = existing.GraceCount
		rec.MainTransactionID = existing.MainTransactionID
		if rec.PlanID == nil {
			rec.PlanID = existing.PlanID
		}
	}
	return rec, true
}

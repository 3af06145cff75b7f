package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/SubSync/app/models"
	"github.com/ManuelReschke/SubSync/internal/pkg/entitlements"
)

func TestStripeWebhookReplayIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "replay@example.com", false)
	env.gw.put(&Customer{ID: "cus_A", UserID: u.ID, Subscriptions: []Subscription{
		{ID: "sub_1", Status: "active", PlanID: "price_pro", CurrentPeriodEnd: at(30 * 24 * time.Hour)},
	}})

	payload := stripeEvent("evt_1", "customer.subscription.updated", "cus_A")

	first, err := env.svc.HandleStripeWebhook(ctx, payload, "sig")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, first.Outcome)
	assert.False(t, first.Replayed)
	afterFirst := snapshotOf(env.user(t, u.ID))
	recFirst := env.record(t, u.ID, models.BillingProviderStripe)

	second, err := env.svc.HandleStripeWebhook(ctx, payload, "sig")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, second.Outcome)
	assert.True(t, second.Replayed)

	afterSecond := snapshotOf(env.user(t, u.ID))
	assert.Equal(t, afterFirst, afterSecond)
	assert.Equal(t, Snapshot{IsSubscribed: true, Status: entitlements.StatusPaying, WinningProvider: "stripe"}, afterSecond)

	recSecond := env.record(t, u.ID, models.BillingProviderStripe)
	assert.Equal(t, recFirst.Status, recSecond.Status)
	assert.Equal(t, recFirst.CustomerID(), recSecond.CustomerID())
	require.NotNil(t, recSecond.ExpiresAt)
	assert.True(t, recFirst.ExpiresAt.Equal(*recSecond.ExpiresAt))

	var events int64
	require.NoError(t, env.db.Model(&models.BillingWebhookEvent{}).Count(&events).Error)
	assert.Equal(t, int64(1), events)
	assert.Equal(t, []string{TemplateSubscriptionStarted}, env.notes.templates())
}

func TestStripeWebhookRejectsStaleConflictingCustomer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "stale@example.com", false)

	t2 := at(60 * 24 * time.Hour)
	env.seedRecord(t, models.ProviderRecord{
		UserID: u.ID, Provider: models.BillingProviderStripe,
		ExternalCustomerID: sp("cus_A"), Status: "active", ExpiresAt: t2, Recurring: true,
	})
	_, err := env.svc.Reconcile(ctx, u.ID)
	require.NoError(t, err)
	before := snapshotOf(env.user(t, u.ID))

	env.gw.put(&Customer{ID: "cus_B", UserID: u.ID, Subscriptions: []Subscription{
		{ID: "sub_b", Status: "active", CurrentPeriodEnd: at(10 * 24 * time.Hour)},
	}})

	res, err := env.svc.HandleStripeWebhook(ctx, stripeEvent("evt_b", "customer.subscription.created", "cus_B"), "sig")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, 1, env.counter.get("stripe", OutcomeRejected))

	rec := env.record(t, u.ID, models.BillingProviderStripe)
	assert.Equal(t, "cus_A", rec.CustomerID())
	assert.Equal(t, "active", rec.Status)
	require.NotNil(t, rec.ExpiresAt)
	assert.True(t, rec.ExpiresAt.Equal(*t2))
	assert.Equal(t, before, snapshotOf(env.user(t, u.ID)))
}

func TestStripeWebhookAcceptsReactivationUnderNewCustomer(t *testing.T) {
	for _, tc := range []struct {
		name string
		old  time.Duration
		new  time.Duration
	}{
		{name: "new end later", old: -5 * 24 * time.Hour, new: 30 * 24 * time.Hour},
		{name: "new end earlier", old: -5 * 24 * time.Hour, new: -10 * 24 * time.Hour},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			u := env.createUser(t, "react@example.com", false)
			env.seedRecord(t, models.ProviderRecord{
				UserID: u.ID, Provider: models.BillingProviderStripe,
				ExternalCustomerID: sp("cus_A"), Status: "expired", ExpiresAt: at(tc.old), Recurring: true,
			})
			env.gw.put(&Customer{ID: "cus_B", UserID: u.ID, Subscriptions: []Subscription{
				{ID: "sub_b", Status: "active", CurrentPeriodEnd: at(tc.new)},
			}})

			res, err := env.svc.HandleStripeWebhook(ctx, stripeEvent("evt_r", "customer.subscription.created", "cus_B"), "sig")
			require.NoError(t, err)
			assert.Equal(t, OutcomeAccepted, res.Outcome)

			rec := env.record(t, u.ID, models.BillingProviderStripe)
			assert.Equal(t, "cus_B", rec.CustomerID())
			assert.Equal(t, "active", rec.Status)
			require.NotNil(t, rec.ExpiresAt)
			assert.True(t, rec.ExpiresAt.Equal(*at(tc.new)))
		})
	}
}

func TestStripeWebhookRelabelsLapsedTrial(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "trial@example.com", false)
	env.seedRecord(t, models.ProviderRecord{
		UserID: u.ID, Provider: models.BillingProviderStripe,
		ExternalCustomerID: sp("cus_T"), Status: "trialing", ExpiresAt: at(3 * 24 * time.Hour), Recurring: true,
	})
	_, err := env.svc.Reconcile(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, entitlements.StatusTrialing, snapshotOf(env.user(t, u.ID)).Status)

	env.gw.put(&Customer{ID: "cus_T", UserID: u.ID, Subscriptions: []Subscription{
		{ID: "sub_t", Status: "canceled", CurrentPeriodEnd: at(3 * 24 * time.Hour)},
	}})
	res, err := env.svc.HandleStripeWebhook(ctx, stripeEvent("evt_t", "customer.subscription.deleted", "cus_T"), "sig")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)

	rec := env.record(t, u.ID, models.BillingProviderStripe)
	assert.Equal(t, models.BillingStatusTrialEnded, rec.Status)
	require.NotNil(t, rec.ExpiresAt)
	assert.True(t, rec.ExpiresAt.Equal(testNow), "cancelled trial must not extend past now")

	snap := snapshotOf(env.user(t, u.ID))
	assert.False(t, snap.IsSubscribed)
	assert.Equal(t, entitlements.StatusTrialEnded, snap.Status)
	assert.Contains(t, env.notes.templates(), TemplateTrialEnded)
}

func TestStripeWebhookInvalidSignatureIsStoredButNotProcessed(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "sig@example.com", false)
	env.gw.put(&Customer{ID: "cus_S", UserID: u.ID, Subscriptions: []Subscription{
		{ID: "sub_s", Status: "active", CurrentPeriodEnd: at(time.Hour)},
	}})
	env.gw.verifyErr = ErrInvalidSignature

	res, err := env.svc.HandleStripeWebhook(context.Background(), stripeEvent("evt_s", "invoice.paid", "cus_S"), "bad")
	require.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, OutcomeRejected, res.Outcome)

	var ev models.BillingWebhookEvent
	require.NoError(t, env.db.Where("provider_event_id = ?", "evt_s").First(&ev).Error)
	assert.False(t, ev.SignatureValid)
	assert.Nil(t, env.record(t, u.ID, models.BillingProviderStripe))
}

func TestStripeWebhookUnsignedCopyKeepsVerifiedEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "forged@example.com", false)
	env.gw.put(&Customer{ID: "cus_F", UserID: u.ID, Subscriptions: []Subscription{
		{ID: "sub_f", Status: "active", CurrentPeriodEnd: at(30 * 24 * time.Hour)},
	}})

	genuine := stripeEvent("evt_f", "customer.subscription.updated", "cus_F")
	res, err := env.svc.HandleStripeWebhook(ctx, genuine, "sig")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, res.Outcome)

	env.gw.verifyErr = ErrInvalidSignature
	forged := stripeEvent("evt_f", "customer.subscription.deleted", "cus_other")
	res, err = env.svc.HandleStripeWebhook(ctx, forged, "forged")
	require.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.True(t, res.Replayed)

	var ev models.BillingWebhookEvent
	require.NoError(t, env.db.Where("provider_event_id = ?", "evt_f").First(&ev).Error)
	assert.True(t, ev.SignatureValid)
	assert.Equal(t, string(genuine), ev.PayloadJSON)
	assert.Equal(t, "customer.subscription.updated", ev.EventType)
	assert.Empty(t, ev.ProcessingError)
	assert.Equal(t, 1, env.counter.get("stripe", OutcomeRejected))
}

func TestStripeWebhookIgnoresUnknownTypesAndGarbage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.HandleStripeWebhook(ctx, []byte(`{"nope":`), "sig")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalid, res.Outcome)
	assert.ErrorIs(t, res.Reason, ErrInvalidPayload)

	res, err = env.svc.HandleStripeWebhook(ctx, []byte(`{"object":"event"}`), "sig")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalid, res.Outcome)
	assert.ErrorIs(t, res.Reason, ErrInvalidPayload)

	res, err = env.svc.HandleStripeWebhook(ctx, stripeEvent("evt_p", "payout.paid", "cus_X"), "sig")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.ErrorIs(t, res.Reason, ErrUnrecognizedEvent)

	var ev models.BillingWebhookEvent
	require.NoError(t, env.db.Where("provider_event_id = ?", "evt_p").First(&ev).Error)
	assert.NotNil(t, ev.ProcessedAt)
	assert.Equal(t, ErrUnrecognizedEvent.Error(), ev.ProcessingError)

	res, err = env.svc.HandleStripeWebhook(ctx, stripeEvent("evt_u", "customer.updated", "cus_unknown"), "sig")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
}

func TestStripeWebhookProviderFailureKeepsState(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "down@example.com", false)
	env.seedRecord(t, models.ProviderRecord{
		UserID: u.ID, Provider: models.BillingProviderStripe,
		ExternalCustomerID: sp("cus_D"), Status: "active", ExpiresAt: at(time.Hour), Recurring: true,
	})
	env.gw.getErr = errors.New("connection reset")

	res, err := env.svc.HandleStripeWebhook(context.Background(), stripeEvent("evt_d", "invoice.paid", "cus_D"), "sig")
	require.Error(t, err)
	assert.True(t, IsProviderError(err))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, "active", env.record(t, u.ID, models.BillingProviderStripe).Status)
}

func TestCancelIsNoopWithoutActiveSubscriptions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	u := env.createUser(t, "none@example.com", false)
	out, err := env.svc.CancelStripeSubscriptions(ctx, u.ID)
	require.NoError(t, err)
	assert.Nil(t, out)

	env.seedRecord(t, models.ProviderRecord{
		UserID: u.ID, Provider: models.BillingProviderStripe,
		ExternalCustomerID: sp("cus_C"), Status: "canceled", ExpiresAt: at(-time.Hour), Recurring: true,
	})
	env.gw.put(&Customer{ID: "cus_C", UserID: u.ID, Subscriptions: []Subscription{
		{ID: "sub_old", Status: "canceled", CurrentPeriodEnd: at(-time.Hour)},
	}})
	before := snapshotOf(env.user(t, u.ID))

	out, err = env.svc.CancelStripeSubscriptions(ctx, u.ID)
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Empty(t, env.gw.cancelled)
	assert.Equal(t, before, snapshotOf(env.user(t, u.ID)))
}

func TestCancelStopsActiveSubscriptions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "cancel@example.com", false)
	env.seedRecord(t, models.ProviderRecord{
		UserID: u.ID, Provider: models.BillingProviderStripe,
		ExternalCustomerID: sp("cus_K"), Status: "active", ExpiresAt: at(20 * 24 * time.Hour), Recurring: true,
	})
	env.gw.put(&Customer{ID: "cus_K", UserID: u.ID, Subscriptions: []Subscription{
		{ID: "sub_k1", Status: "active", CurrentPeriodEnd: at(20 * 24 * time.Hour)},
		{ID: "sub_k2", Status: "canceled", CurrentPeriodEnd: at(-40 * 24 * time.Hour)},
	}})
	_, err := env.svc.Reconcile(ctx, u.ID)
	require.NoError(t, err)

	out, err := env.svc.CancelStripeSubscriptions(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, []string{"sub_k1"}, env.gw.cancelled)
	assert.False(t, out.After.IsSubscribed)
	assert.Equal(t, entitlements.StatusExpired, out.After.Status)

	rec := env.record(t, u.ID, models.BillingProviderStripe)
	assert.Equal(t, "canceled", rec.Status)
	require.NotNil(t, rec.ExpiresAt)
	assert.True(t, rec.ExpiresAt.Equal(testNow))
}

func TestCreateSubscription(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "new@example.com", false)

	out, err := env.svc.CreateStripeSubscription(context.Background(), u.ID, CreateSubscriptionInput{
		PaymentMethod: "pm_card_visa",
		Email:         "new@example.com",
	})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, out.After.IsSubscribed)

	rec := env.record(t, u.ID, models.BillingProviderStripe)
	require.NotNil(t, rec)
	assert.Equal(t, "cus_new1", rec.CustomerID())
	assert.Equal(t, "price_default", derefStr(rec.PlanID))
	assert.Equal(t, models.PaymentMethodStripe, env.user(t, u.ID).PaymentMethod)
}

func TestCreateSubscriptionCleansUpCustomerOnFailure(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "fail@example.com", false)
	env.gw.createErr = errors.New("card declined")

	_, err := env.svc.CreateStripeSubscription(context.Background(), u.ID, CreateSubscriptionInput{
		PaymentMethod: "pm_card_declined",
		Email:         "fail@example.com",
	})
	require.Error(t, err)
	assert.True(t, IsProviderError(err))
	assert.Equal(t, []string{"cus_new1"}, env.gw.deleted)
	assert.Nil(t, env.record(t, u.ID, models.BillingProviderStripe))
}

func TestCreateSubscriptionRequiresPaymentMethod(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "invalid@example.com", false)
	_, err := env.svc.CreateStripeSubscription(context.Background(), u.ID, CreateSubscriptionInput{Email: "invalid@example.com"})
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestResolveCustomer(t *testing.T) {
	c := &Customer{ID: "cus_1", Subscriptions: []Subscription{
		{ID: "a", Status: "canceled", CurrentPeriodEnd: at(90 * time.Hour)},
		{ID: "b", Status: "active", PlanID: "p_b", CurrentPeriodEnd: at(10 * time.Hour)},
		{ID: "c", Status: "trialing", PlanID: "p_c", TrialEnd: at(20 * time.Hour)},
	}}
	st := resolveCustomer(c)
	assert.Equal(t, "trialing", st.Status)
	assert.Equal(t, "p_c", st.PlanID)

	c.Subscriptions = c.Subscriptions[:1]
	st = resolveCustomer(c)
	assert.Equal(t, "canceled", st.Status)
	assert.True(t, st.ExpiresAt.Equal(*at(90 * time.Hour)))

	st = resolveCustomer(&Customer{ID: "cus_2"})
	assert.Equal(t, models.BillingStatusExpired, st.Status)
	assert.Nil(t, st.ExpiresAt)

	st = resolveCustomer(&Customer{ID: "cus_3", Deleted: true})
	assert.Equal(t, models.BillingStatusCanceled, st.Status)
}

func TestDecideUpdate(t *testing.T) {
	rec := func(customer, status string, exp *time.Time) *models.ProviderRecord {
		return &models.ProviderRecord{ExternalCustomerID: sp(customer), Status: status, ExpiresAt: exp}
	}
	tests := []struct {
		name       string
		existing   *models.ProviderRecord
		in         CustomerState
		wantOK     bool
		wantStatus string
		wantExp    *time.Time
	}{
		{
			name:       "no record",
			in:         CustomerState{CustomerID: "A", Status: "active", ExpiresAt: at(time.Hour)},
			wantOK:     true,
			wantStatus: "active",
			wantExp:    at(time.Hour),
		},
		{
			name:       "same customer shortens",
			existing:   rec("A", "active", at(48*time.Hour)),
			in:         CustomerState{CustomerID: "A", Status: "active", ExpiresAt: at(time.Hour)},
			wantOK:     true,
			wantStatus: "active",
			wantExp:    at(time.Hour),
		},
		{
			name:     "other customer active but earlier",
			existing: rec("A", "active", at(48*time.Hour)),
			in:       CustomerState{CustomerID: "B", Status: "active", ExpiresAt: at(time.Hour)},
			wantOK:   false,
		},
		{
			name:       "other customer active and later",
			existing:   rec("A", "active", at(time.Hour)),
			in:         CustomerState{CustomerID: "B", Status: "active", ExpiresAt: at(48 * time.Hour)},
			wantOK:     true,
			wantStatus: "active",
			wantExp:    at(48 * time.Hour),
		},
		{
			name:     "other customer inactive",
			existing: rec("A", "active", at(time.Hour)),
			in:       CustomerState{CustomerID: "B", Status: "canceled", ExpiresAt: at(48 * time.Hour)},
			wantOK:   false,
		},
		{
			name:       "same customer cancels early",
			existing:   rec("A", "active", at(48*time.Hour)),
			in:         CustomerState{CustomerID: "A", Status: "canceled", ExpiresAt: at(48 * time.Hour)},
			wantOK:     true,
			wantStatus: "canceled",
			wantExp:    at(0),
		},
		{
			name:       "same customer expires naturally",
			existing:   rec("A", "active", at(-time.Hour)),
			in:         CustomerState{CustomerID: "A", Status: "unpaid", ExpiresAt: at(-time.Minute)},
			wantOK:     true,
			wantStatus: "unpaid",
			wantExp:    at(-time.Hour),
		},
		{
			name:       "trial lapses",
			existing:   rec("A", "trialEnded", at(-time.Hour)),
			in:         CustomerState{CustomerID: "A", Status: "canceled"},
			wantOK:     true,
			wantStatus: "trialEnded",
			wantExp:    at(-time.Hour),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := decideUpdate(9, tt.existing, tt.in, testNow)
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				assert.Nil(t, got)
				return
			}
			assert.Equal(t, uint(9), got.UserID)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.True(t, got.Recurring)
			if tt.wantExp == nil {
				assert.Nil(t, got.ExpiresAt)
			} else {
				require.NotNil(t, got.ExpiresAt)
				assert.True(t, got.ExpiresAt.Equal(*tt.wantExp), "got %v want %v", got.ExpiresAt, tt.wantExp)
			}
		})
	}
}

func TestStripeObjectCustomerID(t *testing.T) {
	assert.Equal(t, "cus_1", stripeObjectRef{ID: "cus_1", Object: "customer"}.customerID())
	assert.Equal(t, "cus_2", stripeObjectRef{Object: "invoice", Customer: []byte(`"cus_2"`)}.customerID())
	assert.Equal(t, "cus_3", stripeObjectRef{Object: "charge", Customer: []byte(`{"id":"cus_3"}`)}.customerID())
	assert.Equal(t, "", stripeObjectRef{Object: "charge", Customer: []byte(`null`)}.customerID())
}

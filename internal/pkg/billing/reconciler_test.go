package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/SubSync/app/models"
	"github.com/ManuelReschke/SubSync/internal/pkg/entitlements"
)

type stubProvider struct {
	name       string
	active     bool
	trialing   bool
	trialEnded bool
	pastDue    bool
}

func (p stubProvider) Name() string                  { return p.name }
func (p stubProvider) Refresh(context.Context, uint) {}
func (p stubProvider) Active() bool                  { return p.active }
func (p stubProvider) Trialing() bool                { return p.trialing }
func (p stubProvider) Recurring() bool               { return false }
func (p stubProvider) TrialEnded() bool              { return p.trialEnded }
func (p stubProvider) ExpiresAt() *time.Time         { return nil }
func (p stubProvider) PastDue() bool                 { return p.pastDue }

func TestProject(t *testing.T) {
	tests := []struct {
		name          string
		grandfathered bool
		providers     []Provider
		want          Snapshot
	}{
		{
			name:      "nothing active",
			providers: []Provider{stubProvider{name: "stripe"}, stubProvider{name: "receipt"}},
			want:      Snapshot{Status: entitlements.StatusExpired},
		},
		{
			name:      "trial lapsed",
			providers: []Provider{stubProvider{name: "stripe", trialEnded: true}, stubProvider{name: "receipt"}},
			want:      Snapshot{Status: entitlements.StatusTrialEnded},
		},
		{
			name:      "first active wins",
			providers: []Provider{stubProvider{name: "stripe", active: true}, stubProvider{name: "receipt", active: true}},
			want:      Snapshot{IsSubscribed: true, Status: entitlements.StatusPaying, WinningProvider: "stripe"},
		},
		{
			name:      "later provider wins when earlier inactive",
			providers: []Provider{stubProvider{name: "stripe"}, stubProvider{name: "receipt"}, stubProvider{name: "manual", active: true}},
			want:      Snapshot{IsSubscribed: true, Status: entitlements.StatusPaying, WinningProvider: "manual"},
		},
		{
			name:      "trialing winner",
			providers: []Provider{stubProvider{name: "stripe", active: true, trialing: true}},
			want:      Snapshot{IsSubscribed: true, Status: entitlements.StatusTrialing, WinningProvider: "stripe"},
		},
		{
			name:      "past due winner keeps access",
			providers: []Provider{stubProvider{name: "stripe", active: true, pastDue: true}},
			want:      Snapshot{IsSubscribed: true, Status: entitlements.StatusPastDue, WinningProvider: "stripe"},
		},
		{
			name:          "grandfathered without winner",
			grandfathered: true,
			providers:     []Provider{stubProvider{name: "stripe"}, stubProvider{name: "receipt"}},
			want:          Snapshot{IsSubscribed: true, Status: entitlements.StatusGrandfathered},
		},
		{
			name:          "grandfathered and paying",
			grandfathered: true,
			providers:     []Provider{stubProvider{name: "stripe"}, stubProvider{name: "receipt", active: true}},
			want:          Snapshot{IsSubscribed: true, Status: entitlements.StatusPaying, WinningProvider: "receipt"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := project(tt.grandfathered, tt.providers)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGrandfatheredUserStaysSubscribed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "legacy@example.com", true)

	for _, p := range []string{models.BillingProviderStripe, models.BillingProviderReceipt, models.BillingProviderManual} {
		env.seedRecord(t, models.ProviderRecord{UserID: u.ID, Provider: p, Status: "expired", ExpiresAt: at(-time.Hour)})
	}

	out, err := env.svc.Reconcile(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, out.After.IsSubscribed)
	assert.Equal(t, entitlements.StatusGrandfathered, out.After.Status)
	assert.Empty(t, out.After.WinningProvider)

	stored := env.user(t, u.ID)
	assert.True(t, stored.IsSubscribed)
	assert.Equal(t, "grandfathered", stored.SubscriptionStatus)
	assert.Nil(t, stored.WinningProvider)
	assert.Empty(t, env.notes.templates(), "exempt users are not greeted as new subscribers")
}

func TestGrandfatherToggleReconciles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "toggle@example.com", false)

	out, err := env.svc.SetGrandfathered(ctx, u.ID, true)
	require.NoError(t, err)
	assert.True(t, out.After.IsSubscribed)

	out, err = env.svc.SetGrandfathered(ctx, u.ID, false)
	require.NoError(t, err)
	assert.False(t, out.After.IsSubscribed)
	assert.Equal(t, entitlements.StatusExpired, out.After.Status)

	_, err = env.svc.SetGrandfathered(ctx, 9999, true)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestWinningProviderPrecedence(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "both@example.com", false)
	env.seedRecord(t, models.ProviderRecord{
		UserID: u.ID, Provider: models.BillingProviderReceipt,
		ExternalCustomerID: sp("1000"), Status: "active", ExpiresAt: at(90 * 24 * time.Hour), Recurring: true,
	})
	env.seedRecord(t, models.ProviderRecord{
		UserID: u.ID, Provider: models.BillingProviderStripe,
		ExternalCustomerID: sp("cus_P"), Status: "active", ExpiresAt: at(24 * time.Hour), Recurring: true,
	})

	out, err := env.svc.Reconcile(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, "stripe", out.After.WinningProvider)
	assert.Equal(t, "stripe", env.user(t, u.ID).WinningProviderName())
}

func TestReceiptViewNeedsUnexpiredMainTransaction(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "lapsed@example.com", false)
	env.seedRecord(t, models.ProviderRecord{
		UserID: u.ID, Provider: models.BillingProviderReceipt,
		ExternalCustomerID: sp("1000"), Status: "active", ExpiresAt: at(-time.Minute), Recurring: true,
	})

	out, err := env.svc.Reconcile(context.Background(), u.ID)
	require.NoError(t, err)
	assert.False(t, out.After.IsSubscribed)
	assert.Equal(t, entitlements.StatusExpired, out.After.Status)
}

func TestFailedPassRollsBack(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "rollback@example.com", false)
	boom := errors.New("disk full")

	_, err := env.svc.reconciler.RunPass(context.Background(), u.ID, func(tx Repository) error {
		if err := tx.UpsertProviderRecord(&models.ProviderRecord{
			UserID: u.ID, Provider: models.BillingProviderManual, Status: "active", ExpiresAt: at(time.Hour),
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Nil(t, env.record(t, u.ID, models.BillingProviderManual))
	stored := env.user(t, u.ID)
	assert.False(t, stored.IsSubscribed)
	assert.Equal(t, "expired", stored.SubscriptionStatus)
	assert.Empty(t, env.notes.templates())
}

func TestNotificationsAreThrottled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "alerts@example.com", false)

	_, err := env.svc.SetManualExpiration(ctx, u.ID, at(time.Hour))
	require.NoError(t, err)
	_, err = env.svc.SetManualExpiration(ctx, u.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{TemplateSubscriptionStarted, TemplateSubscriptionExpired}, env.notes.templates())
	require.NotNil(t, env.user(t, u.ID).LastSubscriptionAlert)

	// A second lapse within the window stays silent.
	_, err = env.svc.SetManualExpiration(ctx, u.ID, at(time.Hour))
	require.NoError(t, err)
	out, err := env.svc.SetManualExpiration(ctx, u.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, out.Notification)
	assert.Equal(t, []string{TemplateSubscriptionStarted, TemplateSubscriptionExpired, TemplateSubscriptionStarted}, env.notes.templates())

	msg := env.notes.msgs[0]
	assert.Equal(t, []string{"alerts@example.com"}, msg.Recipients)
	assert.Equal(t, "manual", msg.Tokens["provider"])
}

func TestNotificationFor(t *testing.T) {
	sub := func(s entitlements.Status) Snapshot { return Snapshot{IsSubscribed: s.Entitled(), Status: s} }
	tests := []struct {
		before, after Snapshot
		want          string
	}{
		{sub(entitlements.StatusExpired), sub(entitlements.StatusPaying), TemplateSubscriptionStarted},
		{sub(entitlements.StatusExpired), sub(entitlements.StatusGrandfathered), ""},
		{sub(entitlements.StatusPaying), sub(entitlements.StatusExpired), TemplateSubscriptionExpired},
		{sub(entitlements.StatusTrialing), sub(entitlements.StatusTrialEnded), TemplateTrialEnded},
		{sub(entitlements.StatusPaying), sub(entitlements.StatusPastDue), TemplatePaymentPastDue},
		{sub(entitlements.StatusPastDue), sub(entitlements.StatusPastDue), ""},
		{sub(entitlements.StatusPaying), sub(entitlements.StatusPaying), ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, notificationFor(tt.before, tt.after), "%s -> %s", tt.before.Status, tt.after.Status)
	}
}

func TestConcurrentWebhooksForSameUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.createUser(t, "race@example.com", false)
	env.gw.put(&Customer{ID: "cus_R", UserID: u.ID, Subscriptions: []Subscription{
		{ID: "sub_r", Status: "active", CurrentPeriodEnd: at(30 * 24 * time.Hour)},
	}})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.svc.HandleStripeWebhook(ctx, stripeEvent(fmt.Sprintf("evt_race_%d", i), "invoice.paid", "cus_R"), "sig")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, []string{TemplateSubscriptionStarted}, env.notes.templates())
	assert.True(t, env.user(t, u.ID).IsSubscribed)
}

func TestReadsHonourCallerContext(t *testing.T) {
	env := newTestEnv(t)
	u := env.createUser(t, "ctx@example.com", false)
	env.seedRecord(t, models.ProviderRecord{
		UserID: u.ID, Provider: models.BillingProviderStripe,
		ExternalCustomerID: sp("cus_ctx"), Status: "active", ExpiresAt: at(time.Hour), Recurring: true,
	})

	st, err := env.svc.Status(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Len(t, st.Providers, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = env.svc.Status(ctx, u.ID)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = env.svc.UsersDueForRefresh(ctx, testNow, 24*time.Hour, 24*time.Hour, 10)
	assert.ErrorIs(t, err, context.Canceled)

	ids, err := env.svc.UsersDueForRefresh(context.Background(), testNow, 24*time.Hour, 24*time.Hour, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint{u.ID}, ids)
}

package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/SubSync/app/models"
	"github.com/ManuelReschke/SubSync/internal/pkg/database"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu        sync.Mutex
	customers map[string]*Customer
	cancelled []string
	deleted   []string
	attached  []string
	nextID    int

	verifyErr error
	getErr    error
	createErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{customers: map[string]*Customer{}}
}

func (g *fakeGateway) put(c *Customer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.customers[c.ID] = c
}

func (g *fakeGateway) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.getErr != nil {
		return nil, g.getErr
	}
	c, ok := g.customers[customerID]
	if !ok {
		return nil, ErrNoCustomer
	}
	cp := *c
	cp.Subscriptions = append([]Subscription(nil), c.Subscriptions...)
	return &cp, nil
}

func (g *fakeGateway) CreateCustomer(ctx context.Context, email, paymentMethod string, userID uint) (*Customer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	c := &Customer{ID: fmt.Sprintf("cus_new%d", g.nextID), Email: email, UserID: userID}
	g.customers[c.ID] = c
	cp := *c
	return &cp, nil
}

func (g *fakeGateway) DeleteCustomer(ctx context.Context, customerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, customerID)
	if c, ok := g.customers[customerID]; ok {
		c.Deleted = true
	}
	return nil
}

func (g *fakeGateway) AttachPaymentMethod(ctx context.Context, customerID, paymentMethod string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attached = append(g.attached, customerID+":"+paymentMethod)
	return nil
}

func (g *fakeGateway) CreateSubscription(ctx context.Context, customerID, priceID, coupon, paymentMethod string) (*Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	c, ok := g.customers[customerID]
	if !ok {
		return nil, ErrNoCustomer
	}
	g.nextID++
	end := testNow.AddDate(0, 1, 0)
	sub := Subscription{
		ID:               fmt.Sprintf("sub_new%d", g.nextID),
		CustomerID:       customerID,
		Status:           models.BillingStatusActive,
		PlanID:           priceID,
		CurrentPeriodEnd: &end,
	}
	c.Subscriptions = append(c.Subscriptions, sub)
	return &sub, nil
}

func (g *fakeGateway) CancelSubscription(ctx context.Context, subscriptionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.customers {
		for i := range c.Subscriptions {
			if c.Subscriptions[i].ID == subscriptionID {
				c.Subscriptions[i].Status = models.BillingStatusCanceled
				g.cancelled = append(g.cancelled, subscriptionID)
				return nil
			}
		}
	}
	return errors.New("no such subscription")
}

func (g *fakeGateway) VerifyWebhook(payload []byte, signature string) error {
	return g.verifyErr
}

type fakeVerifier struct {
	mu       sync.Mutex
	receipts map[string]*VerifiedReceipt
	err      error
	calls    int
}

func newFakeVerifier() *fakeVerifier {
	return &fakeVerifier{receipts: map[string]*VerifiedReceipt{}}
}

func (v *fakeVerifier) Verify(ctx context.Context, receiptData string) (*VerifiedReceipt, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if v.err != nil {
		return nil, v.err
	}
	r, ok := v.receipts[receiptData]
	if !ok {
		return nil, &ProviderError{Provider: models.BillingProviderReceipt, Op: "verify receipt", Code: "21003"}
	}
	return r, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []Message
}

func (n *recordingNotifier) Notify(ctx context.Context, msg Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return nil
}

func (n *recordingNotifier) templates() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.msgs))
	for _, m := range n.msgs {
		out = append(out, m.Template)
	}
	return out
}

type countingCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingCounter) Incr(ctx context.Context, provider, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[provider+":"+outcome]++
}

func (c *countingCounter) get(provider, outcome string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[provider+":"+outcome]
}

type testEnv struct {
	db       *gorm.DB
	repo     Repository
	svc      *Service
	gw       *fakeGateway
	verifier *fakeVerifier
	notes    *recordingNotifier
	counter  *countingCounter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := database.NewTestDB(t)
	env := &testEnv{
		db:       db,
		repo:     NewRepository(db),
		gw:       newFakeGateway(),
		verifier: newFakeVerifier(),
		notes:    &recordingNotifier{},
		counter:  &countingCounter{},
	}
	env.svc = NewService(env.repo, env.gw, env.verifier, Options{
		Notifier:      env.notes,
		Counter:       env.counter,
		AlertThrottle: 24 * time.Hour,
		DefaultPrice:  "price_default",
		Receipt:       ReceiptOptions{Production: true, NotificationSecret: "s3cret"},
	})
	env.svc.SetClock(func() time.Time { return testNow })
	return env
}

func (e *testEnv) createUser(t *testing.T, email string, grandfathered bool) *models.User {
	t.Helper()
	u := &models.User{Email: email, Grandfathered: grandfathered}
	require.NoError(t, e.db.Create(u).Error)
	return u
}

func (e *testEnv) seedRecord(t *testing.T, rec models.ProviderRecord) {
	t.Helper()
	require.NoError(t, e.repo.UpsertProviderRecord(&rec))
}

func (e *testEnv) record(t *testing.T, userID uint, provider string) *models.ProviderRecord {
	t.Helper()
	rec, err := e.repo.GetProviderRecord(userID, provider, false)
	require.NoError(t, err)
	return rec
}

func (e *testEnv) user(t *testing.T, userID uint) *models.User {
	t.Helper()
	u, err := e.repo.GetUser(userID)
	require.NoError(t, err)
	return u
}

func stripeEvent(id, eventType, customerID string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"type":%q,"created":1767225600,"data":{"object":{"id":"sub_ref","object":"subscription","customer":%q}}}`,
		id, eventType, customerID,
	))
}

func at(d time.Duration) *time.Time {
	t := testNow.Add(d)
	return &t
}

func sp(s string) *string { return &s }

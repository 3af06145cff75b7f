package billing

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/ManuelReschke/SubSync/app/models"
)

const stripeUserMetadataKey = "user_id"

// StripeGateway implements BillingGateway on the Stripe API.
type StripeGateway struct {
	sc            *stripe.Client
	webhookSecret string
}

func NewStripeGateway(secretKey, webhookSecret string, opts ...stripe.ClientOption) *StripeGateway {
	return &StripeGateway{
		sc:            stripe.NewClient(secretKey, opts...),
		webhookSecret: webhookSecret,
	}
}

func (g *StripeGateway) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	if customerID == "" {
		return nil, ErrNoCustomer
	}
	sc, err := g.sc.V1Customers.Retrieve(ctx, customerID, nil)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.Code == stripe.ErrorCodeResourceMissing {
			return nil, ErrNoCustomer
		}
		return nil, wrapStripeError("get customer", err)
	}

	c := &Customer{ID: sc.ID, Email: sc.Email, Deleted: sc.Deleted}
	if raw := sc.Metadata[stripeUserMetadataKey]; raw != "" {
		if id, err := strconv.ParseUint(raw, 10, 64); err == nil {
			c.UserID = uint(id)
		}
	}
	if c.Deleted {
		return c, nil
	}

	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	for ss, err := range g.sc.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, wrapStripeError("list subscriptions", err)
		}
		c.Subscriptions = append(c.Subscriptions, buildSubscription(ss))
	}
	return c, nil
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, email, paymentMethod string, userID uint) (*Customer, error) {
	params := &stripe.CustomerCreateParams{
		Email: stripe.String(email),
	}
	if paymentMethod != "" {
		params.PaymentMethod = stripe.String(paymentMethod)
		params.InvoiceSettings = &stripe.CustomerCreateInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethod),
		}
	}
	params.AddMetadata(stripeUserMetadataKey, strconv.FormatUint(uint64(userID), 10))

	sc, err := g.sc.V1Customers.Create(ctx, params)
	if err != nil {
		return nil, wrapStripeError("create customer", err)
	}
	return &Customer{ID: sc.ID, Email: sc.Email, UserID: userID}, nil
}

func (g *StripeGateway) DeleteCustomer(ctx context.Context, customerID string) error {
	if _, err := g.sc.V1Customers.Delete(ctx, customerID, nil); err != nil {
		return wrapStripeError("delete customer", err)
	}
	return nil
}

func (g *StripeGateway) AttachPaymentMethod(ctx context.Context, customerID, paymentMethod string) error {
	if paymentMethod == "" {
		return nil
	}
	_, err := g.sc.V1PaymentMethods.Attach(ctx, paymentMethod, &stripe.PaymentMethodAttachParams{
		Customer: stripe.String(customerID),
	})
	if err != nil {
		return wrapStripeError("attach payment method", err)
	}
	return nil
}

func (g *StripeGateway) CreateSubscription(ctx context.Context, customerID, priceID, coupon, paymentMethod string) (*Subscription, error) {
	params := &stripe.SubscriptionCreateParams{
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionCreateItemParams{
			{Price: stripe.String(priceID)},
		},
	}
	if coupon != "" {
		params.Discounts = []*stripe.SubscriptionCreateDiscountParams{
			{Coupon: stripe.String(coupon)},
		}
	}
	if paymentMethod != "" {
		params.DefaultPaymentMethod = stripe.String(paymentMethod)
	}

	ss, err := g.sc.V1Subscriptions.Create(ctx, params)
	if err != nil {
		return nil, wrapStripeError("create subscription", err)
	}
	sub := buildSubscription(ss)
	return &sub, nil
}

func (g *StripeGateway) CancelSubscription(ctx context.Context, subscriptionID string) error {
	if _, err := g.sc.V1Subscriptions.Cancel(ctx, subscriptionID, &stripe.SubscriptionCancelParams{}); err != nil {
		return wrapStripeError("cancel subscription", err)
	}
	return nil
}

// VerifyWebhook accepts events whose API version differs from the SDK's;
// only the signature matters here.
func (g *StripeGateway) VerifyWebhook(payload []byte, signature string) error {
	if g.webhookSecret == "" || signature == "" || len(payload) == 0 {
		return ErrInvalidSignature
	}
	_, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return ErrInvalidSignature
	}
	return nil
}

func buildSubscription(ss *stripe.Subscription) Subscription {
	sub := Subscription{
		ID:     ss.ID,
		Status: string(ss.Status),
	}
	if ss.Customer != nil {
		sub.CustomerID = ss.Customer.ID
	}
	if ss.TrialEnd > 0 {
		sub.TrialEnd = timePtr(time.Unix(ss.TrialEnd, 0).UTC())
	}
	if ss.Items != nil {
		for _, item := range ss.Items.Data {
			if item == nil {
				continue
			}
			if item.CurrentPeriodEnd > 0 {
				end := time.Unix(item.CurrentPeriodEnd, 0).UTC()
				if laterThan(&end, sub.CurrentPeriodEnd) {
					sub.CurrentPeriodEnd = &end
				}
			}
			if sub.PlanID == "" && item.Price != nil {
				sub.PlanID = item.Price.ID
			}
		}
	}
	return sub
}

// wrapStripeError hides SDK error types behind ProviderError.
func wrapStripeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		return &ProviderError{
			Provider:   models.BillingProviderStripe,
			Op:         op,
			Code:       string(se.Code),
			HTTPStatus: se.HTTPStatusCode,
			Err:        errors.New(se.Msg),
		}
	}
	return &ProviderError{Provider: models.BillingProviderStripe, Op: op, Err: err}
}

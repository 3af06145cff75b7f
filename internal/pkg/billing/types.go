package billing

import (
	"time"

	"github.com/ManuelReschke/SubSync/internal/pkg/entitlements"
)

// Customer is the provider-agnostic view of a recurring-billing customer.
type Customer struct {
	ID            string
	Email         string
	Deleted       bool
	UserID        uint
	Subscriptions []Subscription
}

// Subscription is one recurring-billing subscription of a customer.
type Subscription struct {
	ID               string
	CustomerID       string
	Status           string
	PlanID           string
	CurrentPeriodEnd *time.Time
	TrialEnd         *time.Time
}

// CustomerState is what one reconciliation pass derives for a customer
// before conflict resolution.
type CustomerState struct {
	CustomerID string
	Status     string
	ExpiresAt  *time.Time
	PlanID     string
}

// CreateSubscriptionInput carries the client request to start a subscription.
type CreateSubscriptionInput struct {
	PaymentMethod string `json:"paymentMethod" validate:"required"`
	Coupon        string `json:"coupon"`
	PriceID       string `json:"priceId"`
	Email         string `json:"email" validate:"required,email"`
}

// TransactionSubmission is a purchase reported by a mobile client.
type TransactionSubmission struct {
	ProductIdentifier     string `json:"productIdentifier" validate:"required"`
	TransactionIdentifier string `json:"transactionIdentifier" validate:"required"`
	TransactionTimestamp  int64  `json:"transactionTimestamp" validate:"required,gt=0"`
	ReceiptData           string `json:"receiptData" validate:"required"`
}

// Snapshot is the projected entitlement of a user.
type Snapshot struct {
	IsSubscribed    bool                `json:"isSubscribed"`
	Status          entitlements.Status `json:"subscriptionStatus"`
	WinningProvider string              `json:"winningProvider,omitempty"`
}

// Outcome describes one committed reconciliation pass.
type Outcome struct {
	UserID uint
	Before Snapshot
	After  Snapshot
	// Notification is the template key fired after commit, if any.
	Notification string

	recipient string
	lastAlert *time.Time
	expiresAt *time.Time
}

// Changed reports whether the pass altered the projected snapshot.
func (o *Outcome) Changed() bool {
	return o != nil && o.Before != o.After
}

// WebhookResult reports how an inbound event was handled.
type WebhookResult struct {
	EventID  string
	Type     string
	Replayed bool
	Outcome  string
	UserID   uint
	Pass     *Outcome

	// Reason explains an ignored or invalid outcome, e.g. ErrInvalidPayload.
	Reason error
}

// Ingestion outcomes, also used as counter names.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeIgnored  = "ignored"
	OutcomeFailed   = "failed"
	OutcomeInvalid  = "invalid"
)

package billing

import (
	"context"
	"time"

	"github.com/ManuelReschke/SubSync/internal/pkg/entitlements"
)

// Template keys for state-transition notifications.
const (
	TemplateSubscriptionStarted = "subscription_started"
	TemplateSubscriptionExpired = "subscription_expired"
	TemplateTrialEnded          = "trial_ended"
	TemplatePaymentPastDue      = "payment_past_due"
)

// Message is handed to the messaging collaborator; rendering is its concern.
type Message struct {
	UserID     uint              `json:"user_id"`
	Recipients []string          `json:"recipients"`
	Template   string            `json:"template"`
	Tokens     map[string]string `json:"tokens"`
}

// Notifier delivers state-transition messages.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, Message) error { return nil }

// notificationFor picks the template for a before/after transition, or "".
func notificationFor(before, after Snapshot) string {
	switch {
	case !before.IsSubscribed && after.IsSubscribed && after.Status != entitlements.StatusGrandfathered:
		return TemplateSubscriptionStarted
	case before.IsSubscribed && !after.IsSubscribed:
		if after.Status == entitlements.StatusTrialEnded {
			return TemplateTrialEnded
		}
		return TemplateSubscriptionExpired
	case after.Status == entitlements.StatusPastDue && before.Status != entitlements.StatusPastDue:
		return TemplatePaymentPastDue
	default:
		return ""
	}
}

// throttled reports whether a repeat alert inside window must be suppressed.
// Start confirmations are never throttled.
func throttled(template string, lastAlert *time.Time, now time.Time, window time.Duration) bool {
	if template == TemplateSubscriptionStarted || lastAlert == nil || window <= 0 {
		return false
	}
	return now.Sub(*lastAlert) < window
}

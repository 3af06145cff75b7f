package billing

import (
	"strings"
	"time"

	"github.com/ManuelReschke/SubSync/app/models"
)

func normalizeStatus(status string) string {
	s := strings.TrimSpace(status)
	if strings.EqualFold(s, models.BillingStatusTrialEnded) || strings.EqualFold(s, "trial_ended") {
		return models.BillingStatusTrialEnded
	}
	return strings.ToLower(s)
}

// isEntitlingStatus is the recurring-billing view of an active subscription.
func isEntitlingStatus(status string) bool {
	switch normalizeStatus(status) {
	case models.BillingStatusActive, models.BillingStatusTrialing, models.BillingStatusPastDue:
		return true
	default:
		return false
	}
}

func isTrialStatus(status string) bool {
	switch normalizeStatus(status) {
	case models.BillingStatusTrialing, models.BillingStatusTrialEnded:
		return true
	default:
		return false
	}
}

// laterThan reports whether a is strictly after b. A nil b is the zero time.
func laterThan(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.After(*b)
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

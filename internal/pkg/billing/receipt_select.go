package billing

import (
	"strings"
	"time"

	"github.com/ManuelReschke/SubSync/app/models"
)

// productPeriod is the nominal length of one subscription period. Sandbox
// receipts renew on the store's accelerated schedule.
type productPeriod struct {
	suffixes []string
	months   int
	days     int
	sandbox  time.Duration
}

var productPeriods = []productPeriod{
	{suffixes: []string{".weekly", ".week"}, days: 7, sandbox: 3 * time.Minute},
	{suffixes: []string{".bimonthly"}, months: 2, sandbox: 10 * time.Minute},
	{suffixes: []string{".monthly", ".month"}, months: 1, sandbox: 5 * time.Minute},
	{suffixes: []string{".quarterly"}, months: 3, sandbox: 15 * time.Minute},
	{suffixes: []string{".semiannual", ".halfyear"}, months: 6, sandbox: 30 * time.Minute},
	{suffixes: []string{".yearly", ".year", ".annual"}, months: 12, sandbox: time.Hour},
}

func periodFor(productID string) (productPeriod, bool) {
	id := strings.ToLower(strings.TrimSpace(productID))
	for _, p := range productPeriods {
		for _, s := range p.suffixes {
			if strings.HasSuffix(id, s) {
				return p, true
			}
		}
	}
	return productPeriod{}, false
}

// nominalExpiry computes purchase + period for records without an explicit
// expiration.
func nominalExpiry(productID string, purchasedAt time.Time, sandbox bool) (time.Time, bool) {
	p, ok := periodFor(productID)
	if !ok || purchasedAt.IsZero() {
		return time.Time{}, false
	}
	if sandbox {
		return purchasedAt.Add(p.sandbox), true
	}
	return purchasedAt.AddDate(0, p.months, p.days), true
}

// isNonRenewable reports products that a store account may buy repeatedly.
func isNonRenewable(productID string) bool {
	return strings.Contains(strings.ToLower(productID), "nonrenewing")
}

// selectGoverning returns the surviving purchase with the latest expiration,
// with ExpiresAt filled in, or nil. Cancelled purchases never govern.
func selectGoverning(purchases []Purchase, sandbox bool) *Purchase {
	var best *Purchase
	for _, p := range purchases {
		if p.CancelledAt != nil {
			continue
		}
		if p.ExpiresAt == nil {
			exp, ok := nominalExpiry(p.ProductID, p.PurchasedAt, sandbox)
			if !ok {
				continue
			}
			p.ExpiresAt = &exp
		}
		if best == nil || laterThan(p.ExpiresAt, best.ExpiresAt) {
			c := p
			best = &c
		}
	}
	return best
}

// receiptStatus is active only while the governing expiration lies ahead.
func receiptStatus(gov *Purchase, now time.Time) string {
	if gov != nil && gov.ExpiresAt != nil && gov.ExpiresAt.After(now) {
		return models.BillingStatusActive
	}
	return models.BillingStatusExpired
}

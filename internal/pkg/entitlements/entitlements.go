package entitlements

import (
	"strings"

	"github.com/ManuelReschke/SubSync/app/models"
)

// Status is the user-facing subscription status written to the snapshot.
type Status string

const (
	StatusGrandfathered Status = "grandfathered"
	StatusTrialing      Status = "trialing"
	StatusPaying        Status = "paying"
	StatusExpired       Status = "expired"
	StatusTrialEnded    Status = "trialEnded"
	StatusPastDue       Status = "past_due"
)

// ParseStatus normalizes a stored status string. Unknown values read as expired.
func ParseStatus(s string) Status {
	switch strings.TrimSpace(s) {
	case string(StatusGrandfathered):
		return StatusGrandfathered
	case string(StatusTrialing):
		return StatusTrialing
	case string(StatusPaying):
		return StatusPaying
	case string(StatusTrialEnded), "trial_ended":
		return StatusTrialEnded
	case string(StatusPastDue):
		return StatusPastDue
	default:
		return StatusExpired
	}
}

// Entitled reports whether the status grants access on its own.
func (s Status) Entitled() bool {
	switch s {
	case StatusGrandfathered, StatusTrialing, StatusPaying, StatusPastDue:
		return true
	default:
		return false
	}
}

// HasAccess is the feature gate used by downstream code. The snapshot flag is
// authoritative; grandfathered users pass even before their first pass ran.
func HasAccess(u *models.User) bool {
	if u == nil {
		return false
	}
	return u.Grandfathered || u.IsSubscribed
}

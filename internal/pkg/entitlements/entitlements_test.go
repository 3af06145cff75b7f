package entitlements

import (
	"testing"

	"github.com/ManuelReschke/SubSync/app/models"
	"github.com/stretchr/testify/assert"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in   string
		want Status
	}{
		{"grandfathered", StatusGrandfathered},
		{"trialing", StatusTrialing},
		{"paying", StatusPaying},
		{"trialEnded", StatusTrialEnded},
		{"trial_ended", StatusTrialEnded},
		{"past_due", StatusPastDue},
		{"expired", StatusExpired},
		{"", StatusExpired},
		{"bogus", StatusExpired},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseStatus(tt.in), tt.in)
	}
}

func TestStatusEntitled(t *testing.T) {
	assert.True(t, StatusPaying.Entitled())
	assert.True(t, StatusTrialing.Entitled())
	assert.True(t, StatusPastDue.Entitled())
	assert.True(t, StatusGrandfathered.Entitled())
	assert.False(t, StatusExpired.Entitled())
	assert.False(t, StatusTrialEnded.Entitled())
}

func TestHasAccess(t *testing.T) {
	assert.False(t, HasAccess(nil))
	assert.False(t, HasAccess(&models.User{}))
	assert.True(t, HasAccess(&models.User{Grandfathered: true}))
	assert.True(t, HasAccess(&models.User{IsSubscribed: true}))
}

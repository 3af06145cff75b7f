package jobqueue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/SubSync/internal/pkg/billing"
)

func TestJobTypeAndStatusValues(t *testing.T) {
	assert.Equal(t, "refresh_subscription", string(JobTypeRefreshSubscription))
	assert.Equal(t, "send_notification", string(JobTypeSendNotification))
	assert.Equal(t, "pending", string(JobStatusPending))
	assert.Equal(t, "retrying", string(JobStatusRetrying))
}

func TestJob_IsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		job       *Job
		retryable bool
	}{
		{"Failed job with retries remaining", &Job{Status: JobStatusFailed, RetryCount: 1, MaxRetries: 3}, true},
		{"Failed job out of retries", &Job{Status: JobStatusFailed, RetryCount: 3, MaxRetries: 3}, false},
		{"Completed job", &Job{Status: JobStatusCompleted, RetryCount: 0, MaxRetries: 3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.job.IsRetryable())
		})
	}
}

func TestJob_StatusTransitions(t *testing.T) {
	job := &Job{MaxRetries: 3}
	before := time.Now()

	job.MarkAsProcessing()
	assert.Equal(t, JobStatusProcessing, job.Status)
	require.NotNil(t, job.ProcessedAt)
	assert.False(t, job.UpdatedAt.Before(before))

	job.MarkAsFailed("boom")
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, "boom", job.ErrorMsg)
	assert.Equal(t, 1, job.RetryCount)

	job.MarkAsRetrying()
	assert.Equal(t, JobStatusRetrying, job.Status)

	job.MarkAsCompleted()
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.Empty(t, job.ErrorMsg)
}

// Payloads go through a JSON round trip when stored in Redis.
func TestPayloadsSurviveStorage(t *testing.T) {
	store := func(m map[string]interface{}) map[string]interface{} {
		raw, err := json.Marshal(Job{Payload: m})
		require.NoError(t, err)
		var job Job
		require.NoError(t, json.Unmarshal(raw, &job))
		return job.Payload
	}

	refresh, err := RefreshSubscriptionJobPayloadFromMap(store(RefreshSubscriptionJobPayload{UserID: 42, Reason: "sweep"}.ToMap()))
	require.NoError(t, err)
	assert.Equal(t, uint(42), refresh.UserID)
	assert.Equal(t, "sweep", refresh.Reason)

	msg := billing.Message{
		UserID:     42,
		Recipients: []string{"a@example.com"},
		Template:   billing.TemplateTrialEnded,
		Tokens:     map[string]string{"status": "trialEnded"},
	}
	note, err := SendNotificationJobPayloadFromMap(store(SendNotificationJobPayload{Message: msg}.ToMap()))
	require.NoError(t, err)
	assert.Equal(t, msg, note.Message)
}

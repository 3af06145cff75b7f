package jobqueue

import (
	"encoding/json"
	"time"

	"github.com/ManuelReschke/SubSync/internal/pkg/billing"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeRefreshSubscription JobType = "refresh_subscription"
	JobTypeSendNotification    JobType = "send_notification"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// RefreshSubscriptionJobPayload asks a worker to refetch every provider of a user.
type RefreshSubscriptionJobPayload struct {
	UserID uint   `json:"user_id"`
	Reason string `json:"reason"` // sweep, admin, api
}

// ToMap converts the payload to a map for storage
func (p RefreshSubscriptionJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"user_id": p.UserID,
		"reason":  p.Reason,
	}
}

func RefreshSubscriptionJobPayloadFromMap(data map[string]interface{}) (*RefreshSubscriptionJobPayload, error) {
	var payload RefreshSubscriptionJobPayload
	return &payload, fromMap(data, &payload)
}

// SendNotificationJobPayload carries one rendered-later notification.
type SendNotificationJobPayload struct {
	Message billing.Message `json:"message"`
}

func (p SendNotificationJobPayload) ToMap() map[string]interface{} {
	recipients := make([]interface{}, 0, len(p.Message.Recipients))
	for _, r := range p.Message.Recipients {
		recipients = append(recipients, r)
	}
	tokens := make(map[string]interface{}, len(p.Message.Tokens))
	for k, v := range p.Message.Tokens {
		tokens[k] = v
	}
	return map[string]interface{}{
		"message": map[string]interface{}{
			"user_id":    p.Message.UserID,
			"recipients": recipients,
			"template":   p.Message.Template,
			"tokens":     tokens,
		},
	}
}

func SendNotificationJobPayloadFromMap(data map[string]interface{}) (*SendNotificationJobPayload, error) {
	var payload SendNotificationJobPayload
	return &payload, fromMap(data, &payload)
}

// fromMap decodes a stored payload map through JSON.
func fromMap(data map[string]interface{}, out interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, out)
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}

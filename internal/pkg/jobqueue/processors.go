package jobqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/SubSync/internal/pkg/billing"
)

// Refresher refetches provider state for one user.
type Refresher interface {
	Refresh(ctx context.Context, userID uint) (*billing.Outcome, error)
}

// RefreshHandler builds the refresh_subscription handler.
func RefreshHandler(r Refresher) Handler {
	return func(ctx context.Context, job *Job) error {
		payload, err := RefreshSubscriptionJobPayloadFromMap(job.Payload)
		if err != nil {
			return fmt.Errorf("%w: invalid payload: %v", ErrPermanent, err)
		}
		if payload.UserID == 0 {
			return fmt.Errorf("%w: missing user id", ErrPermanent)
		}

		out, err := r.Refresh(ctx, payload.UserID)
		if err != nil {
			if errors.Is(err, billing.ErrUserNotFound) {
				return fmt.Errorf("%w: %v", ErrPermanent, err)
			}
			return err
		}
		if out.Changed() {
			log.Infof("[JobQueue] Refresh (%s) changed user %d: %s -> %s", payload.Reason, payload.UserID, out.Before.Status, out.After.Status)
		}
		return nil
	}
}

// NotificationHandler builds the send_notification handler.
func NotificationHandler(n billing.Notifier) Handler {
	return func(ctx context.Context, job *Job) error {
		payload, err := SendNotificationJobPayloadFromMap(job.Payload)
		if err != nil {
			return fmt.Errorf("%w: invalid payload: %v", ErrPermanent, err)
		}
		return n.Notify(ctx, payload.Message)
	}
}

// Enqueuer is the part of Queue producers depend on.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, jobType JobType, payload map[string]interface{}) (*Job, error)
}

// AsyncNotifier implements billing.Notifier by queueing a send_notification job.
type AsyncNotifier struct {
	queue Enqueuer
}

func NewAsyncNotifier(queue Enqueuer) *AsyncNotifier {
	return &AsyncNotifier{queue: queue}
}

func (a *AsyncNotifier) Notify(ctx context.Context, msg billing.Message) error {
	_, err := a.queue.EnqueueJob(ctx, JobTypeSendNotification, SendNotificationJobPayload{Message: msg}.ToMap())
	return err
}

// EnqueueRefresh queues a refresh for one user.
func EnqueueRefresh(ctx context.Context, q Enqueuer, userID uint, reason string) (*Job, error) {
	return q.EnqueueJob(ctx, JobTypeRefreshSubscription, RefreshSubscriptionJobPayload{UserID: userID, Reason: reason}.ToMap())
}

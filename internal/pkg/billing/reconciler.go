package billing

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/SubSync/app/models"
	"github.com/ManuelReschke/SubSync/internal/pkg/entitlements"
)

// Reconciler folds every provider's view into the user's snapshot.
type Reconciler struct {
	repo     Repository
	locker   Locker
	notifier Notifier
	throttle time.Duration
	now      func() time.Time
}

// NewReconciler wires the orchestrator. A nil locker or notifier falls back to
// an in-process locker and a no-op notifier.
func NewReconciler(repo Repository, locker Locker, notifier Notifier, throttle time.Duration) *Reconciler {
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Reconciler{
		repo:     repo,
		locker:   locker,
		notifier: notifier,
		throttle: throttle,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Locked runs fn while holding the user's reconciliation lock.
func (r *Reconciler) Locked(ctx context.Context, userID uint, fn func(ctx context.Context) error) error {
	unlock, err := r.locker.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

// RunPass is Commit under the user's lock.
func (r *Reconciler) RunPass(ctx context.Context, userID uint, apply func(tx Repository) error) (*Outcome, error) {
	var out *Outcome
	err := r.Locked(ctx, userID, func(ctx context.Context) error {
		var err error
		out, err = r.Commit(ctx, userID, apply)
		return err
	})
	return out, err
}

// Commit applies provider changes and the projection in one transaction and
// fires notifications once it is committed. The caller must hold the lock.
func (r *Reconciler) Commit(ctx context.Context, userID uint, apply func(tx Repository) error) (*Outcome, error) {
	var out *Outcome
	err := r.repo.Transaction(ctx, func(tx Repository) error {
		if apply != nil {
			if err := apply(tx); err != nil {
				return err
			}
		}
		var err error
		out, err = r.Reconcile(ctx, tx, userID)
		return err
	})
	if err != nil {
		log.Errorf("[Reconcile] Pass for user %d rolled back: %v", userID, err)
		return nil, err
	}
	r.afterCommit(ctx, out)
	return out, nil
}

// Reconcile evaluates providers in precedence order and writes the snapshot
// through repo, which is expected to be transactional.
func (r *Reconciler) Reconcile(ctx context.Context, repo Repository, userID uint) (*Outcome, error) {
	user, err := repo.GetUser(userID)
	if err != nil {
		return nil, err
	}
	before := snapshotOf(user)

	providers := providersInOrder(repo, r.now)
	for _, p := range providers {
		p.Refresh(ctx, userID)
	}
	after, winner := project(user.Grandfathered, providers)

	user.IsSubscribed = after.IsSubscribed
	user.SubscriptionStatus = string(after.Status)
	user.WinningProvider = strPtr(after.WinningProvider)
	if err := repo.SaveSnapshot(user); err != nil {
		return nil, err
	}

	out := &Outcome{
		UserID:    userID,
		Before:    before,
		After:     after,
		recipient: user.Email,
		lastAlert: user.LastSubscriptionAlert,
		expiresAt: relevantExpiry(winner, providers),
	}
	if out.Changed() {
		log.Infof("[Reconcile] User %d: %s -> %s (winner=%q)", userID, before.Status, after.Status, after.WinningProvider)
	}
	return out, nil
}

// project computes the snapshot. A grandfathered user is always subscribed;
// when a provider also wins, the status reflects that provider for reporting.
func project(grandfathered bool, providers []Provider) (Snapshot, Provider) {
	var winner Provider
	for _, p := range providers {
		if p.Active() {
			winner = p
			break
		}
	}

	snap := Snapshot{IsSubscribed: grandfathered || winner != nil}
	switch {
	case winner != nil:
		snap.WinningProvider = winner.Name()
		snap.Status = entitlements.StatusPaying
		if winner.Trialing() {
			snap.Status = entitlements.StatusTrialing
		} else if pd, ok := winner.(pastDueReporter); ok && pd.PastDue() {
			snap.Status = entitlements.StatusPastDue
		}
	case grandfathered:
		snap.Status = entitlements.StatusGrandfathered
	default:
		snap.Status = entitlements.StatusExpired
		for _, p := range providers {
			if p.TrialEnded() {
				snap.Status = entitlements.StatusTrialEnded
				break
			}
		}
	}
	return snap, winner
}

func snapshotOf(u *models.User) Snapshot {
	return Snapshot{
		IsSubscribed:    u.IsSubscribed,
		Status:          entitlements.ParseStatus(u.SubscriptionStatus),
		WinningProvider: u.WinningProviderName(),
	}
}

func relevantExpiry(winner Provider, providers []Provider) *time.Time {
	if winner != nil {
		return winner.ExpiresAt()
	}
	for _, p := range providers {
		if exp := p.ExpiresAt(); exp != nil {
			return exp
		}
	}
	return nil
}

func (r *Reconciler) afterCommit(ctx context.Context, out *Outcome) {
	key := notificationFor(out.Before, out.After)
	if key == "" || out.recipient == "" {
		return
	}
	now := r.now()
	if throttled(key, out.lastAlert, now, r.throttle) {
		log.Debugf("[Reconcile] Suppressing %s for user %d (last alert %s)", key, out.UserID, out.lastAlert)
		return
	}

	tokens := map[string]string{
		"status":   string(out.After.Status),
		"provider": out.After.WinningProvider,
	}
	if out.expiresAt != nil {
		tokens["expires_at"] = out.expiresAt.UTC().Format(time.RFC3339)
	}
	// Start confirmations do not count towards the alert window.
	if key != TemplateSubscriptionStarted {
		if err := r.repo.TouchSubscriptionAlert(out.UserID, now); err != nil {
			log.Errorf("[Reconcile] Failed to record alert time for user %d: %v", out.UserID, err)
		}
	}
	if err := r.notifier.Notify(ctx, Message{
		UserID:     out.UserID,
		Recipients: []string{out.recipient},
		Template:   key,
		Tokens:     tokens,
	}); err != nil {
		log.Errorf("[Reconcile] Notification %s for user %d failed: %v", key, out.UserID, err)
		return
	}
	out.Notification = key
}

package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/SubSync/app/models"
)

// recurringCanceller stops recurring-billing subscriptions of a user.
type recurringCanceller interface {
	Cancel(ctx context.Context, userID uint) (*Outcome, error)
}

// ReceiptOptions configures the receipt adapter.
type ReceiptOptions struct {
	// Production is the server's own store environment.
	Production bool
	// NotificationSecret is the shared secret expected in status notifications.
	NotificationSecret string
	// RequireNotificationSecret rejects notifications without a password.
	RequireNotificationSecret bool
}

// ReceiptAdapter verifies store receipts and keeps the receipt provider
// record and transaction history current.
type ReceiptAdapter struct {
	repo       Repository
	verifier   ReceiptVerifier
	reconciler *Reconciler
	canceller  recurringCanceller
	counter    EventCounter
	validate   *validator.Validate
	opts       ReceiptOptions
	now        func() time.Time
}

func NewReceiptAdapter(repo Repository, verifier ReceiptVerifier, reconciler *Reconciler, counter EventCounter, opts ReceiptOptions) *ReceiptAdapter {
	if counter == nil {
		counter = noopCounter{}
	}
	return &ReceiptAdapter{
		repo:       repo,
		verifier:   verifier,
		reconciler: reconciler,
		counter:    counter,
		validate:   validator.New(),
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetCanceller wires the recurring adapter used to stop double billing.
func (a *ReceiptAdapter) SetCanceller(c recurringCanceller) {
	a.canceller = c
}

// SubmitTransaction verifies a client-reported purchase. The only error meant
// for the end user is a *DisplayableError for a purchase claimed elsewhere.
func (a *ReceiptAdapter) SubmitTransaction(ctx context.Context, userID uint, in TransactionSubmission) (*Outcome, error) {
	in.ProductIdentifier = strings.TrimSpace(in.ProductIdentifier)
	in.TransactionIdentifier = strings.TrimSpace(in.TransactionIdentifier)
	if err := a.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingField, err)
	}

	claimed, err := a.repo.FindReceiptTransaction(in.TransactionIdentifier)
	if err != nil {
		return nil, err
	}
	if claimed != nil && claimed.UserID != userID && !isNonRenewable(in.ProductIdentifier) {
		log.Warnf("[Receipt] Transaction %s of user %d was submitted again by user %d", in.TransactionIdentifier, claimed.UserID, userID)
		return nil, purchaseInUseError()
	}

	verified, err := a.verifier.Verify(ctx, in.ReceiptData)
	if err != nil {
		log.Errorf("[Receipt] Verification for user %d failed: %v", userID, err)
		return nil, providerErr(models.BillingProviderReceipt, "verify receipt", err)
	}
	return a.apply(ctx, userID, verified, in.ReceiptData, &in)
}

// Sync re-verifies the stored receipt of the user's main transaction.
func (a *ReceiptAdapter) Sync(ctx context.Context, userID uint) (*Outcome, error) {
	rec, err := a.repo.GetProviderRecord(userID, models.BillingProviderReceipt, false)
	if err != nil {
		return nil, err
	}
	if rec == nil || derefStr(rec.MainTransactionID) == "" {
		return nil, ErrNoCustomer
	}
	main, err := a.repo.FindReceiptTransaction(*rec.MainTransactionID)
	if err != nil {
		return nil, err
	}
	if main == nil || main.ReceiptBlob == "" {
		return nil, ErrNoCustomer
	}

	verified, err := a.verifier.Verify(ctx, main.ReceiptBlob)
	if err != nil {
		log.Errorf("[Receipt] Re-verification for user %d failed: %v", userID, err)
		return nil, providerErr(models.BillingProviderReceipt, "verify receipt", err)
	}
	return a.apply(ctx, userID, verified, main.ReceiptBlob, nil)
}

func (a *ReceiptAdapter) apply(ctx context.Context, userID uint, verified *VerifiedReceipt, blob string, submitted *TransactionSubmission) (*Outcome, error) {
	if verified.LatestReceipt != "" {
		blob = verified.LatestReceipt
	}

	var (
		out          *Outcome
		becameActive bool
	)
	err := a.reconciler.Locked(ctx, userID, func(ctx context.Context) error {
		now := a.now()
		gov := selectGoverning(verified.Purchases, verified.Sandbox)

		rows := historyRows(userID, verified, gov, blob, submitted)

		var err error
		out, err = a.reconciler.Commit(ctx, userID, func(tx Repository) error {
			if err := checkChainOwnership(tx, userID, rows); err != nil {
				return err
			}

			existing, err := tx.GetProviderRecord(userID, models.BillingProviderReceipt, true)
			if err != nil {
				return err
			}
			wasActive := existing != nil && receiptRecordActive(existing, now)

			rec := nextReceiptRecord(userID, existing, gov, now)
			nowActive := rec.Status == models.BillingStatusActive
			switch {
			case wasActive && !nowActive:
				log.Infof("[Receipt] Subscription of user %d lapsed (main transaction %s)", userID, derefStr(rec.MainTransactionID))
			case !wasActive && nowActive:
				rec.GraceCount = 0
				becameActive = true
			}
			if err := tx.UpsertProviderRecord(rec); err != nil {
				return err
			}

			for _, row := range rows {
				_, err := tx.AppendReceiptTransaction(row)
				switch {
				case err == nil:
				case errors.Is(err, ErrTransactionClaimed) && isNonRenewable(row.ProductIdentifier):
					// shared non-renewing purchases keep their first holder's row
				case errors.Is(err, ErrTransactionClaimed):
					log.Warnf("[Receipt] Transaction %s is held by another user, rejecting claim by user %d", row.TransactionIdentifier, userID)
					return purchaseInUseError()
				default:
					return err
				}
			}
			if nowActive {
				return tx.SetPaymentMethod(userID, models.PaymentMethodReceipt)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if becameActive {
		a.cancelRecurring(ctx, userID)
	}
	return out, nil
}

// cancelRecurring stops an active recurring subscription once the user is
// entitled through receipts, so they are not billed twice.
func (a *ReceiptAdapter) cancelRecurring(ctx context.Context, userID uint) {
	if a.canceller == nil {
		return
	}
	rec, err := a.repo.GetProviderRecord(userID, models.BillingProviderStripe, false)
	if err != nil || rec == nil || !isEntitlingStatus(rec.Status) {
		return
	}
	log.Infof("[Receipt] User %d is entitled through receipts, cancelling recurring subscription", userID)
	if _, err := a.canceller.Cancel(ctx, userID); err != nil {
		log.Errorf("[Receipt] Failed to cancel recurring subscription of user %d: %v", userID, err)
	}
}

// checkChainOwnership rejects a claim when any renewal of the same
// subscription is already stored for a different user. Renewals share the
// original transaction id, so the submitted id alone is not enough.
func checkChainOwnership(tx Repository, userID uint, rows []*models.ReceiptTransaction) error {
	seen := map[string]bool{}
	for _, row := range rows {
		chain := row.OriginalTransactionIdentifier
		if chain == "" {
			chain = row.TransactionIdentifier
		}
		if chain == "" || seen[chain] || isNonRenewable(row.ProductIdentifier) {
			continue
		}
		seen[chain] = true

		owners, err := tx.ListReceiptOwners(chain)
		if err != nil {
			return err
		}
		for _, owner := range owners {
			if owner != userID {
				log.Warnf("[Receipt] Subscription %s of user %d was claimed by user %d", chain, owner, userID)
				return purchaseInUseError()
			}
		}
	}
	return nil
}

func purchaseInUseError() *DisplayableError {
	return &DisplayableError{
		Short:  "Purchase already in use",
		Detail: "This purchase is already linked to a different account. Sign in with that account to restore it.",
	}
}

func receiptRecordActive(rec *models.ProviderRecord, now time.Time) bool {
	return normalizeStatus(rec.Status) == models.BillingStatusActive && rec.ExpiresAt != nil && rec.ExpiresAt.After(now)
}

func nextReceiptRecord(userID uint, existing *models.ProviderRecord, gov *Purchase, now time.Time) *models.ProviderRecord {
	rec := &models.ProviderRecord{
		UserID:    userID,
		Provider:  models.BillingProviderReceipt,
		Status:    receiptStatus(gov, now),
		Recurring: true,
	}
	if existing != nil {
		rec.ExternalCustomerID = existing.ExternalCustomerID
		rec.ExpiresAt = existing.ExpiresAt
		rec.PlanID = existing.PlanID
		rec.Recurring = existing.Recurring
		rec.GraceCount = existing.GraceCount
		rec.MainTransactionID = existing.MainTransactionID
	}
	if gov == nil {
		return rec
	}
	rec.ExternalCustomerID = strPtr(gov.OriginalTransactionID)
	rec.ExpiresAt = gov.ExpiresAt
	rec.PlanID = strPtr(gov.ProductID)
	rec.Recurring = !isNonRenewable(gov.ProductID)
	rec.MainTransactionID = strPtr(gov.TransactionID)
	return rec
}

// historyRows lists the transactions to append: the governing purchase and
// the submitted one when it differs.
func historyRows(userID uint, verified *VerifiedReceipt, gov *Purchase, blob string, submitted *TransactionSubmission) []*models.ReceiptTransaction {
	var rows []*models.ReceiptTransaction
	if gov != nil && gov.TransactionID != "" {
		rows = append(rows, &models.ReceiptTransaction{
			UserID:                        userID,
			ProductIdentifier:             gov.ProductID,
			TransactionIdentifier:         gov.TransactionID,
			OriginalTransactionIdentifier: gov.OriginalTransactionID,
			ReceiptBlob:                   blob,
			Environment:                   verified.Environment(),
			ExpiresAt:                     gov.ExpiresAt,
			PurchasedAt:                   gov.PurchasedAt,
		})
	}
	if submitted == nil || (gov != nil && gov.TransactionID == submitted.TransactionIdentifier) {
		return rows
	}

	row := &models.ReceiptTransaction{
		UserID:                        userID,
		ProductIdentifier:             submitted.ProductIdentifier,
		TransactionIdentifier:         submitted.TransactionIdentifier,
		OriginalTransactionIdentifier: submitted.TransactionIdentifier,
		ReceiptBlob:                   blob,
		Environment:                   verified.Environment(),
		PurchasedAt:                   submissionTime(submitted.TransactionTimestamp),
	}
	for _, p := range verified.Purchases {
		if p.TransactionID == submitted.TransactionIdentifier {
			row.OriginalTransactionIdentifier = p.OriginalTransactionID
			row.ExpiresAt = p.ExpiresAt
			if !p.PurchasedAt.IsZero() {
				row.PurchasedAt = p.PurchasedAt
			}
			break
		}
	}
	return append(rows, row)
}

// submissionTime accepts client timestamps in seconds or milliseconds.
func submissionTime(ts int64) time.Time {
	if ts > 1e12 {
		return time.UnixMilli(ts).UTC()
	}
	return time.Unix(ts, 0).UTC()
}

type appStoreNotification struct {
	Environment           string          `json:"environment"`
	NotificationType      string          `json:"notification_type"`
	Password              string          `json:"password"`
	OriginalTransactionID string          `json:"original_transaction_id"`
	LatestReceiptInfo     json.RawMessage `json:"latest_receipt_info"`
	UnifiedReceipt        struct {
		LatestReceiptInfo []appStorePurchase `json:"latest_receipt_info"`
	} `json:"unified_receipt"`
}

// originalTransactionID finds the stable transaction id. latest_receipt_info
// is an object in older notifications and an array in newer ones.
func (n *appStoreNotification) originalTransactionID() string {
	if n.OriginalTransactionID != "" {
		return n.OriginalTransactionID
	}
	for _, p := range n.UnifiedReceipt.LatestReceiptInfo {
		if p.OriginalTransactionID != "" {
			return p.OriginalTransactionID
		}
	}
	if len(n.LatestReceiptInfo) == 0 {
		return ""
	}
	var one appStorePurchase
	if err := json.Unmarshal(n.LatestReceiptInfo, &one); err == nil && one.OriginalTransactionID != "" {
		return one.OriginalTransactionID
	}
	var many []appStorePurchase
	if err := json.Unmarshal(n.LatestReceiptInfo, &many); err == nil {
		for _, p := range many {
			if p.OriginalTransactionID != "" {
				return p.OriginalTransactionID
			}
		}
	}
	return ""
}

func (n *appStoreNotification) production() (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(n.Environment)) {
	case "prod", "production":
		return true, true
	case "sandbox":
		return false, true
	default:
		return false, false
	}
}

// HandleStatusNotification reacts to a store push by re-verifying the user's
// receipt. The notification body itself is never trusted.
func (a *ReceiptAdapter) HandleStatusNotification(ctx context.Context, payload []byte) (*WebhookResult, error) {
	var n appStoreNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		log.Warnf("[Receipt] Ignoring unparsable notification (%d bytes): %v", len(payload), err)
		a.counter.Incr(ctx, models.BillingProviderReceipt, OutcomeInvalid)
		return &WebhookResult{Outcome: OutcomeInvalid, Reason: fmt.Errorf("%w: %v", ErrInvalidPayload, err)}, nil
	}

	res := &WebhookResult{EventID: notificationEventID(payload), Type: n.NotificationType}
	prod, known := n.production()
	if !known || prod != a.opts.Production {
		log.Infof("[Receipt] Ignoring %s notification for environment %q", n.NotificationType, n.Environment)
		res.Outcome = OutcomeIgnored
		res.Reason = ErrEnvironmentMismatch
		a.counter.Incr(ctx, models.BillingProviderReceipt, OutcomeIgnored)
		return res, nil
	}

	secretOK := true
	if a.opts.NotificationSecret != "" && (n.Password != "" || a.opts.RequireNotificationSecret) {
		secretOK = VerifyNotificationSecret(n.Password, a.opts.NotificationSecret)
	}

	event := &models.BillingWebhookEvent{
		Provider:        models.BillingProviderReceipt,
		ProviderEventID: res.EventID,
		EventType:       n.NotificationType,
		PayloadJSON:     string(payload),
		SignatureValid:  secretOK,
		ReceivedAt:      a.now(),
	}
	created, err := a.repo.UpsertWebhookEvent(event)
	if err != nil {
		a.counter.Incr(ctx, models.BillingProviderReceipt, OutcomeFailed)
		return nil, fmt.Errorf("store receipt notification: %w", err)
	}
	res.Replayed = !created

	if !secretOK {
		log.Warnf("[Receipt] Rejecting %s notification with wrong shared secret", n.NotificationType)
		a.finish(ctx, event, res, OutcomeRejected, ErrInvalidSignature.Error())
		return res, ErrInvalidSignature
	}

	origID := n.originalTransactionID()
	if origID == "" {
		a.finish(ctx, event, res, OutcomeIgnored, "no transaction reference")
		return res, nil
	}
	userID, err := a.repo.FindUserIDByOriginalTransaction(origID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			log.Infof("[Receipt] Notification for unknown transaction %s", origID)
			a.finish(ctx, event, res, OutcomeIgnored, "unknown transaction")
			return res, nil
		}
		a.finish(ctx, event, res, OutcomeFailed, err.Error())
		return res, err
	}
	res.UserID = userID

	out, err := a.Sync(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNoCustomer) {
			a.finish(ctx, event, res, OutcomeIgnored, "no stored receipt")
			return res, nil
		}
		a.finish(ctx, event, res, OutcomeFailed, err.Error())
		return res, err
	}
	res.Pass = out
	a.finish(ctx, event, res, OutcomeAccepted, "")
	return res, nil
}

func (a *ReceiptAdapter) finish(ctx context.Context, event *models.BillingWebhookEvent, res *WebhookResult, outcome, reason string) {
	res.Outcome = outcome
	a.counter.Incr(ctx, event.Provider, outcome)
	if err := a.repo.MarkWebhookProcessed(event.ID, reason); err != nil {
		log.Errorf("[Receipt] Failed to mark notification %s processed: %v", event.ProviderEventID, err)
	}
}

package models

import "time"

// Provider names in fixed reconciliation precedence order.
const (
	BillingProviderStripe  = "stripe"
	BillingProviderReceipt = "receipt"
	BillingProviderManual  = "manual"
)

const (
	BillingStatusActive     = "active"
	BillingStatusTrialing   = "trialing"
	BillingStatusPastDue    = "past_due"
	BillingStatusCanceled   = "canceled"
	BillingStatusIncomplete = "incomplete"
	BillingStatusExpired    = "expired"
	BillingStatusPaused     = "paused"
	BillingStatusTrialEnded = "trialEnded"
)

// ProviderRecord caches one provider's view of a user's subscription.
// A row is created lazily on the first successful provider interaction and
// only ever overwritten by that provider's adapter.
type ProviderRecord struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	UserID             uint       `gorm:"not null;index:ux_provider_records_user_provider,unique,priority:1" json:"user_id"`
	Provider           string     `gorm:"type:varchar(20);not null;index:ux_provider_records_user_provider,unique,priority:2;index:idx_provider_records_provider_customer,priority:1" json:"provider"`
	ExternalCustomerID *string    `gorm:"type:varchar(191);default:null;index:idx_provider_records_provider_customer,priority:2" json:"external_customer_id,omitempty"`
	Status             string     `gorm:"type:varchar(32);not null;default:'';index" json:"status"`
	ExpiresAt          *time.Time `gorm:"type:timestamp;default:null;index" json:"expires_at,omitempty"`
	PlanID             *string    `gorm:"type:varchar(191);default:null" json:"plan_id,omitempty"`
	Recurring          bool       `gorm:"not null;default:false" json:"recurring"`
	GraceCount         int        `gorm:"not null;default:0" json:"grace_count"`
	MainTransactionID  *string    `gorm:"type:varchar(191);default:null;index" json:"main_transaction_id,omitempty"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// CustomerID returns the external customer id or "".
func (r *ProviderRecord) CustomerID() string {
	if r == nil || r.ExternalCustomerID == nil {
		return ""
	}
	return *r.ExternalCustomerID
}

// ReceiptTransaction is one verified store transaction. Rows are appended per
// renewal and never overwritten.
type ReceiptTransaction struct {
	ID                            uint       `gorm:"primaryKey" json:"id"`
	UserID                        uint       `gorm:"not null;index" json:"user_id"`
	ProductIdentifier             string     `gorm:"type:varchar(191);not null" json:"product_identifier"`
	TransactionIdentifier         string     `gorm:"type:varchar(191);not null;uniqueIndex:ux_receipt_transactions_txid" json:"transaction_identifier"`
	OriginalTransactionIdentifier string     `gorm:"type:varchar(191);not null;default:'';index" json:"original_transaction_identifier"`
	ReceiptBlob                   string     `gorm:"type:longtext" json:"-"`
	Environment                   string     `gorm:"type:varchar(20);not null;default:'Production'" json:"environment"`
	ExpiresAt                     *time.Time `gorm:"type:timestamp;default:null" json:"expires_at,omitempty"`
	PurchasedAt                   time.Time  `gorm:"type:timestamp;not null" json:"purchased_at"`
	CreatedAt                     time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// BillingEventStat holds daily ingestion outcome counts per provider.
type BillingEventStat struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Day       time.Time `gorm:"type:date;not null;index:ux_billing_event_stats_day_provider_outcome,unique,priority:1" json:"day"`
	Provider  string    `gorm:"type:varchar(20);not null;index:ux_billing_event_stats_day_provider_outcome,unique,priority:2" json:"provider"`
	Outcome   string    `gorm:"type:varchar(20);not null;index:ux_billing_event_stats_day_provider_outcome,unique,priority:3" json:"outcome"`
	Count     int64     `gorm:"not null;default:0" json:"count"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

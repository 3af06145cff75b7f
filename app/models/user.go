package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

const (
	PaymentMethodNone    = ""
	PaymentMethodStripe  = "stripe"
	PaymentMethodReceipt = "receipt"
	PaymentMethodManual  = "manual"
)

// User is owned by the account system. The billing engine only reads
// Grandfathered and writes the projected subscription columns.
type User struct {
	ID                    uint           `gorm:"primaryKey" json:"id"`
	Name                  string         `gorm:"type:varchar(150)" json:"name" validate:"max=150"`
	Email                 string         `gorm:"uniqueIndex;type:varchar(200)" json:"email" validate:"required,email,max=200"`
	Grandfathered         bool           `gorm:"not null;default:false" json:"grandfathered"`
	PaymentMethod         string         `gorm:"type:varchar(20);not null;default:''" json:"payment_method" validate:"omitempty,oneof=stripe receipt manual"`
	IsSubscribed          bool           `gorm:"not null;default:false;index" json:"is_subscribed"`
	SubscriptionStatus    string         `gorm:"type:varchar(20);not null;default:'expired'" json:"subscription_status"`
	WinningProvider       *string        `gorm:"type:varchar(20);default:null" json:"winning_provider"`
	LastSubscriptionAlert *time.Time     `gorm:"type:timestamp;default:null" json:"last_subscription_alert"`
	APIKeyHash            string         `gorm:"type:char(64);default:'';index" json:"-"`
	CreatedAt             time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt             gorm.DeletedAt `gorm:"index" json:"-"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

// WinningProviderName returns the winning provider or "" when none won.
func (u *User) WinningProviderName() string {
	if u.WinningProvider == nil {
		return ""
	}
	return *u.WinningProvider
}

var apiKeyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

const apiKeyPrefix = "sub_"

// IssueAPIKey generates a new client API key and stores its hash on the user.
// Callers must persist the user afterwards.
func (u *User) IssueAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	raw := apiKeyPrefix + strings.ToLower(apiKeyEncoding.EncodeToString(b))
	if len(raw) < 12 {
		return "", fmt.Errorf("api key generation failed: key too short")
	}
	u.APIKeyHash = HashAPIKey(raw)
	return raw, nil
}

// HashAPIKey returns the SHA-256 hash for the provided API key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}

package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/SubSync/app/models"
)

const (
	DefaultAppStoreProductionURL = "https://buy.itunes.apple.com/verifyReceipt"
	DefaultAppStoreSandboxURL    = "https://sandbox.itunes.apple.com/verifyReceipt"
)

// verifyReceipt status codes handled explicitly.
const (
	appStoreStatusOK                = 0
	appStoreStatusExpired           = 21006
	appStoreStatusSandboxReceipt    = 21007
	appStoreStatusProductionReceipt = 21008
)

// Purchase is one decoded in-app purchase record.
type Purchase struct {
	ProductID             string
	TransactionID         string
	OriginalTransactionID string
	PurchasedAt           time.Time
	ExpiresAt             *time.Time
	CancelledAt           *time.Time
}

// VerifiedReceipt is the decoded result of a receipt verification.
type VerifiedReceipt struct {
	Status    int
	Sandbox   bool
	Purchases []Purchase
	// LatestReceipt is the refreshed blob returned by the store, if any.
	LatestReceipt string
}

// Environment is the value stored on receipt transactions.
func (v *VerifiedReceipt) Environment() string {
	if v.Sandbox {
		return "Sandbox"
	}
	return "Production"
}

// ReceiptVerifier submits an opaque receipt blob to the platform.
type ReceiptVerifier interface {
	Verify(ctx context.Context, receiptData string) (*VerifiedReceipt, error)
}

// AppStoreVerifier talks to the legacy verifyReceipt endpoint.
type AppStoreVerifier struct {
	client        *http.Client
	productionURL string
	sandboxURL    string
	sharedSecret  string
	production    bool
}

type AppStoreOptions struct {
	ProductionURL string
	SandboxURL    string
	SharedSecret  string
	// Production selects which endpoint is tried first.
	Production bool
	Timeout    time.Duration
}

func NewAppStoreVerifier(opts AppStoreOptions) *AppStoreVerifier {
	if opts.ProductionURL == "" {
		opts.ProductionURL = DefaultAppStoreProductionURL
	}
	if opts.SandboxURL == "" {
		opts.SandboxURL = DefaultAppStoreSandboxURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	return &AppStoreVerifier{
		client:        &http.Client{Timeout: opts.Timeout},
		productionURL: opts.ProductionURL,
		sandboxURL:    opts.SandboxURL,
		sharedSecret:  opts.SharedSecret,
		production:    opts.Production,
	}
}

type appStoreRequest struct {
	ReceiptData            string `json:"receipt-data"`
	Password               string `json:"password,omitempty"`
	ExcludeOldTransactions bool   `json:"exclude-old-transactions"`
}

type appStorePurchase struct {
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	PurchaseDateMS        string `json:"purchase_date_ms"`
	ExpiresDateMS         string `json:"expires_date_ms"`
	CancellationDateMS    string `json:"cancellation_date_ms"`
}

type appStoreResponse struct {
	Status      int    `json:"status"`
	Environment string `json:"environment"`
	Receipt     struct {
		InApp []appStorePurchase `json:"in_app"`
	} `json:"receipt"`
	LatestReceiptInfo []appStorePurchase `json:"latest_receipt_info"`
	LatestReceipt     string             `json:"latest_receipt"`
}

// Verify posts the receipt and follows the store's environment redirects
// (21007 to sandbox, 21008 to production) once. An expired receipt (21006)
// is still a valid result.
func (v *AppStoreVerifier) Verify(ctx context.Context, receiptData string) (*VerifiedReceipt, error) {
	if strings.TrimSpace(receiptData) == "" {
		return nil, fmt.Errorf("%w: receipt data", ErrMissingField)
	}

	sandbox := !v.production
	resp, err := v.post(ctx, v.urlFor(sandbox), receiptData)
	if err != nil {
		return nil, err
	}
	switch resp.Status {
	case appStoreStatusSandboxReceipt:
		sandbox = true
		resp, err = v.post(ctx, v.sandboxURL, receiptData)
	case appStoreStatusProductionReceipt:
		sandbox = false
		resp, err = v.post(ctx, v.productionURL, receiptData)
	}
	if err != nil {
		return nil, err
	}

	if resp.Status != appStoreStatusOK && resp.Status != appStoreStatusExpired {
		return nil, &ProviderError{
			Provider: models.BillingProviderReceipt,
			Op:       "verify receipt",
			Code:     strconv.Itoa(resp.Status),
			Err:      fmt.Errorf("store rejected receipt with status %d", resp.Status),
		}
	}
	if resp.Environment != "" {
		sandbox = strings.EqualFold(resp.Environment, "Sandbox")
	}

	raw := resp.LatestReceiptInfo
	if len(raw) == 0 {
		raw = resp.Receipt.InApp
	}
	out := &VerifiedReceipt{
		Status:        resp.Status,
		Sandbox:       sandbox,
		LatestReceipt: resp.LatestReceipt,
		Purchases:     make([]Purchase, 0, len(raw)),
	}
	for _, p := range raw {
		out.Purchases = append(out.Purchases, p.toPurchase())
	}
	return out, nil
}

func (v *AppStoreVerifier) urlFor(sandbox bool) string {
	if sandbox {
		return v.sandboxURL
	}
	return v.productionURL
}

func (v *AppStoreVerifier) post(ctx context.Context, url, receiptData string) (*appStoreResponse, error) {
	body, err := json.Marshal(appStoreRequest{
		ReceiptData: receiptData,
		Password:    v.sharedSecret,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := v.client.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: models.BillingProviderReceipt, Op: "verify receipt", Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, &ProviderError{
			Provider:   models.BillingProviderReceipt,
			Op:         "verify receipt",
			HTTPStatus: res.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(snippet))),
		}
	}

	var out appStoreResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, &ProviderError{Provider: models.BillingProviderReceipt, Op: "decode receipt", Err: err}
	}
	log.Debugf("[Receipt] verifyReceipt %s answered status %d", url, out.Status)
	return &out, nil
}

func (p appStorePurchase) toPurchase() Purchase {
	out := Purchase{
		ProductID:             p.ProductID,
		TransactionID:         p.TransactionID,
		OriginalTransactionID: p.OriginalTransactionID,
		ExpiresAt:             parseMillis(p.ExpiresDateMS),
		CancelledAt:           parseMillis(p.CancellationDateMS),
	}
	if out.OriginalTransactionID == "" {
		out.OriginalTransactionID = p.TransactionID
	}
	if t := parseMillis(p.PurchaseDateMS); t != nil {
		out.PurchasedAt = *t
	}
	return out
}

func parseMillis(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

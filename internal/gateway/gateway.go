// Package gateway holds the VNPay and MoMo payment gateway clients: signed redirect
// URLs, callback signature checks and refund requests.
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"petcare-checkout/internal/models"
	"petcare-checkout/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrMissingSignature  = errors.New("callback signature missing")
	ErrSignatureMismatch = errors.New("callback signature mismatch")
	ErrNotConfigured     = errors.New("gateway not configured")
)

// Config is the merchant setup of one gateway
type Config struct {
	BaseURL      string
	MerchantCode string
	Secret       string
	ReturnURL    string
	RefundURL    string
	Timeout      time.Duration
}

// client is what VNPay and MoMo share: HMAC signing and the refund call
type client struct {
	name   string
	cfg    Config
	newMAC func() hash.Hash
	http   *http.Client
	logger *zap.Logger
}

func newClient(name string, cfg Config, newMAC func() hash.Hash) client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return client{
		name:   name,
		cfg:    cfg,
		newMAC: newMAC,
		http:   &http.Client{Timeout: timeout},
		logger: util.Component("gateway").With(zap.String("gateway", name)),
	}
}

func (c *client) sign(data string) string {
	mac := hmac.New(c.newMAC, []byte(c.cfg.Secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalCallback is the string a gateway signs for a callback: the fixed fields
// followed by every additional field except the signature, sorted by key. Keys and
// values are query-escaped so a value cannot smuggle in another field.
func canonicalCallback(p *models.CallbackPayload) string {
	keys := make([]string, 0, len(p.AdditionalData))
	for k := range p.AdditionalData {
		if k != models.CallbackKeySignature {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "method=%s&transaction_id=%s&status=%s&amount=%s",
		url.QueryEscape(string(p.Method)), url.QueryEscape(p.TransactionID),
		url.QueryEscape(p.Status), p.Amount.StringFixed(2))
	for _, k := range keys {
		fmt.Fprintf(&b, "&%s=%s", url.QueryEscape(k), url.QueryEscape(p.AdditionalData[k]))
	}
	return b.String()
}

// Sign returns the signature a genuine callback carries for p
func (c *client) Sign(p *models.CallbackPayload) string {
	return c.sign(canonicalCallback(p))
}

// VerifyCallback checks the payload signature in constant time
func (c *client) VerifyCallback(p *models.CallbackPayload) error {
	got := p.AdditionalData[models.CallbackKeySignature]
	if got == "" {
		return ErrMissingSignature
	}
	want := c.Sign(p)
	if !hmac.Equal([]byte(strings.ToLower(got)), []byte(want)) {
		return ErrSignatureMismatch
	}
	return nil
}

func rawData(p *models.CallbackPayload) json.RawMessage {
	data := make(map[string]string, len(p.AdditionalData))
	for k, v := range p.AdditionalData {
		if k != models.CallbackKeySignature {
			data[k] = v
		}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	return raw
}

type refundRequest struct {
	Merchant      string `json:"merchant"`
	Reference     string `json:"reference"`
	TransactionID string `json:"transaction_id"`
	Amount        string `json:"amount"`
	Reason        string `json:"reason"`
	RequestedAt   string `json:"requested_at"`
	Signature     string `json:"signature"`
}

// Refund posts a signed refund request. Acceptance is not completion; the gateway
// reports the outcome with a refunded callback.
func (c *client) Refund(ctx context.Context, payment *models.Payment, amount decimal.Decimal, reason string) error {
	if c.cfg.RefundURL == "" {
		return fmt.Errorf("%s refund endpoint: %w", c.name, ErrNotConfigured)
	}
	txID := ""
	if payment.TransactionID != nil {
		txID = *payment.TransactionID
	}

	body := refundRequest{
		Merchant:      c.cfg.MerchantCode,
		Reference:     payment.Reference,
		TransactionID: txID,
		Amount:        amount.StringFixed(2),
		Reason:        reason,
		RequestedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	body.Signature = c.sign(strings.Join([]string{
		body.Merchant, body.Reference, body.TransactionID, body.Amount, body.RequestedAt,
	}, "|"))

	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal refund request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RefundURL, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s refund rejected: unexpected status %d", c.name, resp.StatusCode)
	}

	c.logger.Info("Refund accepted",
		zap.String("reference", payment.Reference),
		zap.String("amount", body.Amount))
	return nil
}

package gateway

import (
	"crypto/sha512"
	"fmt"
	"net/url"
	"time"

	"petcare-checkout/internal/models"

	"github.com/shopspring/decimal"
)

// VNPay callback fields kept on the payment
const (
	VNPayResponseCode      = "vnp_ResponseCode"
	VNPayTransactionStatus = "vnp_TransactionStatus"
	VNPayBankCode          = "vnp_BankCode"
	VNPayPayDate           = "vnp_PayDate"
)

var vnpayLocation = time.FixedZone("ICT", 7*60*60)

// VNPay signs with HMAC-SHA512 and takes amounts in hundredths of a dong
type VNPay struct {
	client
}

// NewVNPay creates a VNPay client
func NewVNPay(cfg Config) *VNPay {
	return &VNPay{client: newClient(models.GatewayVNPay, cfg, sha512.New)}
}

// RedirectURL builds the signed VNPay payment URL
func (g *VNPay) RedirectURL(payment *models.Payment, order *models.Order) (string, error) {
	if g.cfg.BaseURL == "" || g.cfg.MerchantCode == "" {
		return "", ErrNotConfigured
	}

	params := url.Values{}
	params.Set("vnp_Version", "2.1.0")
	params.Set("vnp_Command", "pay")
	params.Set("vnp_TmnCode", g.cfg.MerchantCode)
	params.Set("vnp_Amount", payment.Amount.Mul(decimal.NewFromInt(100)).Round(0).String())
	params.Set("vnp_CurrCode", "VND")
	params.Set("vnp_TxnRef", payment.Reference)
	params.Set("vnp_OrderInfo", fmt.Sprintf("Payment for order %s", order.OrderNumber))
	params.Set("vnp_OrderType", "other")
	params.Set("vnp_Locale", "vn")
	params.Set("vnp_ReturnUrl", g.cfg.ReturnURL)
	params.Set("vnp_CreateDate", payment.CreatedAt.In(vnpayLocation).Format("20060102150405"))

	// Encode sorts by key, which is the order VNPay signs in.
	query := params.Encode()
	return fmt.Sprintf("%s?%s&vnp_SecureHash=%s", g.cfg.BaseURL, query, g.sign(query)), nil
}

// Response keeps the VNPay result fields of a callback
func (g *VNPay) Response(p *models.CallbackPayload) models.GatewayResponse {
	return models.GatewayResponse{
		Gateway: models.GatewayVNPay,
		VNPay: &models.VNPayResponse{
			ResponseCode:      p.AdditionalData[VNPayResponseCode],
			TransactionStatus: p.AdditionalData[VNPayTransactionStatus],
			BankCode:          p.AdditionalData[VNPayBankCode],
			PayDate:           p.AdditionalData[VNPayPayDate],
		},
		Raw: rawData(p),
	}
}

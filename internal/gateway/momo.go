package gateway

import (
	"crypto/sha256"
	"fmt"
	"net/url"

	"petcare-checkout/internal/models"
)

// MoMo callback fields kept on the payment
const (
	MoMoResultCode = "resultCode"
	MoMoMessage    = "message"
	MoMoPayType    = "payType"
)

// MoMo signs with HMAC-SHA256 over its raw key=value list
type MoMo struct {
	client
}

// NewMoMo creates a MoMo client
func NewMoMo(cfg Config) *MoMo {
	return &MoMo{client: newClient(models.GatewayMoMo, cfg, sha256.New)}
}

// RedirectURL builds the signed MoMo payment URL
func (g *MoMo) RedirectURL(payment *models.Payment, order *models.Order) (string, error) {
	if g.cfg.BaseURL == "" || g.cfg.MerchantCode == "" {
		return "", ErrNotConfigured
	}

	amount := payment.Amount.Round(0).String()
	info := fmt.Sprintf("Payment for order %s", order.OrderNumber)
	raw := fmt.Sprintf("amount=%s&orderId=%s&orderInfo=%s&partnerCode=%s&redirectUrl=%s&requestId=%s",
		amount, payment.Reference, info, g.cfg.MerchantCode, g.cfg.ReturnURL, payment.Reference)

	params := url.Values{}
	params.Set("partnerCode", g.cfg.MerchantCode)
	params.Set("orderId", payment.Reference)
	params.Set("requestId", payment.Reference)
	params.Set("amount", amount)
	params.Set("orderInfo", info)
	params.Set("redirectUrl", g.cfg.ReturnURL)
	params.Set("signature", g.sign(raw))
	return fmt.Sprintf("%s?%s", g.cfg.BaseURL, params.Encode()), nil
}

// Response keeps the MoMo result fields of a callback
func (g *MoMo) Response(p *models.CallbackPayload) models.GatewayResponse {
	return models.GatewayResponse{
		Gateway: models.GatewayMoMo,
		MoMo: &models.MoMoResponse{
			ResultCode: p.AdditionalData[MoMoResultCode],
			Message:    p.AdditionalData[MoMoMessage],
			PayType:    p.AdditionalData[MoMoPayType],
		},
		Raw: rawData(p),
	}
}

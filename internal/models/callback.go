package models

import "github.com/shopspring/decimal"

// CallbackPayload is an inbound gateway notification. Settlement relies on these
// fields only; everything gateway specific travels in AdditionalData.
type CallbackPayload struct {
	Method         PaymentMethod     `json:"method"`
	TransactionID  string            `json:"transaction_id"`
	Status         string            `json:"status"`
	Amount         decimal.Decimal   `json:"amount"`
	AdditionalData map[string]string `json:"additional_data"`
}

// Well-known AdditionalData keys
const (
	CallbackKeyPaymentRef  = "payment_ref"
	CallbackKeyOrderNumber = "order_number"
	CallbackKeySignature   = "signature"
	CallbackKeyReason      = "reason"
)

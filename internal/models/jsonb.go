package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Applicability restricts a voucher to product categories or services.
// Empty lists mean "everything".
type Applicability struct {
	ProductCategories []string `json:"product_categories,omitempty"`
	Services          []string `json:"services,omitempty"`
}

// Empty reports whether no restriction is configured.
func (a Applicability) Empty() bool {
	return len(a.ProductCategories) == 0 && len(a.Services) == 0
}

// Value implements driver.Valuer
func (a Applicability) Value() (driver.Value, error) {
	if a.Empty() {
		return nil, nil
	}
	return json.Marshal(a)
}

// Scan implements sql.Scanner
func (a *Applicability) Scan(src interface{}) error {
	*a = Applicability{}
	b, err := jsonBytes(src)
	if err != nil || b == nil {
		return err
	}
	if err := json.Unmarshal(b, a); err != nil {
		return fmt.Errorf("invalid applicability: %w", err)
	}
	return nil
}

// Gateway names used as the tag of a GatewayResponse.
const (
	GatewayVNPay = "vnpay"
	GatewayMoMo  = "momo"
)

// VNPayResponse holds the VNPay callback fields kept for reconciliation.
type VNPayResponse struct {
	ResponseCode      string `json:"response_code,omitempty"`
	TransactionStatus string `json:"transaction_status,omitempty"`
	BankCode          string `json:"bank_code,omitempty"`
	PayDate           string `json:"pay_date,omitempty"`
}

// MoMoResponse holds the MoMo callback fields kept for reconciliation.
type MoMoResponse struct {
	ResultCode string `json:"result_code,omitempty"`
	Message    string `json:"message,omitempty"`
	PayType    string `json:"pay_type,omitempty"`
}

// GatewayResponse is the last gateway payload applied to a payment, tagged by gateway.
// Fields the known shapes do not cover are kept verbatim in Raw.
type GatewayResponse struct {
	Gateway string          `json:"gateway,omitempty"`
	VNPay   *VNPayResponse  `json:"vnpay,omitempty"`
	MoMo    *MoMoResponse   `json:"momo,omitempty"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

// IsZero reports whether nothing was recorded.
func (g GatewayResponse) IsZero() bool {
	return g.Gateway == "" && g.VNPay == nil && g.MoMo == nil && len(g.Raw) == 0
}

// Value implements driver.Valuer
func (g GatewayResponse) Value() (driver.Value, error) {
	if g.IsZero() {
		return nil, nil
	}
	return json.Marshal(g)
}

// Scan implements sql.Scanner
func (g *GatewayResponse) Scan(src interface{}) error {
	*g = GatewayResponse{}
	b, err := jsonBytes(src)
	if err != nil || b == nil {
		return err
	}
	if err := json.Unmarshal(b, g); err != nil {
		return fmt.Errorf("invalid gateway response: %w", err)
	}
	return nil
}

func jsonBytes(src interface{}) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported jsonb source %T", src)
	}
}

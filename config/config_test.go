package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Business.ShippingFee().Equal(decimal.NewFromInt(30000)))
	assert.True(t, cfg.Business.FreeShippingThreshold().IsZero())
	assert.Equal(t, 10*time.Second, cfg.VNPay.Timeout)
	assert.False(t, cfg.MoMo.Enabled)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("SHIPPING_FEE", "15.5")
	t.Setenv("FREE_SHIPPING_THRESHOLD", "500")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("VNPAY_ENABLED", "true")
	t.Setenv("VNPAY_BASE_URL", "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html")
	t.Setenv("VNPAY_MERCHANT_CODE", "PETCARE")
	t.Setenv("VNPAY_SECRET", "secret")
	t.Setenv("VNPAY_TIMEOUT", "3s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.Business.ShippingFee().Equal(decimal.RequireFromString("15.50")))
	assert.True(t, cfg.Business.FreeShippingThreshold().Equal(decimal.NewFromInt(500)))
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.VNPay.Enabled)
	assert.Equal(t, "PETCARE", cfg.VNPay.MerchantCode)
	assert.Equal(t, 3*time.Second, cfg.VNPay.Timeout)
}

func TestLoad_InvalidMoney(t *testing.T) {
	t.Setenv("SHIPPING_FEE", "thirty")

	_, err := Load()
	assert.ErrorContains(t, err, "SHIPPING_FEE")
}

func TestLoad_NegativeMoney(t *testing.T) {
	t.Setenv("FREE_SHIPPING_THRESHOLD", "-1")

	_, err := Load()
	assert.ErrorContains(t, err, "must not be negative")
}

func TestLoad_GatewayWithoutSecret(t *testing.T) {
	t.Setenv("MOMO_ENABLED", "true")
	t.Setenv("MOMO_BASE_URL", "https://test-payment.momo.vn")

	_, err := Load()
	assert.ErrorContains(t, err, "MOMO")
}

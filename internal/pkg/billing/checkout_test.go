package billing

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/entitlements"
)

const testAccountID = "0b4a6f2e-9c1d-4a55-8f0e-2d3c4b5a6978"

func testIntentBuilder() *IntentBuilder {
	return &IntentBuilder{
		ECPay:    testECPayConfig(),
		PayPal:   PayPalConfig{YearlyLink: "https://www.paypal.com/ncp/payment/YEARLY"},
		AppURL:   "https://fit.example.com",
		Now:      func() time.Time { return time.Date(2025, time.January, 10, 4, 0, 0, 0, time.UTC) },
		Location: time.FixedZone("CST", 8*60*60),
	}
}

func TestECPayIntentFields(t *testing.T) {
	intent, err := testIntentBuilder().ECPayIntent(testAccountID, entitlements.PlanYearly)
	require.NoError(t, err)

	f := intent.Fields
	assert.Equal(t, ecpayStageCheckoutURL, intent.RedirectURL)
	assert.Equal(t, testAccountID+"-yearly", intent.CustomField)
	assert.Equal(t, intent.CustomField, f["CustomField1"])
	assert.Equal(t, "3002607", f["MerchantID"])
	assert.Equal(t, "1200", f["TotalAmount"])
	assert.Equal(t, "2025/01/10 12:00:00", f["MerchantTradeDate"])
	assert.Equal(t, "aio", f["PaymentType"])
	assert.Equal(t, "ALL", f["ChoosePayment"])
	assert.Equal(t, "1", f["EncryptType"])
	assert.Equal(t, "https://fit.example.com/api/webhooks/ecpay/return", f["ReturnURL"])
	assert.Equal(t, "https://fit.example.com/api/webhooks/ecpay/return", f["OrderResultURL"])
	assert.Equal(t, "https://fit.example.com/dashboard?payment=success", f["ClientBackURL"])
	assert.Contains(t, f["ItemName"], "年繳方案")

	assert.Equal(t, intent.OrderNo, f["MerchantTradeNo"])
	assert.Regexp(t, `^EC17364816000b4a[0-9A-Za-z]{4}$`, intent.OrderNo)

	again, err := testIntentBuilder().ECPayIntent(testAccountID, entitlements.PlanYearly)
	require.NoError(t, err)
	assert.NotEqual(t, intent.OrderNo, again.OrderNo, "intents in the same second need distinct trade numbers")

	assert.True(t, VerifyCheckMacValue(f, testHashKey, testHashIV))
}

func TestECPayIntentRejections(t *testing.T) {
	b := testIntentBuilder()

	_, err := b.ECPayIntent("", entitlements.PlanMonthly)
	assert.True(t, errors.Is(err, ErrUnauthorized))

	_, err = b.ECPayIntent(testAccountID, entitlements.Plan("weekly"))
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Contains(t, err.Error(), "Invalid plan")

	_, err = b.ECPayIntent(testAccountID+testAccountID, entitlements.PlanMonthly)
	assert.True(t, errors.Is(err, ErrValidation))

	b.ECPay = ECPayConfig{}
	_, err = b.ECPayIntent(testAccountID, entitlements.PlanMonthly)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))
	for _, name := range []string{"ECPAY_MERCHANT_ID", "ECPAY_HASH_KEY", "ECPAY_HASH_IV"} {
		assert.Contains(t, err.Error(), name)
	}
}

func TestPayPalIntent(t *testing.T) {
	b := testIntentBuilder()

	intent, err := b.PayPalIntent(testAccountID, entitlements.PlanYearly)
	require.NoError(t, err)
	assert.Equal(t, testAccountID+"-yearly", intent.CustomField)

	u, err := url.Parse(intent.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, "www.paypal.com", u.Host)
	assert.Equal(t, intent.CustomField, u.Query().Get("custom"))
	assert.Equal(t, intent.CustomField, u.Query().Get("item_number"))

	_, err = b.PayPalIntent(testAccountID, entitlements.PlanMonthly)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))

	_, err = b.PayPalIntent("", entitlements.PlanYearly)
	assert.True(t, errors.Is(err, ErrUnauthorized))
}

func TestMerchantTradeNo(t *testing.T) {
	now := time.Unix(1736481600, 0)

	no, err := MerchantTradeNo(testAccountID, now)
	require.NoError(t, err)
	assert.Len(t, no, 20)
	assert.Regexp(t, `^EC17364816000b4a[0-9A-Za-z]{4}$`, no)

	no, err = MerchantTradeNo("a-b", now)
	require.NoError(t, err)
	assert.Regexp(t, `^EC1736481600ab[0-9A-Za-z]{6}$`, no)

	no, err = MerchantTradeNo("", now)
	require.NoError(t, err)
	assert.Regexp(t, `^EC1736481600[0-9A-Za-z]{8}$`, no)
}

func TestMerchantTradeNoUniqueWithinOneSecond(t *testing.T) {
	now := time.Unix(1736481600, 0)
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		no, err := MerchantTradeNo(testAccountID, now)
		require.NoError(t, err)
		require.False(t, seen[no], "duplicate trade number %s", no)
		seen[no] = true
	}
}

package controllers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/template/html/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/yuhaojen771/fitness-tracker/app/models"
	"github.com/yuhaojen771/fitness-tracker/app/repository"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/billing"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/entitlements"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/idempotency"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/testutil"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/usercontext"
)

const (
	testAccountID = "0b4a6f2e-9c1d-4a55-8f0e-2d3c4b5a6978"
	testHashKey   = "pwFHCqoQZGmho4w6"
	testHashIV    = "EkRm7iFT261dpevs"
	testAppURL    = "https://fit.example.com"
)

type billingFixture struct {
	app   *fiber.App
	db    *gorm.DB
	clock *testutil.FixedClock
	guard idempotency.Guard
	ipn   *httptest.Server
}

// newBillingFixture builds an app whose PayPal verifier answers with reply.
// A non-empty accountID is injected as the logged-in caller.
func newBillingFixture(t *testing.T, accountID, reply string) *billingFixture {
	t.Helper()

	ipn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(ipn.Close)

	db := testutil.NewTestDB(t)
	clock := &testutil.FixedClock{T: time.Date(2025, time.January, 10, 4, 0, 0, 0, time.UTC)}
	guard := idempotency.NewDBGuard(db, idempotency.WithClock(clock.Now))
	svc := billing.NewServiceFromDB(db, guard, billing.WithClock(clock.Now), billing.WithLocation(time.UTC))

	ecpayCfg := billing.ECPayConfig{MerchantID: "3002607", HashKey: testHashKey, HashIV: testHashIV, TestMode: true}
	paypalCfg := billing.PayPalConfig{
		Mode:        billing.PayPalModeSandbox,
		IPNURL:      ipn.URL,
		IPNTimeout:  2 * time.Second,
		MonthlyLink: "https://www.paypal.com/ncp/payment/MONTHLY",
	}
	intents := &billing.IntentBuilder{
		ECPay:    ecpayCfg,
		PayPal:   paypalCfg,
		AppURL:   testAppURL,
		Now:      clock.Now,
		Location: time.UTC,
	}

	bc := NewBillingController(
		svc,
		billing.NewECPay(ecpayCfg),
		billing.NewPayPal(paypalCfg),
		intents,
		repository.NewProfileRepository(db),
		testAppURL+"/",
		true,
	)

	app := fiber.New(fiber.Config{Views: html.New("../../views", ".html")})
	app.Use(func(c *fiber.Ctx) error {
		if accountID != "" {
			usercontext.SetUserContext(c, usercontext.UserContext{AccountID: accountID, Email: "a@example.com", IsLoggedIn: true})
		}
		return c.Next()
	})
	app.Post("/api/webhooks/ecpay/return", bc.HandleECPayNotification)
	app.Get("/api/webhooks/ecpay/return", bc.HandleECPayReturnRedirect)
	app.Post("/api/webhooks/paypal", bc.HandlePayPalNotification)
	app.Get("/api/webhooks/paypal", bc.HandlePayPalProbe)
	app.Post("/api/ecpay/create-payment", bc.HandleCreateECPayPayment)
	app.Get("/api/ecpay/checkout", bc.HandleECPayCheckoutPage)
	app.Post("/api/paypal/create-payment", bc.HandleCreatePayPalPayment)
	app.Get("/api/subscription", bc.HandleGetSubscription)
	app.Post("/api/subscription/cancel", bc.HandleCancelSubscription)
	app.Post("/api/subscription/reset", bc.HandleResetSubscription)

	return &billingFixture{app: app, db: db, clock: clock, guard: guard, ipn: ipn}
}

func (f *billingFixture) do(t *testing.T, method, target, contentType, body string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(raw)
}

func (f *billingFixture) profile(t *testing.T) models.Profile {
	t.Helper()
	var p models.Profile
	require.NoError(t, f.db.Where("id = ?", testAccountID).First(&p).Error)
	return p
}

func signedECPayForm(fields map[string]string) string {
	fields["CheckMacValue"] = billing.CheckMacValue(fields, testHashKey, testHashIV)
	values := url.Values{}
	for k, v := range fields {
		values.Set(k, v)
	}
	return values.Encode()
}

func ecpayForm(txID, rtnCode string) map[string]string {
	return map[string]string{
		"MerchantID":      "3002607",
		"MerchantTradeNo": txID,
		"RtnCode":         rtnCode,
		"RtnMsg":          "Succeeded",
		"TradeAmt":        "1200",
		"CustomField1":    billing.EncodeCustomField(testAccountID, entitlements.PlanYearly),
	}
}

func decodeJSON(t *testing.T, body string) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	return out
}

func TestECPayNotificationGrantsPremiumAndAcks(t *testing.T) {
	f := newBillingFixture(t, "", "VERIFIED")

	resp, body := f.do(t, fiber.MethodPost, "/api/webhooks/ecpay/return", fiber.MIMEApplicationForm, signedECPayForm(ecpayForm("EC1", "1")))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "1|OK", body)
	assert.Contains(t, resp.Header.Get(fiber.HeaderContentType), "text/plain")

	p := f.profile(t)
	assert.True(t, p.IsPremium)
	assert.Equal(t, "2026-01-10", entitlements.FormatDate(p.SubscriptionEndDate))

	// Redelivery is acknowledged without extending again.
	resp, body = f.do(t, fiber.MethodPost, "/api/webhooks/ecpay/return", fiber.MIMEApplicationForm, signedECPayForm(ecpayForm("EC1", "1")))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "1|OK", body)
	assert.Equal(t, "2026-01-10", entitlements.FormatDate(f.profile(t).SubscriptionEndDate))
}

func TestECPayRedeliveryDuringOpenClaimIsNotAcknowledged(t *testing.T) {
	f := newBillingFixture(t, "", "VERIFIED")
	state, err := f.guard.Claim(context.Background(), idempotency.Key(models.BillingProviderECPay, "EC1"))
	require.NoError(t, err)
	require.Equal(t, idempotency.StateClaimed, state)

	resp, body := f.do(t, fiber.MethodPost, "/api/webhooks/ecpay/return", fiber.MIMEApplicationForm, signedECPayForm(ecpayForm("EC1", "1")))
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	assert.NotEqual(t, "1|OK", body)
	assert.Equal(t, "Notification is being processed", decodeJSON(t, body)["error"])

	f.clock.Advance(idempotency.DefaultLease)
	resp, body = f.do(t, fiber.MethodPost, "/api/webhooks/ecpay/return", fiber.MIMEApplicationForm, signedECPayForm(ecpayForm("EC1", "1")))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "1|OK", body)
	assert.Equal(t, "2026-01-10", entitlements.FormatDate(f.profile(t).SubscriptionEndDate))
}

func TestECPayNotificationRejectsBadSignature(t *testing.T) {
	f := newBillingFixture(t, "", "VERIFIED")

	fields := ecpayForm("EC1", "1")
	form := signedECPayForm(fields)
	form = strings.Replace(form, "TradeAmt=1200", "TradeAmt=1", 1)

	resp, body := f.do(t, fiber.MethodPost, "/api/webhooks/ecpay/return", fiber.MIMEApplicationForm, form)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, decodeJSON(t, body)["error"])

	var count int64
	require.NoError(t, f.db.Model(&models.Profile{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestECPayNotificationMissingTradeNo(t *testing.T) {
	f := newBillingFixture(t, "", "VERIFIED")

	fields := ecpayForm("", "1")
	delete(fields, "MerchantTradeNo")
	resp, _ := f.do(t, fiber.MethodPost, "/api/webhooks/ecpay/return", fiber.MIMEApplicationForm, signedECPayForm(fields))
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestECPayFailedPaymentIsAcknowledged(t *testing.T) {
	f := newBillingFixture(t, "", "VERIFIED")

	resp, body := f.do(t, fiber.MethodPost, "/api/webhooks/ecpay/return", fiber.MIMEApplicationForm, signedECPayForm(ecpayForm("EC2", "10100058")))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "1|OK", body)

	var count int64
	require.NoError(t, f.db.Model(&models.Profile{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestECPayReturnRedirect(t *testing.T) {
	f := newBillingFixture(t, "", "VERIFIED")

	resp, _ := f.do(t, fiber.MethodGet, "/api/webhooks/ecpay/return?payment=success", "", "")
	assert.Equal(t, fiber.StatusFound, resp.StatusCode)
	assert.Equal(t, testAppURL+"/dashboard?payment=success", resp.Header.Get(fiber.HeaderLocation))

	resp, _ = f.do(t, fiber.MethodGet, "/api/webhooks/ecpay/return", "", "")
	assert.Equal(t, testAppURL+"/dashboard", resp.Header.Get(fiber.HeaderLocation))
}

func paypalForm(txnID, txnType string) string {
	values := url.Values{}
	values.Set("txn_id", txnID)
	values.Set("txn_type", txnType)
	values.Set("payment_status", "Completed")
	values.Set("item_name", "Premium Monthly")
	values.Set("custom", billing.EncodeCustomField(testAccountID, entitlements.PlanMonthly))
	return values.Encode()
}

func TestPayPalNotificationVerified(t *testing.T) {
	f := newBillingFixture(t, "", "VERIFIED")

	resp, body := f.do(t, fiber.MethodPost, "/api/webhooks/paypal", fiber.MIMEApplicationForm, paypalForm("PP1", "web_accept"))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"received":true}`, body)
	assert.Equal(t, "2025-02-10", entitlements.FormatDate(f.profile(t).SubscriptionEndDate))
}

func TestPayPalNotificationInvalid(t *testing.T) {
	f := newBillingFixture(t, "", "INVALID")

	resp, _ := f.do(t, fiber.MethodPost, "/api/webhooks/paypal", fiber.MIMEApplicationForm, paypalForm("PP1", "web_accept"))
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	var count int64
	require.NoError(t, f.db.Model(&models.Profile{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestPayPalProbe(t *testing.T) {
	f := newBillingFixture(t, "", "VERIFIED")

	resp, body := f.do(t, fiber.MethodGet, "/api/webhooks/paypal", "", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	out := decodeJSON(t, body)
	assert.Equal(t, "PayPal IPN endpoint is active", out["message"])
	assert.NotEmpty(t, out["timestamp"])
}

func TestCreateECPayPayment(t *testing.T) {
	f := newBillingFixture(t, testAccountID, "VERIFIED")

	resp, body := f.do(t, fiber.MethodPost, "/api/ecpay/create-payment", fiber.MIMEApplicationJSON, `{"plan":"yearly"}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode, body)

	out := decodeJSON(t, body)
	assert.Equal(t, billing.ECPayConfig{TestMode: true}.CheckoutURL(), out["paymentUrl"])
	assert.Regexp(t, `^EC17364816000b4a[0-9A-Za-z]{4}$`, out["orderNo"])
	assert.Equal(t, testAccountID+"-yearly", out["customField"])

	orderData, ok := out["orderData"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "1200", orderData["TotalAmount"])
	assert.Equal(t, testAppURL+"/api/webhooks/ecpay/return", orderData["ReturnURL"])

	fields := make(map[string]string, len(orderData))
	for k, v := range orderData {
		fields[k] = fmt.Sprint(v)
	}
	assert.True(t, billing.VerifyCheckMacValue(fields, testHashKey, testHashIV))
}

func TestCreatePaymentRequestErrors(t *testing.T) {
	f := newBillingFixture(t, testAccountID, "VERIFIED")

	resp, body := f.do(t, fiber.MethodPost, "/api/ecpay/create-payment", fiber.MIMEApplicationJSON, `{"plan":"weekly"}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid plan", decodeJSON(t, body)["error"])

	resp, body = f.do(t, fiber.MethodPost, "/api/paypal/create-payment", fiber.MIMEApplicationJSON, `{"plan":`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid request body", decodeJSON(t, body)["error"])
}

func TestCreatePaymentRequiresLogin(t *testing.T) {
	f := newBillingFixture(t, "", "VERIFIED")

	resp, body := f.do(t, fiber.MethodPost, "/api/ecpay/create-payment", fiber.MIMEApplicationJSON, `{"plan":"monthly"}`)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Unauthorized", decodeJSON(t, body)["error"])
}

func TestCreatePayPalPayment(t *testing.T) {
	f := newBillingFixture(t, testAccountID, "VERIFIED")

	resp, body := f.do(t, fiber.MethodPost, "/api/paypal/create-payment", fiber.MIMEApplicationJSON, `{"plan":"monthly"}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode, body)
	out := decodeJSON(t, body)
	assert.Equal(t, testAccountID+"-monthly", out["customField"])

	u, err := url.Parse(out["url"].(string))
	require.NoError(t, err)
	assert.Equal(t, "www.paypal.com", u.Host)
	assert.Equal(t, testAccountID+"-monthly", u.Query().Get("custom"))

	// No yearly, live or test link is configured.
	resp, body = f.do(t, fiber.MethodPost, "/api/paypal/create-payment", fiber.MIMEApplicationJSON, `{"plan":"yearly"}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "payment link not configured", decodeJSON(t, body)["error"])
}

func TestECPayCheckoutPageRendersForm(t *testing.T) {
	f := newBillingFixture(t, testAccountID, "VERIFIED")

	resp, body := f.do(t, fiber.MethodGet, "/api/ecpay/checkout?plan=monthly", "", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode, body)
	assert.Contains(t, body, `action="https://payment-stage.ecpay.com.tw/Cashier/AioCheckOut/V5"`)
	assert.Contains(t, body, `name="CheckMacValue"`)
	assert.Contains(t, body, testAccountID+"-monthly")

	resp, _ = f.do(t, fiber.MethodGet, "/api/ecpay/checkout?plan=daily", "", "")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestBillingErrorStatus(t *testing.T) {
	cfgErr := fmt.Errorf("%w: ECPAY_HASH_KEY is not set", billing.ErrConfiguration)
	assert.Equal(t, fiber.StatusInternalServerError, billingErrorStatus(cfgErr, true))
	assert.Equal(t, fiber.StatusBadRequest, billingErrorStatus(cfgErr, false))
	assert.Equal(t, fiber.StatusUnauthorized, billingErrorStatus(billing.ErrUnauthorized, false))
	assert.Equal(t, fiber.StatusBadRequest, billingErrorStatus(fmt.Errorf("%w: bad", billing.ErrIntegrity), true))
	assert.Equal(t, fiber.StatusInternalServerError, billingErrorStatus(fmt.Errorf("%w: db", billing.ErrPersistence), true))
	assert.Equal(t, fiber.StatusConflict, billingErrorStatus(fmt.Errorf("%w: ecpay EC1", billing.ErrInFlight), true))

	assert.Equal(t, "ECPAY_HASH_KEY is not set", billingErrorMessage(cfgErr))
}

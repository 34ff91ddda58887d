package billing

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/yuhaojen771/fitness-tracker/app/models"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/entitlements"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/env"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/metrics"
)

const (
	ecpayTradeDateLayout   = "2006/01/02 15:04:05"
	maxMerchantTradeNoSize = 20
	tradeNoIDChars         = 4
	base62Alphabet         = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	ecpayReturnPath        = "/api/webhooks/ecpay/return"
)

// CheckoutIntent is what the client needs to start a payment: a URL to
// redirect to, plus form fields when the provider expects a POST.
type CheckoutIntent struct {
	Provider    string
	RedirectURL string
	Fields      map[string]string
	OrderNo     string
	CustomField string
}

// IntentBuilder prepares outbound checkout requests for an account.
type IntentBuilder struct {
	ECPay    ECPayConfig
	PayPal   PayPalConfig
	AppURL   string
	Now      func() time.Time
	Location *time.Location
}

// NewIntentBuilderFromEnv wires provider configuration from the environment.
func NewIntentBuilderFromEnv() *IntentBuilder {
	return &IntentBuilder{
		ECPay:    NewECPayConfigFromEnv(),
		PayPal:   NewPayPalConfigFromEnv(),
		AppURL:   env.AppURL(),
		Now:      time.Now,
		Location: env.Location(),
	}
}

func (b *IntentBuilder) now() time.Time {
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	loc := b.Location
	if loc == nil {
		loc = time.UTC
	}
	return now().In(loc)
}

func checkIntentInput(accountID string, plan entitlements.Plan) error {
	if strings.TrimSpace(accountID) == "" {
		return ErrUnauthorized
	}
	if !plan.Valid() {
		return fmt.Errorf("%w: Invalid plan", ErrValidation)
	}
	return nil
}

// ECPayIntent builds the signed all-in-one order form.
func (b *IntentBuilder) ECPayIntent(accountID string, plan entitlements.Plan) (*CheckoutIntent, error) {
	if err := checkIntentInput(accountID, plan); err != nil {
		return nil, err
	}
	if err := b.ECPay.Validate(); err != nil {
		return nil, err
	}

	customField := EncodeCustomField(accountID, plan)
	if len(customField) > MaxCustomFieldLength {
		return nil, fmt.Errorf("%w: account id too long for CustomField1", ErrValidation)
	}

	now := b.now()
	orderNo, err := MerchantTradeNo(accountID, now)
	if err != nil {
		return nil, err
	}
	returnURL := b.AppURL + ecpayReturnPath

	fields := map[string]string{
		"MerchantID":        b.ECPay.MerchantID,
		"MerchantTradeNo":   orderNo,
		"MerchantTradeDate": now.Format(ecpayTradeDateLayout),
		"PaymentType":       "aio",
		"TotalAmount":       strconv.Itoa(plan.Price()),
		"TradeDesc":         "Premium 訂閱 - " + plan.DisplayName(),
		"ItemName":          "健康追蹤 App Premium 會員 - " + plan.DisplayName(),
		"ReturnURL":         returnURL,
		"OrderResultURL":    returnURL,
		"ClientBackURL":     b.AppURL + "/dashboard?payment=success",
		"ChoosePayment":     "ALL",
		"CustomField1":      customField,
		"EncryptType":       "1",
	}
	fields[checkMacValueField] = CheckMacValue(fields, b.ECPay.HashKey, b.ECPay.HashIV)

	metrics.CheckoutIntentsTotal.WithLabelValues(models.BillingProviderECPay, string(plan)).Inc()
	return &CheckoutIntent{
		Provider:    models.BillingProviderECPay,
		RedirectURL: b.ECPay.CheckoutURL(),
		Fields:      fields,
		OrderNo:     orderNo,
		CustomField: customField,
	}, nil
}

// PayPalIntent builds the redirect URL to a configured PayPal button.
func (b *IntentBuilder) PayPalIntent(accountID string, plan entitlements.Plan) (*CheckoutIntent, error) {
	if err := checkIntentInput(accountID, plan); err != nil {
		return nil, err
	}

	base, err := b.PayPal.CheckoutLink(plan)
	if err != nil {
		return nil, err
	}
	customField := EncodeCustomField(accountID, plan)
	target, err := CheckoutURL(base, customField)
	if err != nil {
		return nil, err
	}

	metrics.CheckoutIntentsTotal.WithLabelValues(models.BillingProviderPayPal, string(plan)).Inc()
	return &CheckoutIntent{
		Provider:    models.BillingProviderPayPal,
		RedirectURL: target,
		CustomField: customField,
	}, nil
}

// MerchantTradeNo is "EC", the unix time, up to four alphanumerics of the
// account id and a random base62 tail filling ECPay's 20 characters.
func MerchantTradeNo(accountID string, now time.Time) (string, error) {
	var no strings.Builder
	no.WriteString("EC")
	no.WriteString(strconv.FormatInt(now.Unix(), 10))
	idChars := 0
	for _, r := range accountID {
		if idChars == tradeNoIDChars {
			break
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			no.WriteRune(r)
			idChars++
		}
	}

	tail, err := randomBase62(maxMerchantTradeNoSize - no.Len())
	if err != nil {
		return "", err
	}
	no.WriteString(tail)
	return no.String(), nil
}

func randomBase62(length int) (string, error) {
	if length <= 0 {
		return "", nil
	}
	// 248 is the largest multiple of 62 below 256.
	const maxRandomByte = 248

	out := make([]byte, length)
	buf := make([]byte, length*2)
	written := 0
	for written < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read secure random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= maxRandomByte {
				continue
			}
			out[written] = base62Alphabet[int(b)%len(base62Alphabet)]
			written++
			if written == length {
				break
			}
		}
	}
	return string(out), nil
}

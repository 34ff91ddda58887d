package billing

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/yuhaojen771/fitness-tracker/app/models"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/env"
)

const (
	ecpayStageCheckoutURL      = "https://payment-stage.ecpay.com.tw/Cashier/AioCheckOut/V5"
	ecpayProductionCheckoutURL = "https://payment.ecpay.com.tw/Cashier/AioCheckOut/V5"

	checkMacValueField = "CheckMacValue"
)

// ECPayConfig holds merchant credentials for the all-in-one checkout.
type ECPayConfig struct {
	MerchantID string
	HashKey    string
	HashIV     string
	TestMode   bool
}

// NewECPayConfigFromEnv reads ECPAY_* variables. Test mode is on unless
// ECPAY_TEST_MODE is explicitly false.
func NewECPayConfigFromEnv() ECPayConfig {
	return ECPayConfig{
		MerchantID: strings.TrimSpace(env.GetEnv("ECPAY_MERCHANT_ID", "")),
		HashKey:    strings.TrimSpace(env.GetEnv("ECPAY_HASH_KEY", "")),
		HashIV:     strings.TrimSpace(env.GetEnv("ECPAY_HASH_IV", "")),
		TestMode:   env.GetEnvBool("ECPAY_TEST_MODE", true),
	}
}

// CheckoutURL is the form action for the configured environment.
func (c ECPayConfig) CheckoutURL() string {
	if c.TestMode {
		return ecpayStageCheckoutURL
	}
	return ecpayProductionCheckoutURL
}

// Validate reports every variable needed to build an order that is missing.
func (c ECPayConfig) Validate() error {
	var result *multierror.Error
	if c.MerchantID == "" {
		result = multierror.Append(result, errors.New("ECPAY_MERCHANT_ID is not configured"))
	}
	if merr := c.validateSigning(); merr != nil {
		result = multierror.Append(result, merr)
	}
	return configError(result)
}

func (c ECPayConfig) validateSigning() *multierror.Error {
	var result *multierror.Error
	if c.HashKey == "" {
		result = multierror.Append(result, errors.New("ECPAY_HASH_KEY is not configured"))
	}
	if c.HashIV == "" {
		result = multierror.Append(result, errors.New("ECPAY_HASH_IV is not configured"))
	}
	return result
}

// CheckMacValue computes ECPay's integrity value over fields. Any existing
// CheckMacValue entry is ignored, so the same function signs outbound orders
// and verifies inbound notifications.
func CheckMacValue(fields map[string]string, hashKey, hashIV string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == checkMacValueField {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("HashKey=")
	b.WriteString(hashKey)
	for _, k := range keys {
		b.WriteByte('&')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	b.WriteString("&HashIV=")
	b.WriteString(hashIV)

	sum := sha256.Sum256([]byte(b.String()))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// VerifyCheckMacValue recomputes the value and compares it to the received
// one in constant time.
func VerifyCheckMacValue(fields map[string]string, hashKey, hashIV string) bool {
	received := strings.ToUpper(strings.TrimSpace(fields[checkMacValueField]))
	if received == "" {
		return false
	}
	expected := CheckMacValue(fields, hashKey, hashIV)
	return subtle.ConstantTimeCompare([]byte(received), []byte(expected)) == 1
}

// ECPay is the check-value provider.
type ECPay struct {
	cfg ECPayConfig
}

func NewECPay(cfg ECPayConfig) *ECPay {
	return &ECPay{cfg: cfg}
}

func (p *ECPay) Name() string { return models.BillingProviderECPay }

func (p *ECPay) TransactionID(n *Notification) (string, error) {
	id := n.Get("MerchantTradeNo")
	if id == "" {
		return "", fmt.Errorf("%w: MerchantTradeNo is missing", ErrValidation)
	}
	return id, nil
}

func (p *ECPay) Verify(_ context.Context, n *Notification) error {
	if merr := p.cfg.validateSigning(); merr != nil {
		return configError(merr)
	}
	if !VerifyCheckMacValue(n.Map(), p.cfg.HashKey, p.cfg.HashIV) {
		return fmt.Errorf("%w: CheckMacValue mismatch", ErrIntegrity)
	}
	return nil
}

// Classify treats RtnCode 1 as a completed payment. The custom field is
// required on every notification, including failed payments.
func (p *ECPay) Classify(n *Notification) (Event, error) {
	accountID, plan, err := DecodeCustomField(n.Get("CustomField1"))
	if err != nil {
		return Event{}, err
	}

	if code := n.Get("RtnCode"); code != "1" {
		return Event{
			Kind:      EventIgnored,
			AccountID: accountID,
			Plan:      plan,
			Reason:    fmt.Sprintf("RtnCode=%s RtnMsg=%s", code, n.Get("RtnMsg")),
		}, nil
	}
	return Event{Kind: EventPayment, AccountID: accountID, Plan: plan}, nil
}

func (p *ECPay) Ack() Ack {
	return Ack{Status: http.StatusOK, ContentType: "text/plain; charset=utf-8", Body: "1|OK"}
}

func (p *ECPay) sealed() {}

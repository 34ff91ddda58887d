package billing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/yuhaojen771/fitness-tracker/app/models"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/entitlements"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/env"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/metrics"
)

const (
	paypalLiveIPNURL    = "https://ipnpb.paypal.com/cgi-bin/webscr"
	paypalSandboxIPNURL = "https://ipnpb.sandbox.paypal.com/cgi-bin/webscr"

	PayPalModeLive    = "live"
	PayPalModeSandbox = "sandbox"

	defaultIPNTimeout = 10 * time.Second
	ipnVerified       = "VERIFIED"
)

// PayPalConfig holds checkout links and the IPN validation endpoint.
type PayPalConfig struct {
	Mode       string
	IPNURL     string
	IPNTimeout time.Duration

	MonthlyLink string
	YearlyLink  string
	LiveURL     string
	TestURL     string
}

// NewPayPalConfigFromEnv reads PAYPAL_* variables. Without PAYPAL_MODE the
// sandbox is used in dev and the live endpoint everywhere else.
func NewPayPalConfigFromEnv() PayPalConfig {
	mode := PayPalModeLive
	if env.IsDev() {
		mode = PayPalModeSandbox
	}
	return PayPalConfig{
		Mode:        strings.ToLower(strings.TrimSpace(env.GetEnv("PAYPAL_MODE", mode))),
		IPNURL:      strings.TrimSpace(env.GetEnv("PAYPAL_IPN_URL", "")),
		IPNTimeout:  env.GetEnvDuration("PAYPAL_IPN_TIMEOUT", defaultIPNTimeout),
		MonthlyLink: env.GetEnv("PAYPAL_MONTHLY_LINK", ""),
		YearlyLink:  env.GetEnv("PAYPAL_YEARLY_LINK", ""),
		LiveURL:     env.GetEnv("PAYPAL_LIVE_URL", ""),
		TestURL:     env.GetEnv("PAYPAL_TEST_URL", ""),
	}
}

// VerifyURL is where IPN messages are posted back for validation.
func (c PayPalConfig) VerifyURL() string {
	if c.IPNURL != "" {
		return c.IPNURL
	}
	if c.Mode == PayPalModeLive {
		return paypalLiveIPNURL
	}
	return paypalSandboxIPNURL
}

// CheckoutLink picks the first configured link: the plan's own link, then
// the unified live link, then the test link. "#" counts as unset.
func (c PayPalConfig) CheckoutLink(plan entitlements.Plan) (string, error) {
	planLink := c.YearlyLink
	if plan == entitlements.PlanMonthly {
		planLink = c.MonthlyLink
	}
	for _, candidate := range []string{planLink, c.LiveURL, c.TestURL} {
		link := strings.TrimSpace(candidate)
		if link != "" && link != "#" {
			return link, nil
		}
	}
	return "", fmt.Errorf("%w: payment link not configured", ErrConfiguration)
}

// PayPal is the remote-validation provider.
type PayPal struct {
	cfg    PayPalConfig
	client *resty.Client
}

func NewPayPal(cfg PayPalConfig) *PayPal {
	timeout := cfg.IPNTimeout
	if timeout <= 0 {
		timeout = defaultIPNTimeout
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", "fitness-tracker-ipn/1.0")
	return &PayPal{cfg: cfg, client: client}
}

func (p *PayPal) Name() string { return models.BillingProviderPayPal }

// TransactionID prefers txn_id, then ipn_track_id, then a digest of the body.
func (p *PayPal) TransactionID(n *Notification) (string, error) {
	if id := n.Get("txn_id"); id != "" {
		return id, nil
	}
	if id := n.Get("ipn_track_id"); id != "" {
		return id, nil
	}
	return n.bodyHash(), nil
}

// Verify posts the untouched body back to PayPal prefixed with
// cmd=_notify-validate. Only the exact reply VERIFIED passes.
func (p *PayPal) Verify(ctx context.Context, n *Notification) error {
	body := "cmd=_notify-validate"
	if len(n.Raw) > 0 {
		body += "&" + string(n.Raw)
	}

	start := time.Now()
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(body).
		Post(p.cfg.VerifyURL())
	metrics.IPNValidationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("%w: ipn validation request failed: %v", ErrIntegrity, err)
	}
	if resp.StatusCode() < http.StatusOK || resp.StatusCode() >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: ipn validation returned status %d", ErrIntegrity, resp.StatusCode())
	}
	if reply := resp.String(); reply != ipnVerified {
		return fmt.Errorf("%w: ipn validation replied %q", ErrIntegrity, truncate(reply, 32))
	}
	return nil
}

// Classify maps payment_status and txn_type onto an event.
func (p *PayPal) Classify(n *Notification) (Event, error) {
	status := n.Get("payment_status")
	txnType := n.Get("txn_type")

	switch {
	case status == "Completed" && (txnType == "web_accept" || txnType == "subscr_payment"):
		accountID, plan := decodeCustomFieldLenient(customOrItemNumber(n))
		if accountID == "" {
			return Event{}, fmt.Errorf("%w: custom field is missing", ErrValidation)
		}
		if plan == "" {
			plan = entitlements.NormalizePlanHint(n.Get("item_name"))
			log.Warnf("[Billing] PayPal notification without plan suffix, inferred %s from item name", plan)
		}
		return Event{Kind: EventPayment, AccountID: accountID, Plan: plan}, nil

	case txnType == "subscr_cancel" || txnType == "subscr_eot":
		accountID, _ := decodeCustomFieldLenient(customOrItemNumber(n))
		if accountID == "" {
			return Event{Kind: EventIgnored, Reason: txnType + " without custom field"}, nil
		}
		return Event{Kind: EventCancellation, AccountID: accountID}, nil

	default:
		return Event{Kind: EventIgnored, Reason: fmt.Sprintf("payment_status=%s txn_type=%s", status, txnType)}, nil
	}
}

// customOrItemNumber reads the account field. Some buttons only carry it in
// item_number.
func customOrItemNumber(n *Notification) string {
	if raw := n.Get("custom"); raw != "" {
		return raw
	}
	return n.Get("item_number")
}

func (p *PayPal) Ack() Ack {
	return Ack{Status: http.StatusOK, ContentType: "application/json", Body: `{"received":true}`}
}

func (p *PayPal) sealed() {}

// CheckoutURL appends the custom field to base as both custom and
// item_number, covering the different PayPal button conventions.
func CheckoutURL(base, customField string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: invalid payment link: %v", ErrConfiguration, err)
	}
	q := u.Query()
	q.Set("custom", customField)
	q.Set("item_number", customField)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

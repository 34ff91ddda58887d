package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/yuhaojen771/fitness-tracker/app/repository"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/billing"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/entitlements"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/usercontext"
)

const webhookTimeout = 15 * time.Second

// BillingController serves provider callbacks, checkout intents and the
// caller's own subscription state.
type BillingController struct {
	Service  *billing.Service
	ECPay    *billing.ECPay
	PayPal   *billing.PayPal
	Intents  *billing.IntentBuilder
	Profiles repository.ProfileRepository
	AppURL   string
	DevMode  bool

	validate *validator.Validate
}

func NewBillingController(
	svc *billing.Service,
	ecpay *billing.ECPay,
	paypal *billing.PayPal,
	intents *billing.IntentBuilder,
	profiles repository.ProfileRepository,
	appURL string,
	devMode bool,
) *BillingController {
	return &BillingController{
		Service:  svc,
		ECPay:    ecpay,
		PayPal:   paypal,
		Intents:  intents,
		Profiles: profiles,
		AppURL:   strings.TrimRight(appURL, "/"),
		DevMode:  devMode,
		validate: validator.New(),
	}
}

type createPaymentRequest struct {
	Plan string `json:"plan" validate:"required,oneof=monthly yearly"`
}

// HandleECPayNotification receives ECPay's server-to-server ReturnURL call
// and the browser-side OrderResultURL post.
func (bc *BillingController) HandleECPayNotification(c *fiber.Ctx) error {
	return bc.handleNotification(c, bc.ECPay)
}

// HandleECPayReturnRedirect sends a returning shopper to the dashboard.
func (bc *BillingController) HandleECPayReturnRedirect(c *fiber.Ctx) error {
	target := bc.AppURL + "/dashboard"
	if c.Query("payment") == "success" {
		target += "?payment=success"
	}
	return c.Redirect(target, fiber.StatusFound)
}

// HandlePayPalNotification receives PayPal IPN messages.
func (bc *BillingController) HandlePayPalNotification(c *fiber.Ctx) error {
	return bc.handleNotification(c, bc.PayPal)
}

// HandlePayPalProbe lets operators check that the IPN endpoint is routed.
func (bc *BillingController) HandlePayPalProbe(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"message":   "PayPal IPN endpoint is active",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (bc *BillingController) handleNotification(c *fiber.Ctx, p billing.Provider) error {
	n, err := billing.ParseNotification(c.Body())
	if err != nil {
		log.Warnf("[Billing] Unparseable %s notification: %v", p.Name(), err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": billingErrorMessage(err)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	if _, err := bc.Service.HandleNotification(ctx, p, n); err != nil {
		return c.Status(billingErrorStatus(err, true)).JSON(fiber.Map{"error": billingErrorMessage(err)})
	}

	ack := p.Ack()
	c.Set(fiber.HeaderContentType, ack.ContentType)
	return c.Status(ack.Status).SendString(ack.Body)
}

// HandleCreateECPayPayment returns the signed ECPay form for the caller.
func (bc *BillingController) HandleCreateECPayPayment(c *fiber.Ctx) error {
	plan, err := bc.parsePlanBody(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	intent, err := bc.Intents.ECPayIntent(usercontext.GetAccountID(c), plan)
	if err != nil {
		return bc.intentError(c, err)
	}
	return c.JSON(fiber.Map{
		"paymentUrl":  intent.RedirectURL,
		"orderData":   intent.Fields,
		"orderNo":     intent.OrderNo,
		"customField": intent.CustomField,
	})
}

// HandleECPayCheckoutPage renders a form that posts itself to ECPay.
func (bc *BillingController) HandleECPayCheckoutPage(c *fiber.Ctx) error {
	plan, err := entitlements.ParsePlan(c.Query("plan"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid plan"})
	}

	intent, err := bc.Intents.ECPayIntent(usercontext.GetAccountID(c), plan)
	if err != nil {
		return bc.intentError(c, err)
	}
	return c.Render("ecpay_checkout", fiber.Map{
		"Action": intent.RedirectURL,
		"Fields": intent.Fields,
		"Plan":   plan.DisplayName(),
	})
}

// HandleCreatePayPalPayment returns the PayPal button URL for the caller.
func (bc *BillingController) HandleCreatePayPalPayment(c *fiber.Ctx) error {
	plan, err := bc.parsePlanBody(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	intent, err := bc.Intents.PayPalIntent(usercontext.GetAccountID(c), plan)
	if err != nil {
		return bc.intentError(c, err)
	}
	return c.JSON(fiber.Map{
		"url":         intent.RedirectURL,
		"customField": intent.CustomField,
	})
}

func (bc *BillingController) parsePlanBody(c *fiber.Ctx) (entitlements.Plan, error) {
	var req createPaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return "", errors.New("Invalid request body")
	}
	if err := bc.validate.Struct(req); err != nil {
		return "", errors.New("Invalid plan")
	}
	return entitlements.Plan(req.Plan), nil
}

func (bc *BillingController) intentError(c *fiber.Ctx, err error) error {
	status := billingErrorStatus(err, false)
	if status >= fiber.StatusInternalServerError {
		log.Errorf("[Billing] Checkout intent failed: %v", err)
	}
	return c.Status(status).JSON(fiber.Map{"error": billingErrorMessage(err)})
}

// billingErrorStatus maps pipeline errors to HTTP status codes. Inbound
// configuration errors are 500 so the provider retries once fixed; outbound
// ones are reported to the caller as 400.
func billingErrorStatus(err error, inbound bool) int {
	switch {
	case errors.Is(err, billing.ErrUnauthorized):
		return fiber.StatusUnauthorized
	case errors.Is(err, billing.ErrConfiguration):
		if inbound {
			return fiber.StatusInternalServerError
		}
		return fiber.StatusBadRequest
	case errors.Is(err, billing.ErrValidation), errors.Is(err, billing.ErrIntegrity):
		return fiber.StatusBadRequest
	case errors.Is(err, billing.ErrInFlight):
		return fiber.StatusConflict
	case errors.Is(err, billing.ErrPersistence):
		return fiber.StatusInternalServerError
	default:
		return fiber.StatusInternalServerError
	}
}

// billingErrorMessage strips the error class prefix, leaving the reason.
func billingErrorMessage(err error) string {
	if errors.Is(err, billing.ErrUnauthorized) {
		return "Unauthorized"
	}
	if errors.Is(err, billing.ErrInFlight) {
		return "Notification is being processed"
	}
	msg := err.Error()
	for _, class := range []error{
		billing.ErrConfiguration,
		billing.ErrValidation,
		billing.ErrIntegrity,
		billing.ErrPersistence,
	} {
		if errors.Is(err, class) {
			return strings.TrimPrefix(msg, class.Error()+": ")
		}
	}
	return msg
}

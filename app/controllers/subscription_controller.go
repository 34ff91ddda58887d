package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/yuhaojen771/fitness-tracker/app/models"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/billing"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/entitlements"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/usercontext"
)

func (bc *BillingController) subscriptionView(p *models.Profile) fiber.Map {
	today := bc.Service.Today()
	var endDate interface{}
	if p.SubscriptionEndDate != nil {
		endDate = entitlements.FormatDate(p.SubscriptionEndDate)
	}
	var daysRemaining interface{}
	if d := entitlements.DaysRemaining(p.SubscriptionEndDate, today); d != nil {
		daysRemaining = *d
	}
	return fiber.Map{
		"isPremium":           p.IsPremium,
		"subscriptionEndDate": endDate,
		"active":              entitlements.IsPremiumActive(p.SubscriptionEndDate, today),
		"daysRemaining":       daysRemaining,
	}
}

// HandleGetSubscription returns the caller's entitlement.
func (bc *BillingController) HandleGetSubscription(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
	}

	p, err := bc.Profiles.FindOrCreate(userCtx.AccountID, userCtx.Email)
	if err != nil {
		log.Errorf("[Subscription] Failed to load profile %s: %v", billing.ShortID(userCtx.AccountID), err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to load subscription"})
	}
	return c.JSON(bc.subscriptionView(p))
}

// HandleCancelSubscription stops renewal. Access continues until the end date.
func (bc *BillingController) HandleCancelSubscription(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
	}

	p, err := bc.Profiles.CancelRenewal(userCtx.AccountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Subscription not found"})
		}
		log.Errorf("[Subscription] Failed to cancel %s: %v", billing.ShortID(userCtx.AccountID), err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to cancel subscription"})
	}
	log.Infof("[Subscription] Account %s cancelled renewal", billing.ShortID(userCtx.AccountID))
	return c.JSON(fiber.Map{"success": true, "subscription": bc.subscriptionView(p)})
}

// HandleResetSubscription clears the caller's subscription. Development only.
func (bc *BillingController) HandleResetSubscription(c *fiber.Ctx) error {
	if !bc.DevMode {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Not found"})
	}
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
	}

	p, err := bc.Profiles.Reset(userCtx.AccountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Subscription not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to reset subscription"})
	}
	return c.JSON(fiber.Map{"success": true, "subscription": bc.subscriptionView(p)})
}

package entitlements

import (
	"fmt"
	"strings"
	"time"
)

type Plan string

const (
	PlanMonthly Plan = "monthly"
	PlanYearly  Plan = "yearly"
)

// DateLayout is the storage and wire format of subscription end dates.
const DateLayout = "2006-01-02"

// ParsePlan accepts exactly "monthly" or "yearly".
func ParsePlan(raw string) (Plan, error) {
	switch Plan(raw) {
	case PlanMonthly, PlanYearly:
		return Plan(raw), nil
	default:
		return "", fmt.Errorf("invalid plan %q: must be %q or %q", raw, PlanMonthly, PlanYearly)
	}
}

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	return p == PlanMonthly || p == PlanYearly
}

// Price returns the plan price in whole New Taiwan dollars.
func (p Plan) Price() int {
	switch p {
	case PlanMonthly:
		return 120
	case PlanYearly:
		return 1200
	default:
		return 0
	}
}

// DisplayName is the customer-facing plan name shown on provider checkout pages.
func (p Plan) DisplayName() string {
	if p == PlanMonthly {
		return "月繳方案"
	}
	return "年繳方案"
}

// Day truncates t to midnight of its calendar day in UTC, keeping the
// year/month/day as observed in t's own location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Today returns the current calendar day in loc.
func Today(now time.Time, loc *time.Location) time.Time {
	return Day(now.In(loc))
}

// Extend computes the new subscription end date for a confirmed payment.
//
// The extension starts from the later of today and the current end date, so
// an unexpired entitlement is never shortened and an expired one is never
// revived from its stale date. Month and year arithmetic uses time.AddDate,
// which normalizes overflow: Jan 31 + 1 month is Mar 3 (Mar 2 in leap years)
// and Feb 29 + 1 year is Mar 1.
func Extend(current *time.Time, plan Plan, today time.Time) time.Time {
	base := Day(today)
	if current != nil {
		if cur := Day(*current); !cur.Before(base) {
			base = cur
		}
	}
	if plan == PlanMonthly {
		return base.AddDate(0, 1, 0)
	}
	return base.AddDate(1, 0, 0)
}

// IsPremiumActive reports whether access is granted on today. It depends only
// on the end date; a cancelled renewal keeps access until that date.
func IsPremiumActive(expiresOn *time.Time, today time.Time) bool {
	if expiresOn == nil {
		return false
	}
	return !Day(*expiresOn).Before(Day(today))
}

// DaysRemaining returns whole days from today until expiresOn, negative once
// expired, or nil without an end date.
func DaysRemaining(expiresOn *time.Time, today time.Time) *int {
	if expiresOn == nil {
		return nil
	}
	days := int(Day(*expiresOn).Sub(Day(today)).Hours() / 24)
	return &days
}

// FormatDate renders an end date as YYYY-MM-DD, or "" for nil.
func FormatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return Day(*t).Format(DateLayout)
}

// NormalizePlanHint guesses a plan from free text such as a provider item
// name. Monthly wording wins; everything else is treated as yearly.
func NormalizePlanHint(text string) Plan {
	lower := strings.ToLower(text)
	if strings.Contains(text, "月繳") || strings.Contains(lower, "monthly") {
		return PlanMonthly
	}
	return PlanYearly
}

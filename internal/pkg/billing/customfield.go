package billing

import (
	"fmt"
	"strings"

	"github.com/yuhaojen771/fitness-tracker/internal/pkg/entitlements"
)

// MaxCustomFieldLength is the longest value ECPay accepts in CustomField1.
const MaxCustomFieldLength = 50

// EncodeCustomField packs the account id and plan into the opaque value a
// provider echoes back on its notification.
func EncodeCustomField(accountID string, plan entitlements.Plan) string {
	return accountID + "-" + string(plan)
}

// DecodeCustomField reverses EncodeCustomField. Account ids may contain
// hyphens, so the plan is taken from after the last one and must be known.
func DecodeCustomField(raw string) (string, entitlements.Plan, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", "", fmt.Errorf("%w: custom field is empty", ErrValidation)
	}

	idx := strings.LastIndex(value, "-")
	if idx <= 0 || idx == len(value)-1 {
		return "", "", fmt.Errorf("%w: custom field %q has no plan suffix", ErrValidation, value)
	}

	plan, err := entitlements.ParsePlan(value[idx+1:])
	if err != nil {
		return "", "", fmt.Errorf("%w: custom field %q: %v", ErrValidation, value, err)
	}
	return value[:idx], plan, nil
}

// decodeCustomFieldLenient accepts a bare account id as well. The plan is
// empty when no known suffix is present.
func decodeCustomFieldLenient(raw string) (string, entitlements.Plan) {
	if accountID, plan, err := DecodeCustomField(raw); err == nil {
		return accountID, plan
	}
	return strings.TrimSpace(raw), ""
}

package billing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Error classes surfaced by the notification pipeline and intent builders.
// Callers match them with errors.Is; the wrapped message carries the detail.
var (
	// ErrConfiguration means a required secret or URL is not set.
	ErrConfiguration = errors.New("billing configuration error")
	// ErrValidation means the notification or request is malformed.
	ErrValidation = errors.New("billing validation error")
	// ErrIntegrity means the notification could not be authenticated.
	ErrIntegrity = errors.New("billing integrity error")
	// ErrPersistence means the entitlement store could not be read or written.
	ErrPersistence = errors.New("billing persistence error")
	// ErrInFlight means another delivery of the same transaction holds the
	// claim. The provider should retry later.
	ErrInFlight = errors.New("billing notification in progress")
	// ErrUnauthorized means a checkout was requested without an account.
	ErrUnauthorized = errors.New("unauthorized")
)

// configError wraps every collected problem in one ErrConfiguration, listed
// on a single line.
func configError(result *multierror.Error) error {
	if result == nil || len(result.Errors) == 0 {
		return nil
	}
	result.ErrorFormat = func(errs []error) string {
		parts := make([]string, 0, len(errs))
		for _, err := range errs {
			parts = append(parts, err.Error())
		}
		return strings.Join(parts, "; ")
	}
	return fmt.Errorf("%w: %s", ErrConfiguration, result.Error())
}

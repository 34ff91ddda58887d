package billing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/yuhaojen771/fitness-tracker/internal/pkg/entitlements"
)

// Notification is one inbound provider callback: the exact bytes received
// plus the decoded form fields.
type Notification struct {
	Raw    []byte
	Fields url.Values
}

// ParseNotification decodes an application/x-www-form-urlencoded body.
func ParseNotification(body []byte) (*Notification, error) {
	raw := make([]byte, len(body))
	copy(raw, body)

	fields, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed form body: %v", ErrValidation, err)
	}
	return &Notification{Raw: raw, Fields: fields}, nil
}

// Get returns the trimmed first value of a field.
func (n *Notification) Get(key string) string {
	return strings.TrimSpace(n.Fields.Get(key))
}

// Map flattens the fields to their first values.
func (n *Notification) Map() map[string]string {
	out := make(map[string]string, len(n.Fields))
	for k, v := range n.Fields {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func (n *Notification) bodyHash() string {
	sum := sha256.Sum256(n.Raw)
	return "hash:" + hex.EncodeToString(sum[:])
}

type EventKind int

const (
	// EventIgnored is acknowledged without touching entitlements.
	EventIgnored EventKind = iota
	// EventPayment extends the account's entitlement by one plan period.
	EventPayment
	// EventCancellation turns off auto-renewal and keeps the end date.
	EventCancellation
)

func (k EventKind) String() string {
	switch k {
	case EventPayment:
		return "payment"
	case EventCancellation:
		return "cancellation"
	default:
		return "ignored"
	}
}

// Event is what a verified notification asks the pipeline to do.
type Event struct {
	Kind      EventKind
	AccountID string
	Plan      entitlements.Plan
	// Reason explains an ignored event in logs.
	Reason string
}

// Ack is the response body a provider expects once a notification has been
// accepted, including accepted duplicates.
type Ack struct {
	Status      int
	ContentType string
	Body        string
}

package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/yuhaojen771/fitness-tracker/app/models"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/entitlements"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/idempotency"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/metrics"
	"gorm.io/gorm"
)

// Service runs the notification pipeline shared by all providers.
type Service struct {
	repo  Repository
	guard idempotency.Guard
	now   func() time.Time
	loc   *time.Location
}

type ServiceOption func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLocation sets the timezone that decides the current calendar day.
func WithLocation(loc *time.Location) ServiceOption {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// NewService creates a billing service from an injected repository and guard.
func NewService(repo Repository, guard idempotency.Guard, opts ...ServiceOption) *Service {
	s := &Service{repo: repo, guard: guard, now: time.Now, loc: time.UTC}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, guard idempotency.Guard, opts ...ServiceOption) *Service {
	return NewService(NewRepository(db), guard, opts...)
}

// Today is the current calendar day in the service's location.
func (s *Service) Today() time.Time {
	return entitlements.Today(s.now(), s.loc)
}

// Outcome describes a notification that was accepted. Duplicates are
// accepted too; their Event is empty and nothing was written.
type Outcome struct {
	Provider      string
	TransactionID string
	Duplicate     bool
	Event         Event
	Profile       *models.Profile
}

// HandleNotification deduplicates, verifies and applies one notification.
//
// The transaction id is claimed as a short lease before any work. It is
// marked done only once the entitlement change has committed, inside the
// same transaction when the guard supports it. Every failure releases the
// lease so the provider's redelivery is processed normally; a redelivery
// that arrives while the lease is open gets ErrInFlight and is retried by
// the provider.
func (s *Service) HandleNotification(ctx context.Context, p Provider, n *Notification) (*Outcome, error) {
	provider := p.Name()

	txID, err := p.TransactionID(n)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(provider, metrics.OutcomeRejected).Inc()
		return nil, err
	}
	out := &Outcome{Provider: provider, TransactionID: txID}

	key := idempotency.Key(provider, txID)
	state, err := s.guard.Claim(ctx, key)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(provider, metrics.OutcomeFailed).Inc()
		return nil, fmt.Errorf("%w: idempotency check: %v", ErrPersistence, err)
	}
	switch state {
	case idempotency.StateDone:
		log.Infof("[Billing] Duplicate %s notification %s acknowledged", provider, txID)
		metrics.NotificationsTotal.WithLabelValues(provider, metrics.OutcomeDuplicate).Inc()
		out.Duplicate = true
		return out, nil
	case idempotency.StateInFlight:
		log.Warnf("[Billing] %s notification %s is still being processed", provider, txID)
		metrics.NotificationsTotal.WithLabelValues(provider, metrics.OutcomeInFlight).Inc()
		return nil, fmt.Errorf("%w: %s %s", ErrInFlight, provider, txID)
	}

	committed, err := s.process(ctx, p, n, out, key)
	if err != nil {
		if ferr := s.guard.Forget(context.WithoutCancel(ctx), key); ferr != nil {
			log.Errorf("[Billing] Failed to release %s after error: %v", key, ferr)
		}
		label := metrics.OutcomeRejected
		if errors.Is(err, ErrPersistence) || errors.Is(err, ErrConfiguration) {
			label = metrics.OutcomeFailed
		}
		metrics.NotificationsTotal.WithLabelValues(provider, label).Inc()
		return nil, err
	}
	if !committed {
		if cerr := s.guard.Complete(context.WithoutCancel(ctx), key); cerr != nil {
			log.Errorf("[Billing] Failed to mark %s complete: %v", key, cerr)
		}
	}

	label := metrics.OutcomeProcessed
	if out.Event.Kind == EventIgnored {
		label = metrics.OutcomeIgnored
	}
	metrics.NotificationsTotal.WithLabelValues(provider, label).Inc()
	return out, nil
}

// completionHooks returns the hook that marks key done inside the
// entitlement transaction, when the guard can do that.
func (s *Service) completionHooks(key string) ([]TxHook, bool) {
	tc, ok := s.guard.(idempotency.TxCompleter)
	if !ok {
		return nil, false
	}
	return []TxHook{func(tx *gorm.DB) error { return tc.CompleteTx(tx, key) }}, true
}

// process reports whether the completion was committed with the write.
func (s *Service) process(ctx context.Context, p Provider, n *Notification, out *Outcome, key string) (bool, error) {
	if err := p.Verify(ctx, n); err != nil {
		log.Warnf("[Billing] Rejected %s notification %s: %v", out.Provider, out.TransactionID, err)
		return false, err
	}

	event, err := p.Classify(n)
	if err != nil {
		log.Warnf("[Billing] Unusable %s notification %s: %v", out.Provider, out.TransactionID, err)
		return false, err
	}
	out.Event = event
	hooks, inTx := s.completionHooks(key)

	switch event.Kind {
	case EventPayment:
		today := s.Today()
		profile, err := s.repo.ApplyPayment(ctx, event.AccountID, func(current *time.Time) time.Time {
			return entitlements.Extend(current, event.Plan, today)
		}, hooks...)
		if err != nil {
			return false, fmt.Errorf("%w: apply payment: %v", ErrPersistence, err)
		}
		out.Profile = profile
		metrics.EntitlementChangesTotal.WithLabelValues(out.Provider, event.Kind.String(), string(event.Plan)).Inc()
		log.Infof("[Billing] %s payment %s: account %s %s until %s",
			out.Provider, out.TransactionID, ShortID(event.AccountID), event.Plan, entitlements.FormatDate(profile.SubscriptionEndDate))
		return inTx, nil

	case EventCancellation:
		profile, err := s.repo.SetRenewal(ctx, event.AccountID, false, hooks...)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warnf("[Billing] %s cancellation %s for unknown account %s", out.Provider, out.TransactionID, ShortID(event.AccountID))
			out.Event.Kind = EventIgnored
			out.Event.Reason = "unknown account"
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("%w: cancel renewal: %v", ErrPersistence, err)
		}
		out.Profile = profile
		metrics.EntitlementChangesTotal.WithLabelValues(out.Provider, event.Kind.String(), "").Inc()
		log.Infof("[Billing] %s cancellation %s: account %s stops renewing", out.Provider, out.TransactionID, ShortID(event.AccountID))
		return inTx, nil

	default:
		log.Infof("[Billing] %s notification %s ignored: %s", out.Provider, out.TransactionID, event.Reason)
		return false, nil
	}
}

// ShortID trims an account id for log lines.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/yuhaojen771/fitness-tracker/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DBGuard stores transaction ids in billing_webhook_events. The unique index
// on (provider, provider_event_id) makes the first insert win. A row starts
// as processing and turns done only through Complete or CompleteTx; an
// expired row of either status is reclaimed with a conditional update so
// only one caller can take it over.
type DBGuard struct {
	db    *gorm.DB
	ttl   time.Duration
	lease time.Duration
	now   func() time.Time
}

func NewDBGuard(db *gorm.DB, opts ...Option) *DBGuard {
	o := buildOptions(opts)
	return &DBGuard{db: db, ttl: o.ttl, lease: o.lease, now: o.now}
}

func (g *DBGuard) Claim(ctx context.Context, key string) (State, error) {
	provider, eventID := splitKey(key)
	now := g.now().UTC()
	db := g.db.WithContext(ctx)

	event := &models.BillingWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		Status:          models.WebhookEventProcessing,
		SeenAt:          now,
	}
	tx := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return StateInFlight, tx.Error
	}
	if tx.RowsAffected > 0 {
		return StateClaimed, nil
	}

	res := db.Model(&models.BillingWebhookEvent{}).
		Where("provider = ? AND provider_event_id = ?", provider, eventID).
		Where(db.Where("status = ? AND seen_at <= ?", models.WebhookEventDone, now.Add(-g.ttl)).
			Or("status = ? AND seen_at <= ?", models.WebhookEventProcessing, now.Add(-g.lease))).
		Updates(map[string]interface{}{
			"status":  models.WebhookEventProcessing,
			"seen_at": now,
		})
	if res.Error != nil {
		return StateInFlight, res.Error
	}
	if res.RowsAffected > 0 {
		return StateClaimed, nil
	}

	var current models.BillingWebhookEvent
	err := db.Where("provider = ? AND provider_event_id = ?", provider, eventID).First(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Forgotten between the insert and the read; the next delivery claims it.
		return StateInFlight, nil
	}
	if err != nil {
		return StateInFlight, err
	}
	if current.Status == models.WebhookEventDone {
		return StateDone, nil
	}
	return StateInFlight, nil
}

func (g *DBGuard) Complete(ctx context.Context, key string) error {
	return g.CompleteTx(g.db.WithContext(ctx), key)
}

// CompleteTx marks key done through tx. A row that is missing, because its
// lease expired and was swept, is inserted as done.
func (g *DBGuard) CompleteTx(tx *gorm.DB, key string) error {
	provider, eventID := splitKey(key)
	now := g.now().UTC()

	res := tx.Model(&models.BillingWebhookEvent{}).
		Where("provider = ? AND provider_event_id = ?", provider, eventID).
		Updates(map[string]interface{}{
			"status":  models.WebhookEventDone,
			"seen_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_event_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"status": models.WebhookEventDone, "seen_at": now}),
	}).Create(&models.BillingWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		Status:          models.WebhookEventDone,
		SeenAt:          now,
	}).Error
}

func (g *DBGuard) Forget(ctx context.Context, key string) error {
	provider, eventID := splitKey(key)
	return g.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", provider, eventID).
		Delete(&models.BillingWebhookEvent{}).Error
}

func (g *DBGuard) Sweep(ctx context.Context) (int64, error) {
	now := g.now().UTC()
	res := g.db.WithContext(ctx).
		Where("status = ? AND seen_at <= ?", models.WebhookEventDone, now.Add(-g.ttl)).
		Or("status = ? AND seen_at <= ?", models.WebhookEventProcessing, now.Add(-g.lease)).
		Delete(&models.BillingWebhookEvent{})
	return res.RowsAffected, res.Error
}

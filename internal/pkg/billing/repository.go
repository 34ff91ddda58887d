package billing

import (
	"context"
	"errors"
	"time"

	"github.com/yuhaojen771/fitness-tracker/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TxHook runs inside an entitlement transaction after the write. An error
// rolls the whole transaction back.
type TxHook func(tx *gorm.DB) error

// Repository is the system-privileged entitlement store. It may write any
// account's row and is used only by the notification pipeline and the
// reminder job; request handlers go through the user-scoped repository.
type Repository interface {
	GetProfile(ctx context.Context, accountID string) (*models.Profile, error)
	// ApplyPayment locks the account's row, creating it when absent, and
	// stores the end date returned by extend with is_premium=true. hooks run
	// in the same transaction.
	ApplyPayment(ctx context.Context, accountID string, extend func(current *time.Time) time.Time, hooks ...TxHook) (*models.Profile, error)
	// SetRenewal updates is_premium only. It returns gorm.ErrRecordNotFound
	// for an unknown account, in which case hooks do not run.
	SetRenewal(ctx context.Context, accountID string, active bool, hooks ...TxHook) (*models.Profile, error)
	// ListExpiringOn returns renewing profiles whose end date is day.
	ListExpiringOn(ctx context.Context, day time.Time) ([]models.Profile, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetProfile(ctx context.Context, accountID string) (*models.Profile, error) {
	var p models.Profile
	if err := r.db.WithContext(ctx).Where("id = ?", accountID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) ApplyPayment(ctx context.Context, accountID string, extend func(current *time.Time) time.Time, hooks ...TxHook) (*models.Profile, error) {
	var profile models.Profile
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockProfile(tx, accountID, &profile); err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.Profile{ID: accountID}).Error; err != nil {
				return err
			}
			if err := lockProfile(tx, accountID, &profile); err != nil {
				return err
			}
		}

		end := extend(profile.SubscriptionEndDate)
		if err := tx.Model(&profile).Updates(map[string]interface{}{
			"is_premium":            true,
			"subscription_end_date": end,
		}).Error; err != nil {
			return err
		}
		profile.IsPremium = true
		profile.SubscriptionEndDate = &end
		return runHooks(tx, hooks)
	})
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (r *gormRepository) SetRenewal(ctx context.Context, accountID string, active bool, hooks ...TxHook) (*models.Profile, error) {
	var profile models.Profile
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// RowsAffected cannot tell a missing row apart from an unchanged one on
		// MySQL, so existence is checked by locking the row first.
		if err := lockProfile(tx, accountID, &profile); err != nil {
			return err
		}
		if err := tx.Model(&profile).Update("is_premium", active).Error; err != nil {
			return err
		}
		profile.IsPremium = active
		return runHooks(tx, hooks)
	})
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (r *gormRepository) ListExpiringOn(ctx context.Context, day time.Time) ([]models.Profile, error) {
	var profiles []models.Profile
	err := r.db.WithContext(ctx).
		Where("is_premium = ? AND subscription_end_date = ?", true, day).
		Order("id").
		Find(&profiles).Error
	return profiles, err
}

func runHooks(tx *gorm.DB, hooks []TxHook) error {
	for _, hook := range hooks {
		if err := hook(tx); err != nil {
			return err
		}
	}
	return nil
}

func lockProfile(tx *gorm.DB, accountID string, out *models.Profile) error {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", accountID).First(out).Error
}

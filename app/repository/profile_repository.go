package repository

import (
	"errors"
	"strings"

	"github.com/yuhaojen771/fitness-tracker/app/models"
	"gorm.io/gorm"
)

// ErrNoAccount is returned when a call is made without an account id.
var ErrNoAccount = errors.New("account id is required")

// profileRepository implements the ProfileRepository interface
type profileRepository struct {
	db *gorm.DB
}

// NewProfileRepository creates a new profile repository instance
func NewProfileRepository(db *gorm.DB) ProfileRepository {
	return &profileRepository{db: db}
}

// ownRow restricts a query to the caller's profile.
func ownRow(accountID string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("id = ?", accountID)
	}
}

// FindOrCreate returns the caller's profile, creating the default record on
// first observation and refreshing the stored email.
func (r *profileRepository) FindOrCreate(accountID, email string) (*models.Profile, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, ErrNoAccount
	}
	return models.GetOrCreateProfile(r.db, accountID, strings.TrimSpace(email))
}

// Get retrieves the caller's profile
func (r *profileRepository) Get(accountID string) (*models.Profile, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, ErrNoAccount
	}
	var p models.Profile
	if err := r.db.Scopes(ownRow(accountID)).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// CancelRenewal stops auto-renewal. The end date is kept, so access lasts
// until it passes.
func (r *profileRepository) CancelRenewal(accountID string) (*models.Profile, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, ErrNoAccount
	}
	if err := r.db.Model(&models.Profile{}).Scopes(ownRow(accountID)).Update("is_premium", false).Error; err != nil {
		return nil, err
	}
	return r.Get(accountID)
}

// Reset clears the subscription entirely. Only exposed in development.
func (r *profileRepository) Reset(accountID string) (*models.Profile, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, ErrNoAccount
	}
	err := r.db.Model(&models.Profile{}).Scopes(ownRow(accountID)).Updates(map[string]interface{}{
		"is_premium":            false,
		"subscription_end_date": nil,
	}).Error
	if err != nil {
		return nil, err
	}
	return r.Get(accountID)
}

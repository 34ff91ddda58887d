package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Profile is the per-account entitlement record. The primary key is the
// identity provider's subject id.
type Profile struct {
	ID                  string     `gorm:"type:varchar(64);primaryKey" json:"id"`
	Email               string     `gorm:"type:varchar(255);default:''" json:"email"`
	IsPremium           bool       `gorm:"default:false;index:idx_profiles_premium_end,priority:1" json:"is_premium"`
	SubscriptionEndDate *time.Time `gorm:"type:date;default:null;index:idx_profiles_premium_end,priority:2" json:"subscription_end_date"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetOrCreateProfile returns the stored profile or creates the default
// (not premium, no end date) record for a newly observed account.
func GetOrCreateProfile(db *gorm.DB, accountID, email string) (*Profile, error) {
	var p Profile
	err := db.Where("id = ?", accountID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// A concurrent first request may insert the row first.
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&Profile{ID: accountID, Email: email}).Error; err != nil {
			return nil, err
		}
		err = db.Where("id = ?", accountID).First(&p).Error
	}
	if err != nil {
		return nil, err
	}
	if email != "" && p.Email != email {
		if err := db.Model(&p).Update("email", email).Error; err != nil {
			return nil, err
		}
	}
	return &p, nil
}

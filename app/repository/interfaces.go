package repository

import (
	"github.com/yuhaojen771/fitness-tracker/app/models"
	"gorm.io/gorm"
)

// ProfileRepository is the user-scoped entitlement store. Every method is
// bound to the authenticated caller's own row; there is no way to address
// another account through it.
type ProfileRepository interface {
	FindOrCreate(accountID, email string) (*models.Profile, error)
	Get(accountID string) (*models.Profile, error)
	CancelRenewal(accountID string) (*models.Profile, error)
	Reset(accountID string) (*models.Profile, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	Profile ProfileRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Profile: NewProfileRepository(db),
	}
}

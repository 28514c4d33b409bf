package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UserIdentity links a marketplace user to their subject at one SSO
// provider. A user may hold one identity per provider, and a provider
// subject maps to at most one user.
type UserIdentity struct {
	gorm.Model

	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	SsoProviderID uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_user_identity_provider_user,where:deleted_at IS NULL;uniqueIndex:idx_user_identity_provider_subject,where:deleted_at IS NULL;not null;<-:create"`
	UserID        uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_user_identity_provider_user,where:deleted_at IS NULL;not null;<-:create"`
	Identity      string    `gorm:"type:text;uniqueIndex:idx_user_identity_provider_subject,where:deleted_at IS NULL;not null;<-:create"`

	SsoProvider *SsoProvider `gorm:"foreignKey:SsoProviderID"`
	User        *User        `gorm:"foreignKey:UserID"`
}

func (i *UserIdentity) BeforeCreate(*gorm.DB) error {
	if i.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		i.ID = id
	}
	return nil
}

package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is a registered marketplace member. Identity itself lives with the
// SSO providers; this row carries what the marketplace needs locally.
type User struct {
	gorm.Model

	ID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	Username string    `gorm:"type:varchar(255);not null"`
	Email    string    `gorm:"type:varchar(320);not null"`

	Identities []UserIdentity
}

func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		u.ID = id
	}
	return nil
}

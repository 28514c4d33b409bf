package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SSOProviderName identifies a supported external identity provider.
type SSOProviderName string

const (
	SSOGoogle    SSOProviderName = "google"
	SSOMicrosoft SSOProviderName = "microsoft"
	SSOGitHub    SSOProviderName = "github"
)

// SsoProvider is one row per supported SSO provider.
type SsoProvider struct {
	gorm.Model

	ID   uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Name SSOProviderName `gorm:"type:text;not null;unique;<-:create"`
}

func (p *SsoProvider) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		p.ID = id
	}
	return nil
}

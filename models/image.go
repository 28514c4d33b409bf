package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Image records an artwork photo uploaded to the object store, keyed by
// uploader for rate limiting.
type Image struct {
	gorm.Model

	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	UploaderID uuid.UUID `gorm:"type:uuid;not null;index;<-:create"`
	Url        string    `gorm:"type:text;not null;<-:create"`

	Uploader *User `gorm:"foreignKey:UploaderID"`
}

func (i *Image) BeforeCreate(*gorm.DB) error {
	if i.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		i.ID = id
	}
	return nil
}

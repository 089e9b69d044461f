package license

import (
	"time"

	"labdesk-controlplane/services/lab"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type License struct {
	ID         string                      `gorm:"column:id;primaryKey" json:"id"`
	LabID      string                      `gorm:"column:lab_id;not null;index" json:"lab_id"`
	LicenseKey string                      `gorm:"column:license_key;size:40;uniqueIndex" json:"license_key"`
	IssuedAt   time.Time                   `gorm:"column:issued_at;not null;index" json:"issued_at"`
	ExpiresAt  time.Time                   `gorm:"column:expires_at;not null;index" json:"expires_at"`
	Token      string                      `gorm:"column:token;type:text" json:"token"`
	Status     Status                      `gorm:"column:status;size:16;not null;default:inactive;index" json:"status"`
	Features   datatypes.JSONSlice[string] `gorm:"column:features" json:"features"`
	CreatedAt  time.Time                   `gorm:"column:created_at" json:"created_at"`
	UpdatedAt  time.Time                   `gorm:"column:updated_at" json:"updated_at"`

	Lab *lab.Lab `gorm:"foreignKey:LabID" json:"lab,omitempty"`
}

// BeforeSave stores both bounds in UTC at second precision so range
// predicates compare correctly on every dialect.
func (l *License) BeforeSave(*gorm.DB) error {
	l.IssuedAt = l.IssuedAt.UTC().Truncate(time.Second)
	l.ExpiresAt = l.ExpiresAt.UTC().Truncate(time.Second)
	return nil
}

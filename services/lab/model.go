package lab

import "time"

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Lab is a customer site. LicenseStatus and NumericStatus mirror the lab's
// licenses and are never written by clients.
type Lab struct {
	ID            string    `gorm:"column:id;primaryKey" json:"id"`
	Name          string    `gorm:"column:name;not null" json:"name"`
	Slug          string    `gorm:"column:slug;uniqueIndex" json:"slug"`
	ContactPerson string    `gorm:"column:contact_person" json:"contact_person"`
	ContactEmail  string    `gorm:"column:contact_email" json:"contact_email"`
	ContactPhone  string    `gorm:"column:contact_phone" json:"contact_phone"`
	Address       string    `gorm:"column:address" json:"address"`
	LicenseStatus string    `gorm:"column:license_status;not null;default:inactive;index" json:"license_status"`
	NumericStatus int       `gorm:"column:status;not null;default:0" json:"status"`
	CreatedAt     time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// SetLicenseStatus updates both mirrored columns and reports whether anything changed.
func (l *Lab) SetLicenseStatus(active bool) bool {
	status, numeric := StatusInactive, 0
	if active {
		status, numeric = StatusActive, 1
	}
	if l.LicenseStatus == status && l.NumericStatus == numeric {
		return false
	}
	l.LicenseStatus = status
	l.NumericStatus = numeric
	return true
}

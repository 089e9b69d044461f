package license

import (
	"context"
	"errors"
	"time"

	"labdesk-controlplane/services/lab"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LicenseStore is the persistence the Synchronizer needs for licenses.
// FindByID returns (nil, nil) when the license does not exist.
type LicenseStore interface {
	FindByID(ctx context.Context, id string) (*License, error)
	// FindCandidatesForSweep returns up to limit licenses with id > afterID,
	// ordered by id, whose stored status is wrong at now or whose bounds lie
	// within band of now.
	FindCandidatesForSweep(ctx context.Context, now time.Time, band time.Duration, afterID string, limit int) ([]*License, error)
	Save(ctx context.Context, l *License) error
}

// LabStore is the persistence the Synchronizer needs for labs.
type LabStore interface {
	FindByID(ctx context.Context, id string) (*lab.Lab, error)
	Save(ctx context.Context, l *lab.Lab) error
	CountActiveLicensesFor(ctx context.Context, labID string) (int64, error)
	// FindMismatched returns labs whose mirrored status disagrees with their
	// licenses, paged by id like FindCandidatesForSweep.
	FindMismatched(ctx context.Context, afterID string, limit int) ([]*lab.Lab, error)
}

type licenseStore struct {
	db *gorm.DB
}

func NewLicenseStore(db *gorm.DB) LicenseStore {
	return &licenseStore{db: db}
}

func (s *licenseStore) FindByID(ctx context.Context, id string) (*License, error) {
	var l License
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&l).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &l, nil
}

func (s *licenseStore) FindCandidatesForSweep(ctx context.Context, now time.Time, band time.Duration, afterID string, limit int) ([]*License, error) {
	now = now.UTC()
	lo, hi := now.Add(-band), now.Add(band)

	var out []*License
	err := s.db.WithContext(ctx).
		Where("id > ?", afterID).
		Where(s.db.
			Where("status = ? AND (expires_at < ? OR issued_at > ?)", StatusActive, now, now).
			Or("status <> ? AND issued_at <= ? AND expires_at >= ?", StatusActive, now, now).
			Or("issued_at BETWEEN ? AND ?", lo, hi).
			Or("expires_at BETWEEN ? AND ?", lo, hi)).
		Order("id ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *licenseStore) Save(ctx context.Context, l *License) error {
	return s.db.WithContext(ctx).Omit(clause.Associations).Save(l).Error
}

type labStore struct {
	db *gorm.DB
}

func NewLabStore(db *gorm.DB) LabStore {
	return &labStore{db: db}
}

func (s *labStore) FindByID(ctx context.Context, id string) (*lab.Lab, error) {
	var l lab.Lab
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&l).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &l, nil
}

func (s *labStore) Save(ctx context.Context, l *lab.Lab) error {
	return s.db.WithContext(ctx).Save(l).Error
}

func (s *labStore) CountActiveLicensesFor(ctx context.Context, labID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&License{}).
		Where("lab_id = ? AND status = ?", labID, StatusActive).
		Count(&count).Error
	return count, err
}

func (s *labStore) FindMismatched(ctx context.Context, afterID string, limit int) ([]*lab.Lab, error) {
	hasActive := s.db.Model(&License{}).
		Select("1").
		Where("licenses.lab_id = labs.id AND licenses.status = ?", StatusActive)

	var out []*lab.Lab
	err := s.db.WithContext(ctx).
		Where("labs.id > ?", afterID).
		Where(s.db.
			Where("(labs.license_status = ? OR labs.status = 1) AND NOT EXISTS (?)", lab.StatusActive, hasActive).
			Or("(labs.license_status <> ? OR labs.status <> 1) AND EXISTS (?)", lab.StatusActive, hasActive)).
		Order("labs.id ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

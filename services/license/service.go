package license

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"regexp"
	"strings"
	"time"

	"labdesk-controlplane/pkg/clock"
	"labdesk-controlplane/pkg/config"
	"labdesk-controlplane/pkg/db/option"
	"labdesk-controlplane/pkg/db/pagination"
	"labdesk-controlplane/pkg/errutil"
	"labdesk-controlplane/pkg/licensetoken"
	"labdesk-controlplane/pkg/logger"
	"labdesk-controlplane/pkg/repository"
	"labdesk-controlplane/pkg/task"
	"labdesk-controlplane/services/lab"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

var keyPattern = regexp.MustCompile(`^[A-Z0-9]{8}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{12}$`)

const keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	clock  clock.Clock
	codec  *licensetoken.Codec
	syncer *Synchronizer
	asynq  task.Enqueuer
	config *config.Config

	repo repository.Repository[License]
	labs repository.Repository[lab.Lab]

	governing singleflight.Group
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Clock  clock.Clock
	Codec  *licensetoken.Codec
	Syncer *Synchronizer
	Asynq  task.Enqueuer
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		node:   p.Node,
		clock:  p.Clock,
		codec:  p.Codec,
		syncer: p.Syncer,
		asynq:  p.Asynq,
		config: p.Config,
		repo:   repository.ProvideStore[License](p.DB),
		labs:   repository.ProvideStore[lab.Lab](p.DB),
	}
}

type ListLicensesRequest struct {
	pagination.Pagination
	LabID  string `form:"lab_id"`
	Status string `form:"status" binding:"omitempty,oneof=active inactive"`
}

type CreateLicenseRequest struct {
	LabID      string   `json:"lab_id" binding:"required"`
	LicenseKey string   `json:"license_key"`
	IssuedAt   string   `json:"issued_at" binding:"required"`
	ExpiresAt  string   `json:"expires_at" binding:"required"`
	Features   []string `json:"features"`
}

type UpdateLicenseRequest struct {
	LicenseKey *string   `json:"license_key"`
	IssuedAt   *string   `json:"issued_at"`
	ExpiresAt  *string   `json:"expires_at"`
	Features   *[]string `json:"features"`
}

type ActivateRequest struct {
	Until string `json:"until"`
}

type TokenRequest struct {
	Token string `json:"token" binding:"required"`
}

type ValidateResponse struct {
	Valid  bool                 `json:"valid"`
	Claims *licensetoken.Claims `json:"claims,omitempty"`
}

func (s *Service) List(ctx context.Context, req ListLicensesRequest) ([]*License, *pagination.PageInfo, error) {
	zapLog := logger.FromContext(ctx)

	query := &License{LabID: req.LabID, Status: Status(req.Status)}
	licenses, err := s.repo.Find(ctx, query,
		option.ApplyPagination(req.Pagination),
		option.WithPreload("Lab"),
	)
	if err != nil {
		zapLog.Error("failed to list licenses", zap.Error(err))
		return nil, nil, errutil.Internal("failed to list licenses", err)
	}

	out, info := pagination.Trim(licenses, req.Limit, func(l *License) string { return l.ID })
	for _, l := range out {
		s.localize(l)
	}
	return out, info, nil
}

// ListForLab returns every license of a lab, latest expiry first.
func (s *Service) ListForLab(ctx context.Context, labID string) ([]*License, error) {
	licenses, err := s.repo.Find(ctx, &License{LabID: labID}, option.WithOrder("expires_at", true))
	if err != nil {
		logger.FromContext(ctx).Error("failed to list lab licenses", zap.String("lab_id", labID), zap.Error(err))
		return nil, errutil.Internal("failed to list licenses", err)
	}
	for _, l := range licenses {
		s.localize(l)
	}
	return licenses, nil
}

// GoverningLicense is the active license with the latest expiry or, when
// none is active, the most recently issued one. Returns NotFound for a lab
// without licenses.
func (s *Service) GoverningLicense(ctx context.Context, labID string) (*License, error) {
	shared := context.WithoutCancel(ctx)
	v, err, _ := s.governing.Do(labID, func() (any, error) {
		l, err := s.repo.FindOne(shared, &License{LabID: labID, Status: StatusActive},
			option.WithOrder("expires_at", true))
		if err != nil {
			return nil, err
		}
		if l != nil {
			return l, nil
		}
		return s.repo.FindOne(shared, &License{LabID: labID}, option.WithOrder("issued_at", true))
	})
	if err != nil {
		logger.FromContext(ctx).Error("failed to resolve governing license", zap.String("lab_id", labID), zap.Error(err))
		return nil, errutil.Internal("failed to resolve governing license", err)
	}
	l, _ := v.(*License)
	if l == nil {
		return nil, errutil.NotFound("lab has no licenses", nil)
	}
	out := *l
	s.localize(&out)
	return &out, nil
}

// SummaryForLab backs the lab show view.
func (s *Service) SummaryForLab(ctx context.Context, labID string) (*lab.LicenseSummary, error) {
	licenses, err := s.ListForLab(ctx, labID)
	if err != nil {
		return nil, err
	}

	summary := &lab.LicenseSummary{Licenses: licenses}
	governing, err := s.GoverningLicense(ctx, labID)
	switch {
	case err == nil:
		summary.Governing = governing
	case !errutil.IsStatus(err, errutil.StatusNotFound):
		return nil, err
	}
	return summary, nil
}

func (s *Service) Get(ctx context.Context, id string) (*License, error) {
	l, err := s.repo.FindOne(ctx, &License{ID: id}, option.WithPreload("Lab"))
	if err != nil {
		logger.FromContext(ctx).Error("failed to get license", zap.String("license_id", id), zap.Error(err))
		return nil, errutil.Internal("failed to get license", err)
	}
	if l == nil {
		return nil, errutil.NotFound("license not found", nil)
	}
	s.localize(l)
	return l, nil
}

func (s *Service) Create(ctx context.Context, req CreateLicenseRequest) (*License, error) {
	zapLog := logger.FromContext(ctx)

	owner, err := s.labs.FindOne(ctx, &lab.Lab{ID: req.LabID})
	if err != nil {
		zapLog.Error("failed to get lab", zap.String("lab_id", req.LabID), zap.Error(err))
		return nil, errutil.Internal("failed to create license", err)
	}
	if owner == nil {
		return nil, errutil.ValidationFailed("lab does not exist", nil,
			errutil.WithDetails(errutil.Detail{Field: "lab_id", Message: "unknown lab"}))
	}

	issuedAt, err := s.parseTime("issued_at", req.IssuedAt)
	if err != nil {
		return nil, err
	}
	expiresAt, err := s.parseTime("expires_at", req.ExpiresAt)
	if err != nil {
		return nil, err
	}

	key, err := s.resolveKey(ctx, req.LicenseKey, "")
	if err != nil {
		return nil, err
	}

	l := &License{
		ID:         s.node.Generate().String(),
		LabID:      owner.ID,
		LicenseKey: key,
		IssuedAt:   issuedAt,
		ExpiresAt:  expiresAt,
		Features:   req.Features,
	}
	if err := s.issueToken(l); err != nil {
		return nil, err
	}
	l.Status = Evaluate(s.clock.Now(), l.IssuedAt, l.ExpiresAt)

	if err := s.repo.Create(ctx, l); err != nil {
		zapLog.Error("failed to create license", zap.String("lab_id", l.LabID), zap.Error(err))
		return nil, errutil.Internal("failed to create license", err)
	}

	if _, err := s.syncer.ReconcileLab(ctx, l.LabID); err != nil {
		zapLog.Error("failed to update lab status", zap.String("lab_id", l.LabID), zap.Error(err))
		return nil, errutil.Internal("license created but lab status update failed", err)
	}

	zapLog.Info("license created",
		zap.String("license_id", l.ID),
		zap.String("lab_id", l.LabID),
		zap.String("status", string(l.Status)),
	)
	s.localize(l)
	return l, nil
}

// IssueForLab creates the first license of a freshly created lab.
func (s *Service) IssueForLab(ctx context.Context, labID string, req lab.EmbeddedLicense) error {
	_, err := s.Create(ctx, CreateLicenseRequest{
		LabID:      labID,
		LicenseKey: req.LicenseKey,
		IssuedAt:   req.IssuedAt,
		ExpiresAt:  req.ExpiresAt,
		Features:   req.Features,
	})
	return err
}

func (s *Service) Update(ctx context.Context, id string, req UpdateLicenseRequest) (*License, error) {
	l, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.LicenseKey != nil {
		key, err := s.resolveKey(ctx, *req.LicenseKey, l.ID)
		if err != nil {
			return nil, err
		}
		l.LicenseKey = key
	}
	if req.IssuedAt != nil {
		if l.IssuedAt, err = s.parseTime("issued_at", *req.IssuedAt); err != nil {
			return nil, err
		}
	}
	if req.ExpiresAt != nil {
		if l.ExpiresAt, err = s.parseTime("expires_at", *req.ExpiresAt); err != nil {
			return nil, err
		}
	}
	if req.Features != nil {
		l.Features = *req.Features
	}

	return s.reissue(ctx, l, "license updated")
}

// Activate rewrites the validity window so that it contains now. When until
// is empty the current expiry must already lie in the future.
func (s *Service) Activate(ctx context.Context, id string, req ActivateRequest) (*License, error) {
	l, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().Truncate(time.Second)
	if req.Until != "" {
		if l.ExpiresAt, err = s.parseTime("until", req.Until); err != nil {
			return nil, err
		}
	}
	if !l.ExpiresAt.After(now) {
		return nil, errutil.ValidationFailed("expiry must be in the future to activate a license", nil,
			errutil.WithDetails(errutil.Detail{Field: "until", Message: "must be after the current time"}))
	}
	if l.IssuedAt.After(now) {
		l.IssuedAt = now
	}

	return s.reissue(ctx, l, "license activated")
}

// Deactivate ends the validity window one second before now.
func (s *Service) Deactivate(ctx context.Context, id string) (*License, error) {
	l, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().Truncate(time.Second)
	l.ExpiresAt = now.Add(-time.Second)
	if !l.IssuedAt.Before(l.ExpiresAt) {
		l.IssuedAt = l.ExpiresAt.Add(-time.Second)
	}

	return s.reissue(ctx, l, "license deactivated")
}

func (s *Service) Delete(ctx context.Context, id string) error {
	zapLog := logger.FromContext(ctx)

	l, err := s.find(ctx, id)
	if err != nil {
		return err
	}

	if err := s.repo.Delete(ctx, l.ID); err != nil {
		zapLog.Error("failed to delete license", zap.String("license_id", id), zap.Error(err))
		return errutil.Internal("failed to delete license", err)
	}

	if _, err := s.syncer.ReconcileLab(ctx, l.LabID); err != nil {
		zapLog.Error("failed to update lab status", zap.String("lab_id", l.LabID), zap.Error(err))
		return errutil.Internal("license deleted but lab status update failed", err)
	}

	zapLog.Info("license deleted", zap.String("license_id", id), zap.String("lab_id", l.LabID))
	return nil
}

// DeleteForLab removes every license of a lab that is about to be deleted.
func (s *Service) DeleteForLab(ctx context.Context, labID string) error {
	if err := s.db.WithContext(ctx).Where("lab_id = ?", labID).Delete(&License{}).Error; err != nil {
		logger.FromContext(ctx).Error("failed to delete lab licenses", zap.String("lab_id", labID), zap.Error(err))
		return errutil.Internal("failed to delete lab licenses", err)
	}
	return nil
}

func (s *Service) Validate(token string) ValidateResponse {
	valid, claims := s.codec.Validate(token)
	return ValidateResponse{Valid: valid, Claims: claims}
}

func (s *Service) Claims(token string) (*licensetoken.Claims, error) {
	claims, ok := s.codec.GetClaims(token)
	if !ok {
		return nil, errutil.NotFound("token could not be decoded", nil)
	}
	return claims, nil
}

// Sweep runs a full status sweep at the current time.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	res, err := s.syncer.SweepAll(ctx, s.clock.Now())
	if err != nil {
		if ctx.Err() != nil {
			return res, errutil.Timeout("license sweep interrupted", err)
		}
		return res, errutil.Internal("license sweep failed", err)
	}
	return res, nil
}

// EnqueueSweep hands a sweep to the task worker and returns the task id.
func (s *Service) EnqueueSweep(ctx context.Context) (string, error) {
	t, err := NewSweepTask("api", s.config.License.SweepTimeout)
	if err != nil {
		return "", errutil.Internal("failed to build sweep task", err)
	}

	info, err := s.asynq.Enqueue(ctx, t)
	if err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) {
			return "", errutil.Conflict("a license sweep is already queued or running", err)
		}
		logger.FromContext(ctx).Error("failed to enqueue license sweep", zap.Error(err))
		return "", errutil.Internal("failed to enqueue license sweep", err)
	}
	return info.ID, nil
}

func (s *Service) find(ctx context.Context, id string) (*License, error) {
	l, err := s.repo.FindOne(ctx, &License{ID: id})
	if err != nil {
		logger.FromContext(ctx).Error("failed to get license", zap.String("license_id", id), zap.Error(err))
		return nil, errutil.Internal("failed to get license", err)
	}
	if l == nil {
		return nil, errutil.NotFound("license not found", nil)
	}
	return l, nil
}

// reissue persists changed dates or metadata with a fresh token and the
// status they imply.
func (s *Service) reissue(ctx context.Context, l *License, msg string) (*License, error) {
	zapLog := logger.FromContext(ctx)

	if err := s.issueToken(l); err != nil {
		return nil, err
	}

	if err := s.syncer.Save(ctx, l); err != nil {
		zapLog.Error("failed to save license", zap.String("license_id", l.ID), zap.Error(err))
		return nil, errutil.Internal("failed to save license", err)
	}

	zapLog.Info(msg,
		zap.String("license_id", l.ID),
		zap.String("lab_id", l.LabID),
		zap.String("status", string(l.Status)),
	)
	s.localize(l)
	return l, nil
}

func (s *Service) issueToken(l *License) error {
	token, err := s.codec.Encode(licensetoken.Payload{
		LabID:      l.LabID,
		LicenseKey: l.LicenseKey,
		Features:   l.Features,
	}, l.IssuedAt, l.ExpiresAt, s.config.AppURL)
	if err != nil {
		if errors.Is(err, licensetoken.ErrInvalidPeriod) {
			return errutil.ValidationFailed("expiry must be after issue date", err,
				errutil.WithDetails(errutil.Detail{Field: "expires_at", Message: "must be after issued_at"}))
		}
		zap.L().Error("failed to issue license token", zap.String("license_id", l.ID), zap.Error(err))
		return errutil.Internal("failed to issue license token", err)
	}
	l.Token = token
	return nil
}

// resolveKey normalises and validates a client-supplied key, or generates
// one when none was given. selfID excludes the license being updated from
// the uniqueness check.
func (s *Service) resolveKey(ctx context.Context, key, selfID string) (string, error) {
	key = strings.ToUpper(strings.TrimSpace(key))
	if key == "" {
		generated, err := GenerateKey()
		if err != nil {
			return "", errutil.Internal("failed to generate license key", err)
		}
		return generated, nil
	}

	if !keyPattern.MatchString(key) {
		return "", errutil.ValidationFailed("invalid license key format", nil,
			errutil.WithDetails(errutil.Detail{Field: "license_key", Message: "expected XXXXXXXX-XXXX-XXXX-XXXX-XXXXXXXXXXXX"}))
	}

	exist, err := s.repo.FindOne(ctx, &License{LicenseKey: key})
	if err != nil {
		logger.FromContext(ctx).Error("failed to check license key", zap.Error(err))
		return "", errutil.Internal("failed to check license key", err)
	}
	if exist != nil && exist.ID != selfID {
		return "", errutil.Conflict("license key already exists", nil)
	}
	return key, nil
}

func (s *Service) parseTime(field, value string) (time.Time, error) {
	t, err := clock.Parse(s.clock, value)
	if err != nil {
		return time.Time{}, errutil.ValidationFailed("invalid "+field, err,
			errutil.WithDetails(errutil.Detail{Field: field, Message: err.Error()}))
	}
	return t.Truncate(time.Second), nil
}

func (s *Service) localize(l *License) {
	l.IssuedAt = s.clock.In(l.IssuedAt)
	l.ExpiresAt = s.clock.In(l.ExpiresAt)
}

// GenerateKey returns a random key in the XXXXXXXX-XXXX-XXXX-XXXX-XXXXXXXXXXXX form.
func GenerateKey() (string, error) {
	groups := []int{8, 4, 4, 4, 12}
	max := big.NewInt(int64(len(keyAlphabet)))

	var b strings.Builder
	for i, n := range groups {
		if i > 0 {
			b.WriteByte('-')
		}
		for j := 0; j < n; j++ {
			idx, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", err
			}
			b.WriteByte(keyAlphabet[idx.Int64()])
		}
	}
	return b.String(), nil
}

// ValidKey reports whether key has the canonical license key form.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

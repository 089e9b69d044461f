package lab

import (
	"context"

	"labdesk-controlplane/pkg/db/option"
	"labdesk-controlplane/pkg/db/pagination"
	"labdesk-controlplane/pkg/errutil"
	"labdesk-controlplane/pkg/logger"
	"labdesk-controlplane/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// EmbeddedLicense is the optional first license supplied with a new lab.
type EmbeddedLicense struct {
	LicenseKey string   `json:"license_key"`
	IssuedAt   string   `json:"issued_at" binding:"required"`
	ExpiresAt  string   `json:"expires_at" binding:"required"`
	Features   []string `json:"features"`
}

// LicenseProvisioner manages the licenses owned by a lab.
type LicenseProvisioner interface {
	IssueForLab(ctx context.Context, labID string, req EmbeddedLicense) error
	DeleteForLab(ctx context.Context, labID string) error
	SummaryForLab(ctx context.Context, labID string) (*LicenseSummary, error)
}

// LicenseSummary is a lab's licenses, latest expiry first, and the one
// governing its status. Governing is nil for a lab without licenses.
type LicenseSummary struct {
	Licenses  any `json:"licenses"`
	Governing any `json:"governing_license"`
}

// Detail is the show view of a lab.
type Detail struct {
	*Lab
	LicenseSummary
}

type Service struct {
	node     *snowflake.Node
	repo     repository.Repository[Lab]
	licenses LicenseProvisioner
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Licenses LicenseProvisioner
}

func NewService(p ServiceParams) *Service {
	return &Service{
		node:     p.Node,
		repo:     repository.ProvideStore[Lab](p.DB),
		licenses: p.Licenses,
	}
}

type ListLabsRequest struct {
	pagination.Pagination
	LicenseStatus string `form:"license_status" binding:"omitempty,oneof=active inactive"`
}

type CreateLabRequest struct {
	Name          string           `json:"name" binding:"required,max=255"`
	ContactPerson string           `json:"contact_person" binding:"omitempty,max=255"`
	ContactEmail  string           `json:"contact_email" binding:"omitempty,email"`
	ContactPhone  string           `json:"contact_phone" binding:"omitempty,max=32"`
	Address       string           `json:"address"`
	License       *EmbeddedLicense `json:"license"`
}

type UpdateLabRequest struct {
	Name          *string `json:"name" binding:"omitempty,max=255"`
	ContactPerson *string `json:"contact_person" binding:"omitempty,max=255"`
	ContactEmail  *string `json:"contact_email" binding:"omitempty,email"`
	ContactPhone  *string `json:"contact_phone" binding:"omitempty,max=32"`
	Address       *string `json:"address"`
}

func (s *Service) List(ctx context.Context, req ListLabsRequest) ([]*Lab, *pagination.PageInfo, error) {
	labs, err := s.repo.Find(ctx, &Lab{LicenseStatus: req.LicenseStatus}, option.ApplyPagination(req.Pagination))
	if err != nil {
		logger.FromContext(ctx).Error("failed to list labs", zap.Error(err))
		return nil, nil, errutil.Internal("failed to list labs", err)
	}

	out, info := pagination.Trim(labs, req.Limit, func(l *Lab) string { return l.ID })
	return out, info, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Lab, error) {
	l, err := s.repo.FindOne(ctx, &Lab{ID: id})
	if err != nil {
		logger.FromContext(ctx).Error("failed to get lab", zap.String("lab_id", id), zap.Error(err))
		return nil, errutil.Internal("failed to get lab", err)
	}
	if l == nil {
		return nil, errutil.NotFound("lab not found", nil)
	}
	return l, nil
}

// Show returns the lab together with its license summary.
func (s *Service) Show(ctx context.Context, id string) (*Detail, error) {
	l, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	summary, err := s.licenses.SummaryForLab(ctx, l.ID)
	if err != nil {
		return nil, err
	}
	return &Detail{Lab: l, LicenseSummary: *summary}, nil
}

// Create stores a new lab and, when req.License is set, its first license.
// The lab is removed again if the license is rejected.
func (s *Service) Create(ctx context.Context, req CreateLabRequest) (*Lab, error) {
	zapLog := logger.FromContext(ctx)

	slugName, err := s.uniqueSlug(ctx, req.Name, "")
	if err != nil {
		return nil, err
	}

	l := &Lab{
		ID:            s.node.Generate().String(),
		Name:          req.Name,
		Slug:          slugName,
		ContactPerson: req.ContactPerson,
		ContactEmail:  req.ContactEmail,
		ContactPhone:  req.ContactPhone,
		Address:       req.Address,
		LicenseStatus: StatusInactive,
	}
	if err := s.repo.Create(ctx, l); err != nil {
		zapLog.Error("failed to create lab", zap.Error(err))
		return nil, errutil.Internal("failed to create lab", err)
	}

	if req.License != nil {
		if err := s.licenses.IssueForLab(ctx, l.ID, *req.License); err != nil {
			zapLog.Warn("lab license rejected, rolling back lab", zap.String("lab_id", l.ID), zap.Error(err))
			if derr := s.licenses.DeleteForLab(ctx, l.ID); derr != nil {
				zapLog.Error("failed to roll back lab licenses", zap.String("lab_id", l.ID), zap.Error(derr))
				return nil, err
			}
			if derr := s.repo.Delete(ctx, l.ID); derr != nil {
				zapLog.Error("failed to roll back lab", zap.String("lab_id", l.ID), zap.Error(derr))
			}
			return nil, err
		}
		return s.Get(ctx, l.ID)
	}

	zapLog.Info("lab created", zap.String("lab_id", l.ID), zap.String("slug", l.Slug))
	return l, nil
}

func (s *Service) Update(ctx context.Context, id string, req UpdateLabRequest) (*Lab, error) {
	l, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if req.Name != nil && *req.Name != l.Name {
		slugName, err := s.uniqueSlug(ctx, *req.Name, l.ID)
		if err != nil {
			return nil, err
		}
		updates["name"] = *req.Name
		updates["slug"] = slugName
	}
	if req.ContactPerson != nil {
		updates["contact_person"] = *req.ContactPerson
	}
	if req.ContactEmail != nil {
		updates["contact_email"] = *req.ContactEmail
	}
	if req.ContactPhone != nil {
		updates["contact_phone"] = *req.ContactPhone
	}
	if req.Address != nil {
		updates["address"] = *req.Address
	}
	if len(updates) == 0 {
		return l, nil
	}

	if err := s.repo.Update(ctx, l.ID, updates); err != nil {
		logger.FromContext(ctx).Error("failed to update lab", zap.String("lab_id", id), zap.Error(err))
		return nil, errutil.Internal("failed to update lab", err)
	}
	return s.Get(ctx, id)
}

// Delete removes a lab together with all of its licenses.
func (s *Service) Delete(ctx context.Context, id string) error {
	zapLog := logger.FromContext(ctx)

	l, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.licenses.DeleteForLab(ctx, l.ID); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, l.ID); err != nil {
		zapLog.Error("failed to delete lab", zap.String("lab_id", id), zap.Error(err))
		return errutil.Internal("failed to delete lab", err)
	}

	zapLog.Info("lab deleted", zap.String("lab_id", id))
	return nil
}

func (s *Service) uniqueSlug(ctx context.Context, name, selfID string) (string, error) {
	slugName := slug.Make(name)
	if slugName == "" {
		return "", errutil.ValidationFailed("name must contain letters or digits", nil,
			errutil.WithDetails(errutil.Detail{Field: "name", Message: "cannot derive slug"}))
	}

	exist, err := s.repo.FindOne(ctx, &Lab{Slug: slugName})
	if err != nil {
		logger.FromContext(ctx).Error("failed query get lab by slug", zap.Error(err))
		return "", errutil.Internal("failed to check existing lab", err)
	}
	if exist != nil && exist.ID != selfID {
		return "", errutil.Conflict("lab already exists", nil,
			errutil.WithDetails(errutil.Detail{Field: "name", Message: "slug " + slugName + " is taken"}))
	}
	return slugName, nil
}

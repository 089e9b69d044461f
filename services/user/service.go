package user

import (
	"context"
	"errors"
	"strings"
	"time"

	"labdesk-controlplane/pkg/accesscontrol"
	"labdesk-controlplane/pkg/db/option"
	"labdesk-controlplane/pkg/db/pagination"
	"labdesk-controlplane/pkg/errutil"
	"labdesk-controlplane/pkg/logger"
	"labdesk-controlplane/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type Service struct {
	node   *snowflake.Node
	repo   repository.Repository[User]
	tokens *TokenIssuer
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Tokens *TokenIssuer
}

func NewService(p ServiceParams) *Service {
	return &Service{
		node:   p.Node,
		repo:   repository.ProvideStore[User](p.DB),
		tokens: p.Tokens,
	}
}

type RegisterRequest struct {
	Name                 string `json:"name" binding:"required,max=255"`
	Email                string `json:"email" binding:"required,email"`
	Password             string `json:"password" binding:"required"`
	PasswordConfirmation string `json:"password_confirmation" binding:"required,eqfield=Password"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        *User     `json:"user"`
}

type CreateUserRequest struct {
	Name     string `json:"name" binding:"required,max=255"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
	Role     string `json:"role" binding:"required,oneof=frontoffice admin superadmin"`
}

type UpdateUserRequest struct {
	Name     *string `json:"name" binding:"omitempty,max=255"`
	Email    *string `json:"email" binding:"omitempty,email"`
	Password *string `json:"password"`
	Role     *string `json:"role" binding:"omitempty,oneof=frontoffice admin superadmin"`
}

// Register creates a front office account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	return s.create(ctx, req.Name, req.Email, req.Password, accesscontrol.RoleFrontOffice)
}

func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	zapLog := logger.FromContext(ctx)

	u, err := s.repo.FindOne(ctx, &User{Email: normaliseEmail(req.Email)})
	if err != nil {
		zapLog.Error("failed to get user", zap.Error(err))
		return nil, errutil.Internal("failed to login", err)
	}
	if u == nil || !checkPassword(u.PasswordHash, req.Password) {
		return nil, errutil.Unauthorized("invalid email or password", nil)
	}

	token, expiresAt, err := s.tokens.Issue(u)
	if err != nil {
		zapLog.Error("failed to issue access token", zap.String("user_id", u.ID), zap.Error(err))
		return nil, errutil.Internal("failed to login", err)
	}

	zapLog.Info("user logged in", zap.String("user_id", u.ID))
	return &LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
		User:        u,
	}, nil
}

func (s *Service) List(ctx context.Context, p pagination.Pagination) ([]*User, *pagination.PageInfo, error) {
	users, err := s.repo.Find(ctx, &User{}, option.ApplyPagination(p))
	if err != nil {
		logger.FromContext(ctx).Error("failed to list users", zap.Error(err))
		return nil, nil, errutil.Internal("failed to list users", err)
	}
	out, info := pagination.Trim(users, p.Limit, func(u *User) string { return u.ID })
	return out, info, nil
}

func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	u, err := s.repo.FindOne(ctx, &User{ID: id})
	if err != nil {
		logger.FromContext(ctx).Error("failed to get user", zap.String("user_id", id), zap.Error(err))
		return nil, errutil.Internal("failed to get user", err)
	}
	if u == nil {
		return nil, errutil.NotFound("user not found", nil)
	}
	return u, nil
}

func (s *Service) Create(ctx context.Context, req CreateUserRequest) (*User, error) {
	return s.create(ctx, req.Name, req.Email, req.Password, req.Role)
}

func (s *Service) Update(ctx context.Context, id string, req UpdateUserRequest) (*User, error) {
	u, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.Email != nil {
		email := normaliseEmail(*req.Email)
		if err := s.ensureEmailFree(ctx, email, u.ID); err != nil {
			return nil, err
		}
		updates["email"] = email
	}
	if req.Role != nil {
		if !accesscontrol.ValidRole(*req.Role) {
			return nil, errutil.ValidationFailed("unknown role", nil)
		}
		updates["role"] = *req.Role
	}
	if req.Password != nil {
		hash, err := s.hash(*req.Password)
		if err != nil {
			return nil, err
		}
		updates["password_hash"] = hash
	}
	if len(updates) == 0 {
		return u, nil
	}

	if err := s.repo.Update(ctx, u.ID, updates); err != nil {
		logger.FromContext(ctx).Error("failed to update user", zap.String("user_id", id), zap.Error(err))
		return nil, errutil.Internal("failed to update user", err)
	}
	return s.Get(ctx, id)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		logger.FromContext(ctx).Error("failed to delete user", zap.String("user_id", id), zap.Error(err))
		return errutil.Internal("failed to delete user", err)
	}
	return nil
}

// EnsureAdmin creates the configured superadmin account on first start.
func (s *Service) EnsureAdmin(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return nil
	}

	exist, err := s.repo.FindOne(ctx, &User{Email: normaliseEmail(email)})
	if err != nil {
		return err
	}
	if exist != nil {
		return nil
	}

	u, err := s.create(ctx, "Administrator", email, password, accesscontrol.RoleSuperAdmin)
	if err != nil {
		return err
	}
	zap.L().Info("bootstrap superadmin created", zap.String("user_id", u.ID))
	return nil
}

func (s *Service) create(ctx context.Context, name, email, password, role string) (*User, error) {
	email = normaliseEmail(email)
	if err := s.ensureEmailFree(ctx, email, ""); err != nil {
		return nil, err
	}

	hash, err := s.hash(password)
	if err != nil {
		return nil, err
	}

	u := &User{
		ID:           s.node.Generate().String(),
		Name:         strings.TrimSpace(name),
		Email:        email,
		PasswordHash: hash,
		Role:         role,
	}
	if err := s.repo.Create(ctx, u); err != nil {
		logger.FromContext(ctx).Error("failed to create user", zap.Error(err))
		return nil, errutil.Internal("failed to create user", err)
	}
	return u, nil
}

func (s *Service) ensureEmailFree(ctx context.Context, email, selfID string) error {
	exist, err := s.repo.FindOne(ctx, &User{Email: email})
	if err != nil {
		logger.FromContext(ctx).Error("failed query get user by email", zap.Error(err))
		return errutil.Internal("failed to check existing user", err)
	}
	if exist != nil && exist.ID != selfID {
		return errutil.Conflict("email already registered", nil,
			errutil.WithDetails(errutil.Detail{Field: "email", Message: "already registered"}))
	}
	return nil
}

func (s *Service) hash(password string) (string, error) {
	if err := CheckPasswordPolicy(password); err != nil {
		return "", errutil.ValidationFailed("password too weak", err,
			errutil.WithDetails(errutil.Detail{Field: "password", Message: err.Error()}))
	}
	hash, err := hashPassword(password)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", errutil.ValidationFailed("password too long", err)
		}
		return "", errutil.Internal("failed to hash password", err)
	}
	return hash, nil
}

func normaliseEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

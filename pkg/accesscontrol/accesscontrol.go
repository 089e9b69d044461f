// Package accesscontrol maps user roles to the permissions the API checks.
// Roles inherit downwards: superadmin > admin > frontoffice.
package accesscontrol

import (
	_ "embed"
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	stringadapter "github.com/casbin/casbin/v2/persist/string-adapter"
	"go.uber.org/fx"
)

const (
	PermissionView   = "view"
	PermissionAdd    = "add"
	PermissionUpdate = "update"
	PermissionDelete = "delete"
)

const (
	RoleFrontOffice = "frontoffice"
	RoleAdmin       = "admin"
	RoleSuperAdmin  = "superadmin"
)

var (
	//go:embed model.conf
	modelText string
	//go:embed policy.csv
	policyText string
)

var Module = fx.Module("accesscontrol", fx.Provide(New))

type Enforcer struct {
	e *casbin.Enforcer
}

func New() (*Enforcer, error) {
	return newEnforcer(policyText)
}

func newEnforcer(policy string) (*Enforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("accesscontrol: model: %w", err)
	}

	e, err := casbin.NewEnforcer(m, stringadapter.NewAdapter(policy))
	if err != nil {
		return nil, fmt.Errorf("accesscontrol: enforcer: %w", err)
	}

	return &Enforcer{e: e}, nil
}

// Allowed reports whether role grants permission.
func (a *Enforcer) Allowed(role, permission string) (bool, error) {
	return a.e.Enforce(role, permission)
}

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	switch role {
	case RoleFrontOffice, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

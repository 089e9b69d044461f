package middleware

import (
	"labdesk-controlplane/pkg/accesscontrol"

	"go.uber.org/fx"
)

var Module = fx.Module("middleware",
	accesscontrol.Module,
	fx.Provide(
		func(e *accesscontrol.Enforcer) Authorizer { return e },
		NewGuard,
	),
)

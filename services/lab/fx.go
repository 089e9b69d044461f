package lab

import "go.uber.org/fx"

var Module = fx.Module("lab.module",
	fx.Provide(NewService),
)

var ServerModule = fx.Module("lab.server",
	Module,
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)

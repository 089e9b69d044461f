package user

import (
	"context"

	"labdesk-controlplane/pkg/clock"
	"labdesk-controlplane/pkg/config"
	"labdesk-controlplane/pkg/middleware"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("user.module",
	fx.Provide(
		provideTokenIssuer,
		func(t *TokenIssuer) middleware.TokenVerifier { return t },
		NewService,
	),
)

var ServerModule = fx.Module("user.server",
	Module,
	fx.Provide(NewHandler),
	fx.Invoke(
		RegisterRoutes,
		ensureAdmin,
	),
)

func provideTokenIssuer(cfg *config.Config, c clock.Clock) *TokenIssuer {
	return NewTokenIssuer(cfg.AuthSecret(), cfg.AppURL, cfg.Auth.AccessTTL, c)
}

func ensureAdmin(lc fx.Lifecycle, cfg *config.Config, svc *Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := svc.EnsureAdmin(ctx, cfg.Auth.AdminEmail, cfg.Auth.AdminPassword); err != nil {
				zap.L().Error("failed to bootstrap superadmin", zap.Error(err))
				return err
			}
			return nil
		},
	})
}

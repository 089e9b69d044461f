package main

import (
	"labdesk-controlplane/pkg/clock"
	"labdesk-controlplane/pkg/config"
	"labdesk-controlplane/pkg/db"
	"labdesk-controlplane/pkg/gen"
	"labdesk-controlplane/pkg/hashistack/secretmanager"
	"labdesk-controlplane/pkg/licensetoken"
	"labdesk-controlplane/pkg/logger"
	"labdesk-controlplane/pkg/middleware"
	"labdesk-controlplane/pkg/minio"
	"labdesk-controlplane/pkg/otelcol"
	"labdesk-controlplane/pkg/profiling"
	"labdesk-controlplane/pkg/redis"
	"labdesk-controlplane/pkg/server"
	"labdesk-controlplane/pkg/task"
	"labdesk-controlplane/services/lab"
	"labdesk-controlplane/services/license"
	"labdesk-controlplane/services/ticket"
	"labdesk-controlplane/services/user"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	app := fx.New(
		secretmanager.Module,
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		clock.Module,
		db.Module,
		fx.Invoke(migrate),
		redis.Module,
		task.Client,
		gen.Module,
		minio.Client,
		licensetoken.Module,
		middleware.Module,
		server.ProvideHTTPServer,

		user.ServerModule,
		lab.ServerModule,
		license.ServerModule,
		ticket.ServerModule,
		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func() fxevent.Logger {
	return fxevent.NopLogger
})

func migrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(
		&lab.Lab{},
		&license.License{},
		&user.User{},
		&ticket.Ticket{},
	); err != nil {
		zap.L().Error("[DB] Failed to migrate schema", zap.Error(err))
		return err
	}
	return nil
}

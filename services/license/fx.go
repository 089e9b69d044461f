package license

import (
	"labdesk-controlplane/pkg/clock"
	"labdesk-controlplane/pkg/config"
	"labdesk-controlplane/services/lab"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var SyncModule = fx.Module("license.sync",
	fx.Provide(
		NewLicenseStore,
		NewLabStore,
		provideSynchronizer,
	),
)

var Module = fx.Module("license.module",
	SyncModule,
	fx.Provide(
		NewService,
		func(s *Service) lab.LicenseProvisioner { return s },
	),
)

var ServerModule = fx.Module("license.server",
	Module,
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)

var TaskModule = fx.Module("license.task",
	SyncModule,
	fx.Provide(NewTaskHandler),
	fx.Invoke(
		RegisterTaskHandlers,
		registerSweepSchedule,
	),
)

func provideSynchronizer(cfg *config.Config, c clock.Clock, licenses LicenseStore, labs LabStore, log *zap.Logger) *Synchronizer {
	return NewSynchronizer(c, licenses, labs, log.Named("license.sync"), SyncConfig{
		BatchSize:      cfg.License.SweepBatchSize,
		TransitionBand: cfg.License.TransitionBand,
	})
}

func registerSweepSchedule(scheduler *asynq.Scheduler, cfg *config.Config) error {
	task, err := NewSweepTask("schedule", cfg.License.SweepTimeout)
	if err != nil {
		return err
	}

	entryID, err := scheduler.Register(cfg.License.SweepCron, task)
	if err != nil {
		zap.L().Error("failed to register license sweep schedule", zap.String("cron", cfg.License.SweepCron), zap.Error(err))
		return err
	}

	zap.L().Info("license sweep scheduled", zap.String("cron", cfg.License.SweepCron), zap.String("entry_id", entryID))
	return nil
}

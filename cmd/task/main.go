package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"labdesk-controlplane/pkg/clock"
	"labdesk-controlplane/pkg/config"
	"labdesk-controlplane/pkg/db"
	"labdesk-controlplane/pkg/hashistack/secretmanager"
	"labdesk-controlplane/pkg/logger"
	"labdesk-controlplane/pkg/otelcol"
	"labdesk-controlplane/pkg/redis"
	"labdesk-controlplane/pkg/task"
	"labdesk-controlplane/services/license"

	"github.com/spf13/pflag"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "task:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("task", pflag.ContinueOnError)
	once := flags.Bool("once", false, "run a single license status sweep and exit")
	timeout := flags.Duration("timeout", 0, "deadline for --once (default LICENSE.SWEEP_TIMEOUT)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *once {
		return sweepOnce(*timeout)
	}

	fx.New(
		secretmanager.Module,
		config.Module,
		logger.Module,
		otelcol.Module,
		clock.Module,
		db.Module,
		redis.Module,
		task.Server,
		task.Scheduler,
		license.TaskModule,
		fxLogger,
	).Run()
	return nil
}

var fxLogger = fx.WithLogger(func() fxevent.Logger {
	return fxevent.NopLogger
})

// sweepOnce runs the synchronizer in-process, bypassing the queue.
func sweepOnce(timeout time.Duration) error {
	var (
		cfg    *config.Config
		c      clock.Clock
		syncer *license.Synchronizer
	)

	app := fx.New(
		secretmanager.Module,
		config.Module,
		logger.Module,
		clock.Module,
		db.Module,
		license.SyncModule,
		fx.Populate(&cfg, &c, &syncer),
		fxLogger,
	)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(context.Background(), fx.DefaultTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), fx.DefaultTimeout)
		defer cancel()
		_ = app.Stop(stopCtx)
	}()

	if timeout <= 0 {
		timeout = cfg.License.SweepTimeout
	}
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := syncer.SweepAll(ctx, c.Now())
	zap.L().Info("license sweep finished",
		zap.Int("activated", res.Activated),
		zap.Int("deactivated", res.Deactivated),
		zap.Int("failed", res.Failed),
		zap.Int("labs_repaired", res.LabsRepaired),
		zap.Error(err),
	)
	if err != nil {
		return err
	}
	if res.Failed > 0 {
		return fmt.Errorf("%d license or lab writes failed", res.Failed)
	}
	return nil
}

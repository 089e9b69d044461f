package licensetoken

import (
	"labdesk-controlplane/pkg/clock"
	"labdesk-controlplane/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("licensetoken", fx.Provide(Provide))

func Provide(cfg *config.Config, c clock.Clock, log *zap.Logger) (*Codec, error) {
	return New(cfg.AppKey,
		WithEncryptionSecret(cfg.License.EncryptionKey),
		WithClock(c),
		WithLogger(log.Named("licensetoken")),
	)
}

package ticket

import (
	"labdesk-controlplane/pkg/minio"

	"go.uber.org/fx"
)

var Module = fx.Module("ticket.module",
	fx.Provide(
		func(s *minio.ObjectStore) AttachmentStore { return s },
		NewService,
	),
)

var ServerModule = fx.Module("ticket.server",
	Module,
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)

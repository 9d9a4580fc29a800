package anomaly

import (
	"github.com/smallbiznis/gatekeeper/internal/anomaly/repository"
	"github.com/smallbiznis/gatekeeper/internal/anomaly/service"
	"go.uber.org/fx"
)

var Module = fx.Module("anomaly.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)

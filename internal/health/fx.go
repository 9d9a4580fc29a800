package health

import (
	"github.com/smallbiznis/gatekeeper/internal/config"
	"github.com/smallbiznis/gatekeeper/internal/health/domain"
	"github.com/smallbiznis/gatekeeper/internal/health/service"
	"github.com/smallbiznis/gatekeeper/internal/health/signer"
	"go.uber.org/fx"
)

var Module = fx.Module("health.service",
	fx.Provide(provideSigner),
	fx.Provide(service.NewService),
)

func provideSigner(cfg config.Config) domain.Signer {
	if s := signer.New(cfg); s != nil {
		return s
	}
	return nil
}

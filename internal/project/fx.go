package project

import (
	"github.com/smallbiznis/gatekeeper/internal/project/domain"
	"github.com/smallbiznis/gatekeeper/internal/project/repository"
	"github.com/smallbiznis/gatekeeper/internal/project/service"
	"github.com/smallbiznis/gatekeeper/internal/temporal"
	"go.uber.org/fx"
)

var Module = fx.Module("project.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(repo domain.Repository) temporal.SubjectLocker { return repo }),
)

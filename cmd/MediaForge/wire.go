//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package main

import (
	"MediaForge/internal/biz"
	"MediaForge/internal/conf"
	"MediaForge/internal/data"
	"MediaForge/internal/server"
	"MediaForge/internal/service"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// wireApp init kratos application.
func wireApp(*conf.Server, *conf.Data, *conf.Storage, map[string]*conf.ProviderAPI, *conf.Resilience, *conf.Lifecycle, log.Logger) (*kratos.App, func(), error) {
	panic(wire.Build(
		data.ProviderSet,
		biz.ProviderSet,
		service.ProviderSet,
		server.ProviderSet,
		newReconcileCron,
		newApp,
	))
}

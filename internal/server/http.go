package server

import (
	"MediaForge/internal/biz"
	"MediaForge/internal/conf"
	"MediaForge/internal/server/middleware"
	"MediaForge/internal/service"
	pkglog "MediaForge/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewHTTPServer new an HTTP server.
func NewHTTPServer(
	c *conf.Server,
	webhookService *service.WebhookService,
	generationService *service.GenerationService,
	adminService *service.AdminService,
	limiter *biz.RateLimiterUseCase,
	logger log.Logger,
) *http.Server {
	logHelper := pkglog.NewLogHelper(logger)

	var opts = []http.ServerOption{
		http.Middleware(
			recovery.Recovery(),
			middleware.Logging(logHelper),
			middleware.RateLimit(limiter, logHelper),
		),
	}
	if c.Http.Network != "" {
		opts = append(opts, http.Network(c.Http.Network))
	}
	if c.Http.Addr != "" {
		opts = append(opts, http.Address(c.Http.Addr))
	}
	if c.Http.Timeout != nil {
		opts = append(opts, http.Timeout(c.Http.Timeout.AsDuration()))
	}
	srv := http.NewServer(opts...)

	r := srv.Route("/")
	r.POST("/v1/generations", generationService.StartJob)
	r.GET("/v1/jobs/{id}", generationService.GetJob)
	r.POST("/v1/webhooks/{provider}", webhookService.HandleCallback)

	r.GET("/admin/breakers", adminService.ListBreakers)
	r.POST("/admin/breakers/{name}/reset", adminService.ResetBreaker)
	r.POST("/admin/breakers/{name}/force-open", adminService.ForceOpenBreaker)
	r.POST("/admin/sweep", adminService.RunSweep)
	r.GET("/admin/users/{id}/balance", adminService.GetBalance)

	srv.Handle("/metrics", promhttp.Handler())

	return srv
}

package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/genledger/internal/config"
	jobservice "github.com/smallbiznis/genledger/internal/job/service"
	ledgerdomain "github.com/smallbiznis/genledger/internal/ledger/domain"
	"github.com/smallbiznis/genledger/internal/observability"
	obsmiddleware "github.com/smallbiznis/genledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/genledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/genledger/internal/observability/tracing"
	"github.com/smallbiznis/genledger/internal/settings"
	"github.com/smallbiznis/genledger/internal/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewHeaderOwnerResolver),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine    *gin.Engine
	cfg       config.Config
	owners    OwnerResolver
	submitter *jobservice.Submitter
	query     *jobservice.Query
	webhooks  *webhook.Service
	ledger    ledgerdomain.Service
	settings  *settings.Service
}

type ServerParams struct {
	fx.In

	Gin       *gin.Engine
	Cfg       config.Config
	Owners    OwnerResolver
	Submitter *jobservice.Submitter
	Query     *jobservice.Query
	Webhooks  *webhook.Service
	Ledger    ledgerdomain.Service
	Settings  *settings.Service
}

func NewServer(p ServerParams) *Server {
	owners := p.Owners
	if owners == nil {
		owners = NewHeaderOwnerResolver()
	}
	svc := &Server{
		engine:    p.Gin,
		cfg:       p.Cfg,
		owners:    owners,
		submitter: p.Submitter,
		query:     p.Query,
		webhooks:  p.Webhooks,
		ledger:    p.Ledger,
		settings:  p.Settings,
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()
	svc.registerInternalRoutes()
	svc.registerAssetRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1", s.OwnerRequired())

	api.POST("/jobs", s.CreateJob)
	api.GET("/jobs", s.ListJobs)
	api.GET("/jobs/:id", s.GetJob)

	api.GET("/balance", s.GetBalance)
	api.GET("/transactions", s.ListTransactions)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/v1/webhooks/:provider", s.HandleProviderWebhook)
}

func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/internal/v1", s.InternalTokenRequired())

	owners := internal.Group("/owners/:owner_id")
	{
		owners.POST("/topups", s.TopUpOwner)
		owners.POST("/adjustments", s.AdjustOwner)
		owners.PUT("/unlimited", s.SetOwnerUnlimited)
	}

	internal.GET("/settings", s.GetSettings)
	internal.PUT("/settings/:key", s.PutSetting)
}

// registerAssetRoutes serves stored artifacts when the file store is the public origin.
func (s *Server) registerAssetRoutes() {
	if s.cfg.Storage.BasePath == "" {
		return
	}
	s.engine.Static("/assets", s.cfg.Storage.BasePath)
}

// Package main はAPIサーバーとジョブワーカーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/sculpture-forge/internal/auth"
	"github.com/yourusername/sculpture-forge/internal/cache"
	"github.com/yourusername/sculpture-forge/internal/config"
	"github.com/yourusername/sculpture-forge/internal/jobs"
	"github.com/yourusername/sculpture-forge/internal/logging"
	"github.com/yourusername/sculpture-forge/internal/metrics"
	"github.com/yourusername/sculpture-forge/internal/progress"
	"github.com/yourusername/sculpture-forge/internal/sculpture"
)

const shutdownTimeout = 30 * time.Second

// app はハンドラーが共有する依存関係です。
type app struct {
	cfg         *config.Config
	logger      *zap.Logger
	rdb         *redis.Client
	manager     *jobs.Manager
	cache       *cache.Store
	broadcaster *progress.Broadcaster
	sculptures  *sculpture.Service
	auth        *auth.Manager
	gatherer    prometheus.Gatherer
}

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := newApp(cfg, logger, rdb, reg, jobs.Deps{})
	if err != nil {
		return err
	}
	if err := a.manager.StartWorkers(); err != nil {
		return err
	}

	gin.SetMode(cfg.GinMode)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting api server", zap.String("addr", srv.Addr), zap.String("mode", cfg.GinMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return a.manager.Shutdown(shutdownCtx)
}

// newApp は各コンポーネントを組み立てます。deps の Queue と Canceller は
// テストで差し替えるためのもので、通常は空のまま渡します。
func newApp(cfg *config.Config, logger *zap.Logger, rdb *redis.Client, reg *prometheus.Registry, deps jobs.Deps) (*app, error) {
	recorder := metrics.New(reg)
	broadcaster := progress.NewBroadcaster(logger.Named("progress"))
	metrics.RegisterSubscriberGauge(reg, broadcaster.Total)

	cacheStore := cache.NewStore(rdb, logger.Named("cache"), recorder)
	registry := jobs.NewRegistry()
	source := sculpture.NewHTTPSource(cfg.TelemetryAPIURL, time.Duration(cfg.TelemetryTimeoutSeconds)*time.Second)
	service, err := sculpture.NewService(source, cfg.SculptureCacheTTL(), cfg.SessionCacheTTL(), logger)
	if err != nil {
		return nil, err
	}
	if err := service.Register(registry); err != nil {
		return nil, err
	}

	deps.Store = jobs.NewStore(rdb, cfg.ResultTTL())
	deps.Cache = cacheStore
	deps.Broadcaster = broadcaster
	deps.Registry = registry
	deps.Metrics = recorder
	deps.Logger = logger
	manager, err := jobs.NewManager(cfg, deps)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:         cfg,
		logger:      logger,
		rdb:         rdb,
		manager:     manager,
		cache:       cacheStore,
		broadcaster: broadcaster,
		sculptures:  service,
		auth:        auth.NewManager(cfg, logger),
		gatherer:    reg,
	}, nil
}

func newRouter(a *app) *gin.Engine {
	router := gin.New()
	router.Use(logging.GinMiddleware(a.logger), gin.Recovery())

	// セッションストアの設定（管理者ログイン用）
	store := cookie.NewStore([]byte(a.cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   a.cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	if origins := splitOrigins(a.cfg.CORSAllowedOrigins); len(origins) > 0 {
		corsConfig.AllowOrigins = origins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowCredentials = true
	corsConfig.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", auth.CSRFHeader}
	corsConfig.ExposeHeaders = []string{auth.CSRFHeader}
	router.Use(cors.New(corsConfig))

	setupRoutes(router, a)
	return router
}

// setupRoutes は API とライブチャネルの配線を行います。
func setupRoutes(router *gin.Engine, a *app) {
	router.GET("/health", a.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler(a.gatherer)))
	router.GET("/ws/tasks/:id", a.handleTaskSocket)

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", a.auth.Login)
			authRoutes.POST("/logout", a.auth.RequireLogin(), a.auth.VerifyCSRF(), a.auth.Logout)
		}

		api.GET("/events/:year", a.handleEvents)
		api.GET("/sessions/:year/:round", a.handleEventSessions)

		tasks := api.Group("/tasks")
		{
			tasks.POST("/sculpture", submitHandler[sculpture.SculptureParams](a, sculpture.JobTypeSculpture))
			tasks.POST("/compare", submitHandler[sculpture.CompareParams](a, sculpture.JobTypeCompare))
			tasks.POST("/session-metadata", submitHandler[sculpture.SessionParams](a, sculpture.JobTypeSessionMetadata))
			tasks.GET("/:id", a.handleTaskStatus)
			tasks.GET("/:id/result", a.handleTaskResult)
			tasks.GET("/:id/history", a.handleTaskHistory)
			tasks.DELETE("/:id", a.handleTaskCancel)
		}

		cacheRoutes := api.Group("/cache")
		{
			cacheRoutes.GET("/stats", a.handleCacheStats)
			cacheRoutes.DELETE("", a.auth.RequireLogin(), a.auth.VerifyCSRF(), a.handleCacheClear)
		}
	}
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

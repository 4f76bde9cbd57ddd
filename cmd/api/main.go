package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/campushq/class-enroll-api/api/swagger"
	"github.com/campushq/class-enroll-api/internal/handler"
	"github.com/campushq/class-enroll-api/internal/middleware"
	"github.com/campushq/class-enroll-api/internal/models"
	"github.com/campushq/class-enroll-api/internal/repository"
	"github.com/campushq/class-enroll-api/internal/service"
	"github.com/campushq/class-enroll-api/pkg/cache"
	"github.com/campushq/class-enroll-api/pkg/config"
	"github.com/campushq/class-enroll-api/pkg/database"
	"github.com/campushq/class-enroll-api/pkg/logger"
	corsmiddleware "github.com/campushq/class-enroll-api/pkg/middleware/cors"
	reqidmiddleware "github.com/campushq/class-enroll-api/pkg/middleware/requestid"
	"github.com/campushq/class-enroll-api/pkg/storage"
)

// @title Class Enroll API
// @version 0.1.0
// @description Class enrollment with capacity-aware admission and FIFO waitlist promotion
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if err := database.Migrate(cfg.Database); err != nil {
		logr.Sugar().Fatalw("migrations failed", "error", err)
	}
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("database connection failed", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, stats cache disabled", "error", err)
		redisClient = nil
	}

	validate := validator.New()
	metricsSvc := service.NewMetricsService()

	enrollmentRepo := repository.NewEnrollmentRepository(db)
	classRepo := repository.NewClassRepository(db)
	formRepo := repository.NewFormRepository(db)
	userRepo := repository.NewUserRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		TokenSecret: cfg.JWT.Secret,
		TokenExpiry: cfg.JWT.Expiration,
		Issuer:      cfg.JWT.Issuer,
	})
	enrollmentSvc := service.NewEnrollmentService(enrollmentRepo, classRepo, formRepo, cacheRepo, metricsSvc, cfg.Enrollment.StatsCacheTTL, validate, logr)
	classSvc := service.NewClassService(classRepo, formRepo, validate, logr)
	formSvc := service.NewFormService(formRepo, validate, logr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reconciler *service.ReconcilerService
	if cfg.Enrollment.ReconcilerEnabled {
		reconciler = service.NewReconcilerService(enrollmentRepo, cacheRepo, metricsSvc, cfg.Enrollment.ReconcilerInterval, logr)
		reconciler.Start(ctx)
		defer reconciler.Stop()
	}

	var exportSvc *service.ExportService
	if cfg.Exports.Enabled {
		store, err := storage.NewLocalStorage(cfg.Exports.StorageDir)
		if err != nil {
			logr.Sugar().Fatalw("exports storage init failed", "error", err)
		}
		signer := storage.NewSignedURLSigner(cfg.Exports.SignedURLSecret, cfg.Exports.SignedURLTTL)
		exportRepo := repository.NewExportRepository(db)
		exportSvc = service.NewExportService(exportRepo, enrollmentRepo, classRepo, store, signer, service.ExportQueueConfig{
			Workers:    cfg.Exports.WorkerConcurrency,
			MaxRetries: cfg.Exports.WorkerRetries,
		}, logr)
		exportSvc.Start(ctx)
		defer exportSvc.Stop()
	}

	authHandler := handler.NewAuthHandler(authSvc)
	classHandler := handler.NewClassHandler(classSvc)
	formHandler := handler.NewFormHandler(formSvc)
	enrollmentHandler := handler.NewEnrollmentHandler(enrollmentSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.POST("/auth/login", authHandler.Login)

	authed := api.Group("")
	authed.Use(middleware.JWT(authSvc))

	adminOnly := middleware.RequireRoles(models.RoleAdmin)

	authed.GET("/auth/me", authHandler.Me)

	authed.GET("/classes", classHandler.List)
	authed.GET("/classes/:id", classHandler.Get)
	authed.POST("/classes", adminOnly, classHandler.Create)
	authed.PUT("/classes/:id", adminOnly, classHandler.Update)

	authed.GET("/forms/:id", formHandler.Get)
	authed.POST("/forms", adminOnly, formHandler.Create)
	authed.PUT("/forms/:id", adminOnly, formHandler.UpdateSchema)

	authed.POST("/classes/:id/enrollments", enrollmentHandler.Apply)
	authed.GET("/classes/:id/enrollments/stats", enrollmentHandler.Stats)
	authed.GET("/enrollments", enrollmentHandler.List)
	authed.GET("/enrollments/:id", enrollmentHandler.Get)
	authed.PATCH("/enrollments/:id/decision", adminOnly, enrollmentHandler.Decide)
	authed.DELETE("/enrollments/:id", enrollmentHandler.Cancel)
	authed.PUT("/enrollments/:id/answers", enrollmentHandler.UpdateAnswers)

	if exportSvc != nil {
		exportHandler := handler.NewExportHandler(exportSvc)
		authed.POST("/classes/:id/exports", adminOnly, exportHandler.Request)
		authed.GET("/exports/:id", adminOnly, exportHandler.Status)
		api.GET("/exports/download", exportHandler.Download)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}

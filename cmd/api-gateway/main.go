package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/sma-performance-api/api/swagger"
	"github.com/noah-isme/sma-performance-api/internal/handler"
	"github.com/noah-isme/sma-performance-api/internal/middleware"
	"github.com/noah-isme/sma-performance-api/internal/models"
	"github.com/noah-isme/sma-performance-api/internal/repository"
	"github.com/noah-isme/sma-performance-api/internal/service"
	"github.com/noah-isme/sma-performance-api/pkg/cache"
	"github.com/noah-isme/sma-performance-api/pkg/config"
	"github.com/noah-isme/sma-performance-api/pkg/database"
	"github.com/noah-isme/sma-performance-api/pkg/jobs"
	"github.com/noah-isme/sma-performance-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-performance-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-performance-api/pkg/middleware/requestid"
	"github.com/noah-isme/sma-performance-api/pkg/storage"
)

// @title School Performance API
// @version 1.0.0
// @description Academic performance aggregation pipeline: per-student results, cohort statistics and subject lifetime rollups
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

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

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, cache disabled", "error", err)
		redisClient = nil
	}

	validate := validator.New()
	metrics := service.NewMetricsService()

	// Repositories.
	userRepo := repository.NewUserRepository(db)
	subjectRepo := repository.NewSubjectRepository(db)
	termRepo := repository.NewTermRepository(db)
	assessmentRepo := repository.NewAssessmentRepository(db)
	scoreRepo := repository.NewScoreRepository(db)
	rosterRepo := repository.NewRosterRepository(db)
	performanceRepo := repository.NewPerformanceRepository(db)

	var cacheSvc *service.CacheService
	if redisClient != nil {
		cacheRepo := repository.NewCacheRepository(redisClient, logr)
		cacheSvc = service.NewCacheService(cacheRepo, metrics, cfg.Performance.CacheTTL, logr, true)
	}

	// Services.
	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "school-performance-api",
	})
	userSvc := service.NewUserService(userRepo, validate, logr)
	studentSvc := service.NewStudentPerformanceService(assessmentRepo, scoreRepo, subjectRepo, termRepo, performanceRepo, logr)
	cohortSvc := service.NewCohortPerformanceService(rosterRepo, assessmentRepo, performanceRepo, subjectRepo, termRepo, performanceRepo, cacheSvc, logr)
	lifetimeSvc := service.NewSubjectLifetimeService(performanceRepo, performanceRepo, termRepo, subjectRepo, logr)

	triggerSvc := service.NewPerformanceTriggerService(studentSvc, cohortSvc, lifetimeSvc, rosterRepo, jobs.QueueConfig{
		Workers:    cfg.Performance.WorkerConcurrency,
		BufferSize: cfg.Performance.QueueBufferSize,
		MaxRetries: cfg.Performance.WorkerRetries,
		RetryDelay: cfg.Performance.WorkerRetryDelay,
		Logger:     logr,
	}, logr)
	triggerSvc.SetMetrics(metrics)

	assessmentSvc := service.NewAssessmentService(assessmentRepo, scoreRepo, rosterRepo, triggerSvc, validate, logr)
	catalogSvc := service.NewCatalogService(subjectRepo, termRepo, rosterRepo, validate, logr)

	var exportSvc *service.ExportService
	if cfg.Exports.Enabled {
		fileStore, err := storage.NewLocalStorage(cfg.Exports.StorageDir)
		if err != nil {
			logr.Sugar().Fatalw("failed to init export storage", "error", err)
		}
		signer := storage.NewSignedURLSigner(cfg.Exports.SignedURLSecret, cfg.Exports.SignedURLTTL)
		exportSvc = service.NewExportService(performanceRepo, fileStore, signer, service.ExportConfig{
			APIPrefix: cfg.APIPrefix,
			ResultTTL: cfg.Exports.SignedURLTTL,
		}, logr, nil, nil)
	}

	// Handlers.
	authHandler := handler.NewAuthHandler(authSvc)
	userHandler := handler.NewUserHandler(userSvc)
	assessmentHandler := handler.NewAssessmentHandler(assessmentSvc)
	performanceHandler := handler.NewPerformanceHandler(studentSvc, cohortSvc, lifetimeSvc, triggerSvc)
	catalogHandler := handler.NewCatalogHandler(catalogSvc)
	metricsHandler := handler.NewMetricsHandler(metrics)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.WithResponseMeta())
	r.Use(middleware.Metrics(metrics))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/forgot-password", authHandler.ForgotPassword)
		auth.POST("/reset-password", authHandler.ResetPassword)

		authed := auth.Group("", middleware.JWT(authSvc))
		authed.POST("/logout", authHandler.Logout)
		authed.POST("/change-password", authHandler.ChangePassword)
		authed.GET("/me", authHandler.Me)
	}

	users := api.Group("/users", middleware.JWT(authSvc))
	{
		admins := middleware.RequireRoles(models.RolePrincipal, models.RoleAdmin)
		users.GET("", admins, userHandler.List)
		users.POST("", admins, middleware.Audit(userRepo, "user.create", "users"), userHandler.Create)
		users.GET("/:id", middleware.RBAC(string(models.RolePrincipal), string(models.RoleAdmin), "SELF"), userHandler.Get)
		users.PUT("/:id", admins, middleware.Audit(userRepo, "user.update", "users"), userHandler.Update)
		users.DELETE("/:id", admins, middleware.Audit(userRepo, "user.delete", "users"), userHandler.Delete)
	}

	assessments := api.Group("/assessments", middleware.JWT(authSvc))
	{
		assessments.GET("", assessmentHandler.List)
		staff := middleware.RequireRoles(models.RolePrincipal, models.RoleAdmin, models.RoleTeacher)
		assessments.POST("", staff, assessmentHandler.Create)
		assessments.POST("/:id/submissions", staff, assessmentHandler.CollectSubmissions)
		assessments.POST("/:id/transcripts", staff, assessmentHandler.RecordTranscripts)
		assessments.POST("/:id/moderate", middleware.RequireRoles(models.RolePrincipal, models.RoleAdmin),
			middleware.Audit(userRepo, "assessment.moderate", "assessments"), assessmentHandler.ModerateScore)
		assessments.POST("/:id/release", staff,
			middleware.Audit(userRepo, "assessment.release", "assessments"), assessmentHandler.ReleaseGrades)
	}

	subjects := api.Group("/subjects", middleware.JWT(authSvc))
	{
		admins := middleware.RequireRoles(models.RolePrincipal, models.RoleAdmin)
		subjects.GET("", catalogHandler.ListSubjects)
		subjects.GET("/:id", catalogHandler.GetSubject)
		subjects.POST("", admins, middleware.Audit(userRepo, "subject.create", "subjects"), catalogHandler.CreateSubject)
		subjects.PUT("/:id", admins, middleware.Audit(userRepo, "subject.update", "subjects"), catalogHandler.UpdateSubject)
		subjects.DELETE("/:id", admins, middleware.Audit(userRepo, "subject.delete", "subjects"), catalogHandler.DeleteSubject)
	}

	terms := api.Group("/terms", middleware.JWT(authSvc))
	{
		admins := middleware.RequireRoles(models.RolePrincipal, models.RoleAdmin)
		terms.GET("", catalogHandler.ListTerms)
		terms.GET("/active", catalogHandler.ActiveTerm)
		terms.GET("/:id", catalogHandler.GetTerm)
		terms.POST("", admins, middleware.Audit(userRepo, "term.create", "terms"), catalogHandler.CreateTerm)
		terms.POST("/:id/activate", admins, middleware.Audit(userRepo, "term.activate", "terms"), catalogHandler.ActivateTerm)
		terms.DELETE("/:id", admins, middleware.Audit(userRepo, "term.delete", "terms"), catalogHandler.DeleteTerm)
	}

	api.GET("/classrooms", middleware.JWT(authSvc), catalogHandler.ListClassrooms)

	performance := api.Group("/performance", middleware.JWT(authSvc))
	{
		performance.GET("/students/:student_id/subjects/:subject_id/terms/:term_id", performanceHandler.StudentResult)
		performance.GET("/classrooms/:classroom_id/subjects/:subject_id/terms/:term_id", performanceHandler.ClassroomStats)
		performance.GET("/subjects/:subject_id/terms/:term_id", performanceHandler.SubjectStats)
		performance.GET("/subjects/:subject_id/lifetime", performanceHandler.SubjectLifetime)

		staff := middleware.RequireRoles(models.RolePrincipal, models.RoleAdmin, models.RoleTeacher)
		performance.POST("/recompute", staff, performanceHandler.RecomputeStudent)
		performance.POST("/roster-changed", staff, performanceHandler.RosterChanged)
	}

	api.GET("/system/metrics", middleware.JWT(authSvc),
		middleware.RequireRoles(models.RolePrincipal, models.RoleAdmin), metricsHandler.Summary)

	if exportSvc != nil {
		exportHandler := handler.NewExportHandler(exportSvc)
		api.POST("/exports", middleware.JWT(authSvc),
			middleware.RequireRoles(models.RolePrincipal, models.RoleAdmin, models.RoleTeacher), exportHandler.Create)
		api.GET("/export/:token", exportHandler.Download)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	triggerSvc.Start(ctx)
	defer triggerSvc.Stop()

	if exportSvc != nil && cfg.Exports.CleanupInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.Exports.CleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if removed, err := exportSvc.Cleanup(0); err != nil {
						logr.Sugar().Warnw("export cleanup failed", "error", err)
					} else if len(removed) > 0 {
						logr.Sugar().Infow("export cleanup", "removed", len(removed))
					}
				}
			}
		}()
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	checkerRepo "inloop/internal/checker/repository"
	checker "inloop/internal/checker/service"
	"inloop/internal/common/cache"
	"inloop/internal/common/db"
	commonmw "inloop/internal/common/http/middleware"
	"inloop/internal/common/mq"
	"inloop/internal/common/settings"
	"inloop/internal/common/signals"
	"inloop/internal/common/storage"
	"inloop/internal/sandbox"
	submissionController "inloop/internal/submission/controller"
	submissionRepo "inloop/internal/submission/repository"
	submissionService "inloop/internal/submission/service"
	taskController "inloop/internal/task/controller"
	"inloop/internal/task/loader"
	taskRepo "inloop/internal/task/repository"
	"inloop/pkg/utils/logger"

	"github.com/docker/docker/client"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/inloop.yaml"

type handlers struct {
	tasks       *taskController.TaskController
	webhook     *taskController.WebhookController
	submissions *submissionController.SubmissionController
	stream      *submissionController.StatusHub
}

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "inloop server stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer func() {
		_ = mysqlDB.Close()
	}()
	if appCfg.AutoMigrate {
		if err := db.Migrate(rootCtx, mysqlDB); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		return fmt.Errorf("init redis: %w", err)
	}
	defer func() {
		_ = redisCache.Close()
	}()

	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("init docker client: %w", err)
	}
	defer func() {
		_ = docker.Close()
	}()

	var publisher mq.Publisher = mq.NopPublisher{}
	if len(appCfg.Kafka.Brokers) > 0 {
		kafka, err := mq.NewKafkaPublisher(appCfg.Kafka)
		if err != nil {
			return fmt.Errorf("init kafka: %w", err)
		}
		publisher = kafka
	}
	defer func() {
		_ = publisher.Close()
	}()

	bus := signals.NewBus()
	dynamic := settings.New(settingsDefaults(appCfg), redisCache)

	tasks := taskRepo.NewTaskRepository(mysqlDB, redisCache)
	submissions := submissionRepo.NewSubmissionRepositoryWithTTL(mysqlDB, redisCache, appCfg.Submission.CacheTTL, appCfg.Submission.EmptyTTL)
	results := checkerRepo.NewResultRepository(mysqlDB)

	runner, err := sandbox.NewRunner(docker, appCfg.Sandbox)
	if err != nil {
		return fmt.Errorf("init sandbox runner: %w", err)
	}
	builder, err := sandbox.NewImageBuilder(docker, appCfg.Sandbox)
	if err != nil {
		return fmt.Errorf("init image builder: %w", err)
	}

	loaderOpts := []loader.Option{loader.WithOrigin(dynamic)}
	if appCfg.Loader.FailOnBuildError {
		loaderOpts = append(loaderOpts, loader.WithImageBuilder(builder))
	} else {
		bus.RepositoryLoaded.Connect("image_builder", builder.HandleRepositoryLoaded)
	}
	taskLoader := loader.NewLoader(appCfg.Loader, mysqlDB, tasks, bus, loaderOpts...)
	dynamic.OnChange(func(ctx context.Context, name, value string) {
		taskLoader.Trigger(ctx)
	}, settings.GitloadURL, settings.GitloadBranch)

	submitService, err := submissionService.NewSubmissionService(submissionService.Config{
		DB:             mysqlDB,
		SubmissionRepo: submissions,
		TaskRepo:       tasks,
		Bus:            bus,
		Limits:         limitsFrom(dynamic, appCfg),
		MediaRoot:      appCfg.Submission.MediaRoot,
	})
	if err != nil {
		return fmt.Errorf("init submission service: %w", err)
	}

	dispatcher, err := checker.NewDispatcher(checker.Config{
		DB:             mysqlDB,
		SubmissionRepo: submissions,
		ResultRepo:     results,
		TaskRepo:       tasks,
		Cache:          redisCache,
		Runner:         runner,
		Bus:            bus,
		Workers:        appCfg.Checker.Workers,
		QueueSize:      appCfg.Checker.QueueSize,
		PersistTimeout: appCfg.Checker.PersistTimeout,
	})
	if err != nil {
		return fmt.Errorf("init check dispatcher: %w", err)
	}
	bus.SubmissionSubmitted.Connect("dispatcher", dispatcher.HandleSubmissionSubmitted)

	var archiver *submissionService.Archiver
	if appCfg.MinIO.Enabled() {
		objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			return fmt.Errorf("init minio: %w", err)
		}
		archiver, err = submissionService.NewArchiver(objStorage, appCfg.Submission.ArchiveBucket, appCfg.Submission.MediaRoot)
		if err != nil {
			return fmt.Errorf("init archiver: %w", err)
		}
		bus.SubmissionSubmitted.Connect("archiver", archiver.HandleSubmissionSubmitted)
	}

	events := checker.NewEventPublisher(publisher, appCfg.Checker.Topic)
	bus.SubmissionChecked.Connect("event_publisher", events.HandleSubmissionChecked)
	hub := submissionController.NewStatusHub(appCfg.Server.AllowedOrigins)
	bus.SubmissionChecked.Connect("status_stream", hub.HandleSubmissionChecked)

	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	if err := dynamic.Watch(workCtx); err != nil {
		logger.Warn(rootCtx, "settings watch unavailable", zap.Error(err))
	}
	dispatchDone := make(chan error, 1)
	go func() {
		dispatchDone <- dispatcher.Run(workCtx)
	}()
	if appCfg.LoadOnStart {
		taskLoader.Trigger(rootCtx)
	}

	auth := commonmw.NewAuthenticator(appCfg.Auth.Secret, appCfg.Auth.Issuer, redisCache)
	httpServer := buildHTTPServer(appCfg.Server, auth, handlers{
		tasks:   taskController.NewTaskController(tasks, taskLoader),
		webhook: taskController.NewWebhookController(appCfg.Loader.WebhookSecret, taskLoader, taskLoader),
		submissions: submissionController.NewSubmissionController(submitService, results, submissionController.Config{
			LostTimeout:    appCfg.Submission.LostTimeout,
			InputMount:     appCfg.Sandbox.InputMount,
			MaxUploadBytes: appCfg.Submission.MaxUploadBytes,
		}),
		stream: hub,
	})
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(rootCtx, "inloop http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-rootCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}

	cancelWork()
	if err := <-dispatchDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(context.Background(), "check dispatcher stopped", zap.Error(err))
	}
	taskLoader.Wait()
	builder.Wait()
	if archiver != nil {
		archiver.Wait()
	}
	events.Wait()
	return nil
}

func limitsFrom(dynamic *settings.Settings, appCfg *AppConfig) submissionService.LimitsSource {
	return submissionService.LimitsFunc(func(ctx context.Context) submissionService.Limits {
		extensions, err := dynamic.Get(ctx, settings.AllowedFilenameExtensions)
		if err != nil {
			extensions = appCfg.Submission.AllowedExtensions
		}
		return submissionService.Limits{
			MaxSubmissions:    dynamic.Int(ctx, settings.MaxSubmissions, appCfg.Submission.MaxSubmissions),
			DeadlineTolerance: dynamic.Seconds(ctx, settings.DeadlineTolerance, appCfg.Submission.DeadlineTolerance),
			AllowedExtensions: extensions,
		}
	})
}

func buildHTTPServer(cfg ServerConfig, auth *commonmw.Authenticator, h handlers) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	router.Any("/github-webhook", h.webhook.Handle)

	api := router.Group("/api/v1", commonmw.RequireAuth(auth))
	api.GET("/tasks", h.tasks.List)
	api.GET("/tasks/:slug", h.tasks.Get)
	api.POST("/tasks/:slug/submissions", h.submissions.Create)
	api.GET("/tasks/:slug/submissions", h.submissions.List)
	api.GET("/submissions/:id", h.submissions.Get)
	api.GET("/submissions/:id/report", h.submissions.Report)
	api.GET("/ws", h.stream.Serve)

	router.POST("/api/v1/admin/load_tasks", commonmw.RequireAuth(auth, commonmw.RoleStaff), h.tasks.LoadTasks)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

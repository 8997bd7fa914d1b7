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

	"contestjudge/internal/common/auth"
	"contestjudge/internal/common/cache"
	"contestjudge/internal/common/db"
	commonmw "contestjudge/internal/common/http/middleware"
	"contestjudge/internal/common/mq"
	"contestjudge/internal/common/storage"
	"contestjudge/internal/judge/controller"
	"contestjudge/internal/judge/engine"
	"contestjudge/internal/judge/language"
	"contestjudge/internal/judge/metrics"
	"contestjudge/internal/judge/progress"
	"contestjudge/internal/judge/repository"
	"contestjudge/internal/judge/sandbox"
	"contestjudge/internal/judge/service"
	appErr "contestjudge/pkg/errors"
	"contestjudge/pkg/utils/logger"
	"contestjudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultConfigPath = "configs/judge_service.yaml"

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
		logger.Error(context.Background(), "judge service exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	bg := context.Background()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		return fmt.Errorf("init database failed: %w", err)
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		return fmt.Errorf("init redis failed: %w", err)
	}
	defer func() {
		_ = redisCache.Close()
	}()

	recorder, err := metrics.NewRecorder(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("init metrics failed: %w", err)
	}

	verifier, err := auth.NewVerifier(appCfg.Auth, redisCache)
	if err != nil {
		return fmt.Errorf("init token verifier failed: %w", err)
	}

	resolver, err := language.NewResolver(appCfg.Languages...)
	if err != nil {
		return fmt.Errorf("init language resolver failed: %w", err)
	}

	provider, err := sandbox.NewProcessProvider(appCfg.Sandbox)
	if err != nil {
		return fmt.Errorf("init sandbox provider failed: %w", err)
	}

	var archive *repository.SourceArchive
	if appCfg.MinIO.Endpoint != "" {
		objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			return fmt.Errorf("init minio failed: %w", err)
		}
		archive, err = repository.NewSourceArchive(objStorage, appCfg.Source.Bucket)
		if err != nil {
			return fmt.Errorf("init source archive failed: %w", err)
		}
		defer func() {
			_ = archive.Close()
		}()
	}

	var (
		queue        *mq.KafkaQueue
		producer     mq.Producer
		statusEvents repository.StatusEventPublisher
	)
	if len(appCfg.Kafka.Brokers) > 0 {
		queue, err = mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
		if err != nil {
			return fmt.Errorf("init kafka failed: %w", err)
		}
		defer func() {
			_ = queue.Close()
		}()
		producer = queue
		statusEvents = repository.NewMQStatusEventPublisher(queue, appCfg.Status.FinalTopic)
	}

	hub := progress.NewHub(progress.HubOptions{
		QueueSize:  appCfg.Progress.QueueSize,
		PingPeriod: appCfg.Progress.PingPeriod,
		Metrics:    recorder,
	})
	defer hub.Close()

	grader := engine.New(provider, resolver, hub,
		engine.WithMetrics(recorder),
		engine.WithTeardownTimeout(appCfg.Judge.TeardownTimeout),
	)
	coordinator := service.NewCoordinator(repository.NewTestCaseRepository(mysqlDB, redisCache), grader, hub)

	judgeSvc, err := service.NewService(service.Config{
		Coordinator:    coordinator,
		Languages:      resolver,
		Problems:       repository.NewProblemRepository(mysqlDB, redisCache),
		Submissions:    repository.NewSubmissionRepository(mysqlDB),
		StatusRepo:     repository.NewStatusRepository(redisCache, appCfg.Status.TTL),
		Archive:        archive,
		Producer:       producer,
		StatusEvents:   statusEvents,
		Cache:          redisCache,
		Metrics:        recorder,
		Mode:           service.Mode(appCfg.Judge.Mode),
		JudgeTopic:     appCfg.Kafka.JudgeTopic,
		MaxCodeBytes:   appCfg.Judge.MaxCodeBytes,
		IdempotencyTTL: appCfg.Judge.IdempotencyTTL,
		WorkerPoolSize: appCfg.Judge.PoolSize,
		SlotWait:       appCfg.Judge.SlotWait,
		RateLimit: service.RateLimitConfig{
			UserMax: appCfg.RateLimit.UserMax,
			Window:  appCfg.RateLimit.Window,
		},
		Timeouts: appCfg.Judge.timeouts(appCfg.Source.Timeout, appCfg.Status.Timeout),
	})
	if err != nil {
		return fmt.Errorf("init judge service failed: %w", err)
	}

	if judgeSvc.Mode() == service.ModeAsync {
		if err := queue.Subscribe(bg, appCfg.Kafka.JudgeTopic, judgeSvc.HandleMessage, appCfg.Kafka.subscribeOptions()); err != nil {
			return fmt.Errorf("subscribe kafka failed: %w", err)
		}
		if err := queue.Start(); err != nil {
			return fmt.Errorf("start kafka consumer failed: %w", err)
		}
		defer func() {
			_ = queue.Stop()
		}()
	}

	router := buildRouter(routerDeps{
		judge:    controller.NewJudgeController(judgeSvc, resolver),
		progress: progress.NewHandler(hub, verifier),
		auth:     verifier,
		metrics:  recorder.Handler(),
		health: func(ctx context.Context) error {
			if err := mysqlDB.Ping(ctx); err != nil {
				return err
			}
			return redisCache.Ping(ctx)
		},
	})
	httpServer := &http.Server{
		Addr:         appCfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  appCfg.Server.ReadTimeout,
		WriteTimeout: appCfg.Server.WriteTimeout,
		IdleTimeout:  appCfg.Server.IdleTimeout,
	}
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener failed: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(bg, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(sigCtx)
	group.Go(func() error {
		logger.Info(bg, "judge http server started",
			zap.String("addr", appCfg.Server.Addr),
			zap.String("mode", appCfg.Judge.Mode),
			zap.Strings("languages", resolver.Supported()),
		)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info(bg, "shutting down judge service")
		ctx, cancel := context.WithTimeout(bg, defaultShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(ctx)
	})
	return group.Wait()
}

type routerDeps struct {
	judge    *controller.JudgeController
	progress *progress.Handler
	auth     commonmw.Authenticator
	metrics  http.Handler
	health   func(ctx context.Context) error
}

func buildRouter(deps routerDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := deps.health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(deps.metrics))

	api := router.Group("/api/v1/judge")
	api.GET("/ws", deps.progress.Serve)
	api.GET("/languages", deps.judge.Languages)

	authed := api.Group("")
	authed.Use(commonmw.AuthMiddleware(deps.auth))
	authed.POST("/submissions", deps.judge.Submit)
	authed.GET("/submissions/:id", deps.judge.GetStatus)

	router.NoRoute(func(c *gin.Context) {
		response.ErrorWithCode(c, appErr.NotFound, "route not found")
	})
	return router
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

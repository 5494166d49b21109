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

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"arbiter/internal/common/cache"
	"arbiter/internal/common/db"
	"arbiter/internal/common/mq"
	"arbiter/internal/judge/artifact"
	"arbiter/internal/judge/judge"
	"arbiter/internal/judge/sandbox/engine"
	"arbiter/internal/judge/state"
	"arbiter/internal/judge/testcase"
	appErr "arbiter/pkg/errors"
	"arbiter/pkg/utils/logger"
)

const (
	defaultConfigPath      = "configs/judge_worker.yaml"
	defaultShutdownTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()
	ctx := context.Background()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		logger.Error(ctx, "init database failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(ctx, "init redis failed", zap.Error(err))
		return
	}
	defer func() {
		_ = redisCache.Close()
	}()

	stream, err := mq.NewRedisStream(appCfg.Stream.Redis)
	if err != nil {
		logger.Error(ctx, "init job stream failed", zap.Error(err))
		return
	}
	defer func() {
		_ = stream.Close()
	}()

	store, err := artifact.NewStore(appCfg.ArtifactRoot)
	if err != nil {
		logger.Error(ctx, "init artifact store failed", zap.Error(err))
		return
	}

	driver, err := engine.NewEngine(appCfg.Sandbox)
	if err != nil {
		logger.Error(ctx, "init sandbox engine failed", zap.Error(err))
		return
	}

	var verdictPublisher state.VerdictPublisher
	if len(appCfg.Events.Kafka.Brokers) > 0 {
		kafkaPublisher, err := mq.NewKafkaPublisher(appCfg.Events.Kafka)
		if err != nil {
			logger.Error(ctx, "init kafka publisher failed", zap.Error(err))
			return
		}
		defer func() {
			_ = kafkaPublisher.Close()
		}()
		verdictPublisher = state.NewMQVerdictPublisher(kafkaPublisher, appCfg.Events.VerdictTopic)
	}

	recorder := state.NewMySQLRecorder(mysqlDB)
	statusCache := state.NewStatusCache(redisCache, appCfg.Status.TTL)
	limits := appCfg.sandboxLimits()
	caseCache := testcase.NewCache(store, driver, limits, redisCache, appCfg.CacheLockWait)

	worker, err := judge.NewWorker(judge.Config{
		Recorder: recorder,
		Status:   statusCache,
		Verdicts: verdictPublisher,
		Driver:   driver,
		Store:    store,
		Cases:    caseCache,
		Limits:   limits,
		Image:    appCfg.runImage(),
	})
	if err != nil {
		logger.Error(ctx, "init judge worker failed", zap.Error(err))
		return
	}

	consumerName := appCfg.Stream.ConsumerName
	if consumerName == "" {
		consumerName = "judge-" + uuid.NewString()[:8]
	}

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = stream.Subscribe(shutdownCtx, appCfg.Stream.RunStream, worker.HandleMessage, &mq.SubscribeOptions{
		Group:        appCfg.Stream.ConsumerGroup,
		Consumer:     consumerName,
		Concurrency:  appCfg.Concurrency,
		BlockTimeout: appCfg.Stream.BlockTimeout,
		MinIdle:      appCfg.Stream.MinIdle,
	})
	if err != nil {
		logger.Error(ctx, "subscribe run stream failed", zap.Error(err))
		return
	}
	if err := stream.Start(); err != nil {
		logger.Error(ctx, "start consumer failed", zap.Error(err))
		return
	}
	logger.Info(ctx, "judge worker started",
		zap.String("stream", appCfg.Stream.RunStream),
		zap.String("consumer", consumerName),
		zap.Int("concurrency", appCfg.Concurrency))

	httpServer := buildHTTPServer(appCfg.Server, statusCache)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(ctx, "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "judge http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	shutdownTimeout, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownTimeout); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	_ = stream.Stop()
}

func buildHTTPServer(cfg ServerConfig, statusCache *state.StatusCache) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	api := router.Group("/api/v1/judge")
	api.GET("/submissions/:id", func(c *gin.Context) {
		status, err := statusCache.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			if appErr.Is(err, appErr.NotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "submission status not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "status lookup failed"})
			return
		}
		c.JSON(http.StatusOK, status)
	})

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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"arbiter/internal/common/cache"
	"arbiter/internal/common/db"
	"arbiter/internal/common/mq"
	"arbiter/internal/judge/artifact"
	"arbiter/internal/judge/compiler"
	"arbiter/internal/judge/sandbox/engine"
	"arbiter/internal/judge/state"
	"arbiter/pkg/utils/logger"
)

const defaultConfigPath = "configs/compile_worker.yaml"

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

	var statusCache *state.StatusCache
	if appCfg.Redis.Addr != "" {
		redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
		if err != nil {
			logger.Error(ctx, "init redis failed", zap.Error(err))
			return
		}
		defer func() {
			_ = redisCache.Close()
		}()
		statusCache = state.NewStatusCache(redisCache, 0)
	}

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

	images, err := appCfg.compileImages()
	if err != nil {
		logger.Error(ctx, "parse compile images failed", zap.Error(err))
		return
	}

	recorder := state.NewMySQLRecorder(mysqlDB)
	problems := state.NewMySQLProblemReader(mysqlDB, appCfg.RunDefaults.TimeMs, appCfg.RunDefaults.MemoryKB)

	worker, err := compiler.NewWorker(compiler.Config{
		Recorder:  recorder,
		Problems:  problems,
		Status:    statusCache,
		Driver:    driver,
		Store:     store,
		Producer:  stream,
		RunStream: appCfg.Stream.RunStream,
		Limits:    appCfg.sandboxLimits(),
		Contract:  appCfg.archiveContract(),
		Images:    images,
	})
	if err != nil {
		logger.Error(ctx, "init compile worker failed", zap.Error(err))
		return
	}

	consumerName := appCfg.Stream.ConsumerName
	if consumerName == "" {
		consumerName = "compiler-" + uuid.NewString()[:8]
	}

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = stream.Subscribe(shutdownCtx, appCfg.Stream.CompileStream, worker.HandleMessage, &mq.SubscribeOptions{
		Group:        appCfg.Stream.ConsumerGroup,
		Consumer:     consumerName,
		Concurrency:  appCfg.Concurrency,
		BlockTimeout: appCfg.Stream.BlockTimeout,
		MinIdle:      appCfg.Stream.MinIdle,
	})
	if err != nil {
		logger.Error(ctx, "subscribe compile stream failed", zap.Error(err))
		return
	}
	if err := stream.Start(); err != nil {
		logger.Error(ctx, "start consumer failed", zap.Error(err))
		return
	}
	logger.Info(ctx, "compile worker started",
		zap.String("stream", appCfg.Stream.CompileStream),
		zap.String("consumer", consumerName),
		zap.Int("concurrency", appCfg.Concurrency))

	<-shutdownCtx.Done()
	logger.Info(ctx, "shutdown signal received")
	_ = stream.Stop()
}

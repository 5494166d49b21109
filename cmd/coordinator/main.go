package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"arbiter/internal/common/db"
	"arbiter/internal/common/mq"
	"arbiter/internal/common/storage"
	"arbiter/internal/judge/artifact"
	"arbiter/internal/judge/coordinator"
	"arbiter/internal/judge/state"
	appErr "arbiter/pkg/errors"
	"arbiter/pkg/utils/logger"
)

const (
	defaultConfigPath      = "configs/coordinator.yaml"
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

	stream, err := mq.NewRedisStream(appCfg.Stream)
	if err != nil {
		logger.Error(ctx, "init job stream failed", zap.Error(err))
		return
	}
	defer func() {
		_ = stream.Close()
	}()

	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		logger.Error(ctx, "init minio failed", zap.Error(err))
		return
	}

	store, err := artifact.NewStore(appCfg.ArtifactRoot)
	if err != nil {
		logger.Error(ctx, "init artifact store failed", zap.Error(err))
		return
	}

	coord, err := coordinator.New(coordinator.Config{
		Store:     store,
		Objects:   objStorage,
		Bucket:    appCfg.MinIO.Bucket,
		Recorder:  state.NewMySQLRecorder(mysqlDB),
		Pending:   state.NewMySQLPendingLister(mysqlDB),
		Problems:  state.NewMySQLProblemReader(mysqlDB, appCfg.RunDefaults.TimeMs, appCfg.RunDefaults.MemoryKB),
		Producer:  stream,
		RunStream: appCfg.RunStream,
	})
	if err != nil {
		logger.Error(ctx, "init coordinator failed", zap.Error(err))
		return
	}

	httpServer := buildHTTPServer(appCfg.Server, coord)

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "coordinator http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.ListenAndServe()
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
}

type installRequest struct {
	ObjectKey string `json:"objectKey" binding:"required"`
}

func buildHTTPServer(cfg ServerConfig, coord *coordinator.Coordinator) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api/v1/problems")
	api.POST("/:id/binaries/:slot", func(c *gin.Context) {
		var req installRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "objectKey is required"})
			return
		}
		revived, err := coord.InstallBinary(
			c.Request.Context(),
			c.Param("id"),
			coordinator.BinarySlot(c.Param("slot")),
			req.ObjectKey,
		)
		if err != nil {
			code := appErr.GetCode(err)
			if code == appErr.InvalidParams || code == appErr.ValidationFailed {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "binary install failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"revived": revived})
	})

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

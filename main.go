package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/docverify/internal/auth"
	"github.com/example/docverify/internal/config"
	"github.com/example/docverify/internal/featureextractor"
	"github.com/example/docverify/internal/grpcclient"
	"github.com/example/docverify/internal/handlers"
	"github.com/example/docverify/internal/logging"
	"github.com/example/docverify/internal/ocr/tesseract"
	"github.com/example/docverify/internal/pipeline"
	"github.com/example/docverify/internal/repository"
	"github.com/example/docverify/internal/usecase"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "docverify",
		Short:        "Identity document verification service",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCommand(), newCheckCommand())
	return root
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP verification API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(config.Load())
		},
	}
}

func runServe(cfg config.Config) error {
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		logger.Error("failed to load policy", zap.Error(err), zap.String("path", cfg.PolicyFile))
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db, err := initDatabase(ctx, cfg.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	repo := repository.NewVerificationRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Error("auto migrate failed", zap.Error(err))
		return err
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient, err := initRedis(redisCtx, cfg.RedisAddr, logger)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	extractor, closeExtractor := dialFeatureExtractor(ctx, cfg.FeatureExtractorAddr, logger)
	defer closeExtractor()

	verifier, err := pipeline.New(policy, pipeline.Options{
		OCR:              tesseract.NewEngine(cfg.OCRLanguages, logger),
		FeatureExtractor: extractor,
		OCRTimeout:       cfg.OCRTimeout,
		FeatureTimeout:   cfg.FeatureTimeout,
		Logger:           logger,
	})
	if err != nil {
		logger.Error("failed to build verification pipeline", zap.Error(err))
		return err
	}

	uc := usecase.NewVerificationUseCase(repo, usecase.NewRedisCache(redisClient), verifier, logger)
	authMiddleware := auth.JWTMiddleware(auth.Config{Secret: cfg.JWTSecret, Audience: cfg.JWTAudience})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(uc, authMiddleware),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("docverify API listening", zap.String("addr", cfg.HTTPAddr))
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
		return err
	}
	return nil
}

func newRouter(svc handlers.Service, authMiddleware gin.HandlerFunc) *gin.Engine {
	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(r, svc, authMiddleware)
	return r
}

// dialFeatureExtractor returns a nil client when addr is empty or unreachable; the forgery
// ensemble then runs degraded.
func dialFeatureExtractor(ctx context.Context, addr string, logger *zap.Logger) (featureextractor.Client, func()) {
	if addr == "" {
		logger.Warn("no feature extractor configured, forgery scoring will be degraded")
		return nil, func() {}
	}
	client, conn, err := grpcclient.DialFeatureExtractor(ctx, addr, logger)
	if err != nil {
		logger.Warn("feature extractor unreachable, forgery scoring will be degraded", zap.Error(err))
		return nil, func() {}
	}
	return client, func() { _ = conn.Close() }
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Error("failed to connect to database", zap.Error(err))
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Error("failed to access db handle", zap.Error(err))
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Error("database ping failed", zap.Error(err))
		return nil, err
	}

	return db, nil
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Error("redis connection failed", zap.Error(err), zap.String("addr", addr))
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

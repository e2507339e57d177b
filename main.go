package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/id-verify/internal/auth"
	"github.com/example/id-verify/internal/faceapi"
	"github.com/example/id-verify/internal/flow"
	"github.com/example/id-verify/internal/handlers"
	"github.com/example/id-verify/internal/logging"
	"github.com/example/id-verify/internal/ocr"
	"github.com/example/id-verify/internal/repository"
	"github.com/example/id-verify/internal/store"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	db := initDatabase(ctx, logger)
	repo := repository.NewVerificationRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, logger)
	snapshots := store.NewRedisStore(redisClient)

	engine := ocr.NewTesseractEngine(ocr.DefaultConfig())
	if err := engine.Init(ctx); err != nil {
		logger.Fatal("failed to initialize ocr engine", zap.Error(err))
	}
	defer engine.Close() //nolint:errcheck

	faceURL := getEnv("FACE_API_URL", "http://face-service:8000")
	faceClient := faceapi.NewClient(faceapi.DefaultConfig(faceURL), logger)
	if err := faceClient.HealthCheck(ctx); err != nil {
		logger.Warn("face-analysis service unreachable at startup", zap.Error(err))
	}

	cfg := flowConfig()
	ctrl := flow.NewController(cfg, engine, faceClient, faceClient, snapshots, repo, logger)
	go drainEvents(ctrl, logger)

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize

	jwtSecret := getEnv("JWT_SECRET", "dev-secret")
	jwtAudience := os.Getenv("JWT_AUDIENCE")
	authMiddleware := auth.JWTMiddleware(jwtSecret, jwtAudience)

	handlers.RegisterRoutes(r, ctrl, authMiddleware)
	handlers.RegisterAuditRoutes(r, repo, authMiddleware)

	addr := getEnv("LISTEN_ADDR", ":8080")
	server := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	logger.Info("verification API listening", zap.String("addr", addr))
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// flowConfig applies environment overrides on top of the tuned defaults.
func flowConfig() flow.Config {
	cfg := flow.DefaultConfig()
	if v, err := strconv.ParseFloat(os.Getenv("MATCH_THRESHOLD"), 64); err == nil && v > 0 {
		cfg.MatchThreshold = v
	}
	if v, err := strconv.Atoi(os.Getenv("REQUIRED_BLINKS")); err == nil && v > 0 {
		cfg.Blink.RequiredBlinks = v
	}
	return cfg
}

// drainEvents logs session transitions. The channel must always be consumed
// or the controller starts dropping events.
func drainEvents(ctrl *flow.Controller, logger *zap.Logger) {
	for ev := range ctrl.Events() {
		logger.Info("session event",
			zap.String("type", string(ev.Type)),
			zap.String("session_id", ev.SessionID),
			zap.String("step", string(ev.Step)),
			zap.String("reason", ev.Reason),
		)
	}
}

func initDatabase(ctx context.Context, zapLogger *zap.Logger) *gorm.DB {
	dsn := getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=idverify port=5432 sslmode=disable")
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Info)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, zapLogger *zap.Logger) *redis.Client {
	addr := getEnv("REDIS_ADDR", "redis:6379")
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithListener(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, listener, nil)
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

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Brownie44l1/crop-disease-api/internal/config"
	"github.com/Brownie44l1/crop-disease-api/internal/handlers"
	"github.com/Brownie44l1/crop-disease-api/internal/logging"
	"github.com/Brownie44l1/crop-disease-api/internal/model"
	"github.com/Brownie44l1/crop-disease-api/internal/preprocess"
	"github.com/Brownie44l1/crop-disease-api/internal/upload"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.IsDev())
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	modelServer, err := model.Acquire(ctx, cfg.Model, logger)
	if err != nil {
		logger.Fatal("failed to initialize model server", zap.Error(err))
	}
	defer modelServer.Close()

	engine, err := model.NewEngine(modelServer, cfg.Model.Labels)
	if err != nil {
		logger.Fatal("model and label vocabulary disagree", zap.Error(err))
	}

	handler := handlers.NewHandler(engine,
		upload.NewValidator(cfg.MaxFileSize, cfg.ChunkSize),
		preprocess.New(cfg.Model.ImageSize, cfg.Model.Mean, cfg.Model.Std, cfg.MaxImagePixels),
		logger)

	if !cfg.IsDev() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(handler, cfg.CORSOrigins, logger)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	inputShape := engine.InputShape()
	logger.Info("server starting",
		zap.String("port", cfg.Port),
		zap.String("environment", cfg.Environment),
		zap.Strings("classes", engine.Labels()),
		zap.Int64s("input_shape", inputShape[:]),
		zap.String("max_file_size", upload.FormatMB(cfg.MaxFileSize)),
	)
	logger.Info("endpoints",
		zap.Strings("routes", []string{
			"GET  /               - Health check",
			"POST /predict/       - Predict from image upload",
			"POST /predict/tensor - Raw tensor prediction",
		}),
	)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down HTTP server", zap.Error(err))
	}
}

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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"canteen/internal/access"
	"canteen/internal/api"
	"canteen/internal/auth"
	"canteen/internal/checkin"
	"canteen/internal/cloudinary"
	"canteen/internal/config"
	"canteen/internal/faceclient"
	"canteen/internal/images"
	"canteen/internal/logging"
	"canteen/internal/match"
	"canteen/internal/metrics"
	"canteen/internal/queue"
	"canteen/internal/store"
	"canteen/internal/student"
	"canteen/internal/validate"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.Production())

	if err := run(cfg, logger); err != nil {
		logger.Error(context.Background(), "canteen api failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.App, logger logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, db, err := store.OpenBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	sink, closeAudit, err := store.OpenAudit(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeAudit()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	students := student.Open(ctx, backend, logger.With("component", "store"))
	svc := access.NewService(students, sink, logger.With("component", "access"),
		access.WithLowBalanceWarning(cfg.MinBalanceWarning),
		access.WithObserver(m),
	)

	health := map[string]api.HealthCheck{}
	if db != nil {
		health["db"] = db.Healthy
	}

	var matcher match.FaceMatcher
	if cfg.Matcher == "real" {
		face := faceclient.New(cfg.FaceServiceURL, 30*time.Second)
		if err := face.Health(ctx); err != nil {
			logger.Warn(ctx, "face service not available", "url", cfg.FaceServiceURL, "error", err)
		}
		health["face_service"] = func(ctx context.Context) bool { return face.Health(ctx) == nil }
		matcher = match.NewRealMatcher(face)
	} else {
		logger.Warn(ctx, "using simulated face matcher", "matcher", cfg.Matcher)
		matcher = match.NewSimulatedMatcher()
	}

	lib := images.NewLibrary(cfg.ImagesDir)
	cache := match.NewCache(matcher, lib, cfg.Tolerance, logger.With("component", "match"))
	n, err := cache.Rebuild(ctx)
	if err != nil {
		return err
	}
	logger.Info(ctx, "candidate set loaded", "candidates", n, "students", students.Len())

	var (
		q       queue.Queue
		results checkin.ResultStore
	)
	if cfg.QueueBackend == "redis" {
		rdb := store.NewRedis(cfg.RedisAddr)
		defer rdb.Close()
		health["redis"] = rdb.Healthy
		q = queue.NewRedisQueue(rdb.Client, "")
		results = checkin.NewRedisResults(rdb.Client, cfg.ResultTTL)
	} else {
		q = queue.NewInMemory(64)
		results = checkin.NewMemoryResults(cfg.ResultTTL)
	}

	ops, err := auth.ParseOperators(cfg.Operators)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		logger.Warn(ctx, "no operators configured, every login will fail")
	}

	var mirror api.Mirror
	if cdn := cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder); cdn.Configured() {
		logger.Info(ctx, "cloudinary configured", "cloud", cfg.CloudinaryCloudName)
		mirror = cdn
	}

	worker := checkin.NewWorker(q, results, cache, svc, cfg.MealCost, logger.With("component", "checkin"), checkin.WithObserver(m))
	workerDone := make(chan error, 1)
	go func() { workerDone <- worker.Run(ctx) }()

	router := api.NewRouter(api.Deps{
		Settings: api.Settings{
			JWTIssuer:       cfg.JWTIssuer,
			JWTSigningKey:   cfg.JWTSigningKey,
			AccessTTL:       cfg.AccessTTL,
			MealCost:        cfg.MealCost,
			DefaultBalance:  cfg.DefaultBalance,
			MinFaceSize:     cfg.MinFaceSize,
			CaptureDir:      cfg.CaptureDir,
			RateLimitPerMin: cfg.RateLimitPerMin,
		},
		Access:    svc,
		Cache:     cache,
		Images:    lib,
		Validator: validate.New(),
		Submitter: checkin.NewSubmitter(q, results),
		Results:   results,
		Auth:      auth.NewAuthenticator(ops, cfg.MaxLoginAttempts, cfg.LoginLockout),
		Metrics:   m,
		Gatherer:  reg,
		Mirror:    mirror,
		Health:    health,
		Log:       logger.With("component", "api"),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info(ctx, "starting server", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		stop()
		<-workerDone
		return err
	}
	logger.Info(context.Background(), "shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "server forced shutdown", "error", err)
	}
	<-workerDone

	if err := students.Persist(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "final persist failed", "error", err)
	}
	logger.Info(shutdownCtx, "server exited")
	return nil
}

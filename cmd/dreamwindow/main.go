package main

import (
	"strings"
	"time"

	"dreamwindow/internal/events"
	"dreamwindow/internal/frames"
	"dreamwindow/internal/handlers"
	"dreamwindow/internal/hub"
	svcmetrics "dreamwindow/internal/metrics"
	"dreamwindow/internal/orchestrator"
	"dreamwindow/internal/playback"
	"dreamwindow/internal/pod"
	"dreamwindow/internal/presence"
	"dreamwindow/internal/statestore"
	"dreamwindow/pkg/config"
	"dreamwindow/pkg/logging"
	"dreamwindow/pkg/middleware"
	"dreamwindow/pkg/monitoring"
	"dreamwindow/pkg/server"
	"dreamwindow/pkg/version"
)

const serviceName = "dreamwindow"

func main() {
	logger := logging.NewLoggerWithService(serviceName)
	config.LoadEnv(logger)
	logger.SetLevel(config.GetLogLevel())

	info := version.GetInfo()
	logger.WithFields(logging.Fields{
		"version": info.Version,
		"commit":  info.GitCommit,
		"built":   info.BuildDate,
	}).Info("Starting Dream Window edge")

	producerToken := config.GetEnv("GPU_SOCKET_TOKEN", "")
	stateDir := config.GetEnv("STATE_DIR", "./state")
	publicBaseURL := config.GetEnv("PUBLIC_BASE_URL", "")

	store, err := statestore.New(stateDir, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize state store")
	}

	cache := frames.New(config.GetEnvInt("FRAME_CACHE_SIZE", frames.DefaultCacheSize))

	// Lifecycle events are optional; without brokers the publisher is a no-op.
	var publisher *events.Publisher
	if brokers := config.GetEnv("KAFKA_BROKERS", ""); brokers != "" {
		publisher, err = events.NewPublisher(
			strings.Split(brokers, ","),
			config.GetEnv("KAFKA_CLIENT_ID", serviceName),
			config.GetEnv("KAFKA_TOPIC", "dreamwindow.lifecycle"),
			logger,
		)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Kafka")
		}
		defer publisher.Close()
	}

	metricsCollector := monitoring.NewMetricsCollector(serviceName, info.Version, info.GitCommit)
	serviceMetrics := svcmetrics.New(metricsCollector)

	streamHub := hub.New(hub.Config{
		ProducerToken: producerToken,
		Cache:         cache,
		Store:         store,
		Events:        publisher,
		Metrics:       serviceMetrics,
		Logger:        logger,
	})
	streamHub.Queue().SetTargetFPS(config.GetEnvFloat("TARGET_FPS", playback.DefaultTargetFPS))

	// The orchestrator is optional; without it pod transitions are local-only.
	var pods *pod.Controller
	if orchURL := config.GetEnv("ORCHESTRATOR_URL", ""); orchURL != "" {
		client := orchestrator.NewClient(orchestrator.Config{
			BaseURL: orchURL,
			APIKey:  config.RequireEnv("ORCHESTRATOR_API_KEY"),
			PodID:   config.RequireEnv("ORCHESTRATOR_POD_ID"),
			Logger:  logger,
		})
		pods = pod.New(client, logger, streamHub.OnPodStateChange)
	} else {
		logger.Warn("ORCHESTRATOR_URL not set, pod control is local-only")
		pods = pod.New(nil, logger, streamHub.OnPodStateChange)
	}
	defer pods.Close()

	tracker := presence.New(presence.Config{
		ShutdownDelay: config.GetEnvSeconds("SHUTDOWN_DELAY_SECONDS", presence.DefaultShutdownDelay),
		APITimeout:    config.GetEnvSeconds("API_ACTIVITY_TIMEOUT_SECONDS", presence.DefaultAPITimeout),
		GPUActive:     pods.Active,
		OnShouldStart: streamHub.StartGPU,
		OnShouldStop:  streamHub.StopGPU,
		Logger:        logger,
	})
	defer tracker.Stop()

	streamHub.Bind(pods, tracker)
	defer streamHub.Close()

	healthChecker := monitoring.NewHealthChecker(serviceName, info.Version)
	healthChecker.AddCheck("state_dir", monitoring.DirWritableHealthCheck(stateDir))
	if producerToken != "" {
		healthChecker.AddCheck("configuration", monitoring.ConfigurationHealthCheck(map[string]string{
			"GPU_SOCKET_TOKEN": producerToken,
		}))
	}
	if publisher != nil {
		healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(publisher.Client()))
	}

	router := server.SetupServiceRouter(logger, serviceName, healthChecker, metricsCollector)

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		Limit:  config.GetEnvInt("RATE_LIMIT_REQUESTS", 60),
		Window: config.GetEnvSeconds("RATE_LIMIT_WINDOW_SECONDS", time.Minute),
		Logger: logger,
	})
	defer rateLimiter.Stop()

	// Every allowed API hit counts as presence and can wake the GPU.
	rateLimit := middleware.RateLimitMiddleware(rateLimiter, func(string) {
		tracker.OnAPIAccess(true)
	})

	api := handlers.New(handlers.Config{
		Hub:           streamHub,
		Cache:         cache,
		Presence:      tracker,
		Pods:          pods,
		Store:         store,
		Logger:        logger,
		PublicBaseURL: publicBaseURL,
	})
	api.RegisterRoutes(router, rateLimit)

	cfg := server.DefaultConfig(serviceName, "18080")
	if err := server.Start(cfg, router, logger); err != nil {
		logger.WithError(err).Fatal("Server error")
	}
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"voicebridge/internal/core/services"
	httphandlers "voicebridge/internal/handlers/http"
	"voicebridge/internal/infrastructure/middleware"
	"voicebridge/internal/infrastructure/monitoring"
	"voicebridge/internal/infrastructure/reliability"
	repositories "voicebridge/internal/infrastructure/repositories"
	signalws "voicebridge/internal/infrastructure/signal"
	webrtcinfra "voicebridge/internal/infrastructure/webrtc"
	"voicebridge/pkg/circuitbreaker"
	"voicebridge/pkg/config"
	"voicebridge/pkg/logger"
	"voicebridge/pkg/retry"
	"voicebridge/pkg/tracing"
)

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/voicebridge/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	if cfg.Tracing.Enabled {
		tp, err := tracing.Init(tracing.Config{
			Enabled:     true,
			ServiceName: "voicebridge-signal",
			JaegerURL:   cfg.Tracing.JaegerURL,
			Environment: cfg.Tracing.Environment,
			SampleRate:  cfg.Tracing.SampleRate,
		})
		if err != nil {
			log.Warnw("failed to initialize tracing", "error", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				tp.Shutdown(ctx)
			}()
		}
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	meetingRepo := repoFactory.CreateMeetingRepository()

	// Core services
	directory := services.NewDirectoryService(meetingRepo, log)
	quality := services.NewQualityAggregator(cfg.Quality.WindowSize, cfg.StaleThreshold(), log)
	engine := services.NewTierEngine(services.TierThresholds{
		MedHigh:    cfg.Quality.ThresholdMedHigh,
		LowMed:     cfg.Quality.ThresholdLowMed,
		Hysteresis: cfg.Quality.Hysteresis,
	}, log)
	matcher := services.NewFingerprintMatcher(cfg.Fingerprint.BucketMs, cfg.FingerprintTTL(), log)
	delivery := services.NewDeliveryAggregator(log)

	collector := monitoring.NewPrometheusCollector()

	// Forwarding unit, wrapped with per-consumer reliability, fanned out
	// through the adapter. The forwarder needs the conference surface for
	// fingerprints and RTCP reports, so it binds after the controller exists.
	forwarderUnit := webrtcinfra.NewAudioForwarder(webrtcConfig(cfg), log)
	wrappedUnit := reliability.NewForwardingUnitWrapper(
		forwarderUnit,
		retry.DefaultConfig(),
		circuitbreaker.DefaultConfig(),
		log,
	)
	adapter := services.NewForwardAdapter(wrappedUnit, directory, log)
	defer adapter.Stop()

	controller := services.NewMeetingController(
		services.ControllerConfig{
			EvaluationInterval: cfg.Quality.EvaluationInterval,
			SummaryInterval:    cfg.Fingerprint.SummaryInterval,
			ToleranceMs:        cfg.Fingerprint.ToleranceMs,
		},
		directory, quality, engine, matcher, delivery, adapter,
		collector, log,
	)
	defer controller.Stop()
	defer matcher.Stop()

	forwarderUnit.BindConference(controller)

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.JoinTokenTTL)

	// Signaling relay
	wsServer := signalws.NewWebSocketServer(
		controller,
		authService,
		cfg.Auth.AllowedOrigins,
		cfg.RateLimiting.WebSocket.MessagesPerSecond,
		cfg.RateLimiting.WebSocket.Burst,
		log,
	)
	if cfg.Signal.PingInterval > 0 {
		wsServer.SetPingInterval(cfg.Signal.PingInterval)
	}
	if cfg.Signal.PongTimeout > 0 {
		wsServer.SetPongTimeout(cfg.Signal.PongTimeout)
	}
	if cfg.Signal.WriteTimeout > 0 {
		wsServer.SetWriteTimeout(cfg.Signal.WriteTimeout)
	}
	if cfg.RateLimiting.WebSocket.MaxMessageSizeBytes > 0 {
		wsServer.SetMaxMessageSize(cfg.RateLimiting.WebSocket.MaxMessageSizeBytes)
	}

	healthChecker := monitoring.NewHealthChecker()
	healthChecker.AddCheck("repository", repoFactory.HealthCheck, 2*time.Second)

	meetingHandler := httphandlers.NewMeetingHandler(directory, quality, engine, authService, wsServer, healthChecker, cfg.Monitoring.PrometheusEnabled)
	transportHandler := httphandlers.NewTransportHandler(forwarderUnit, directory, authService)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.RequestLoggingMiddleware(logger.NewContextLogger(zapLogger)))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	meetingHandler.SetupRoutes(router)
	transportHandler.SetupRoutes(router)

	adminSrv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", wsServer.HandleWebSocket)
	wsMux.HandleFunc("/health", wsServer.HealthCheck)
	signalSrv := &http.Server{
		Addr:    cfg.Signal.Address,
		Handler: wsMux,
	}

	serverErr := make(chan error, 2)
	go func() {
		log.Infof("Starting admin server on %s", cfg.Server.Address)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	go func() {
		log.Infof("Starting signaling server on %s", cfg.Signal.Address)
		if err := signalSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	shutdown(shutdownCtx, log, adminSrv, signalSrv)

	log.Info("Servers stopped")
}

func shutdown(ctx context.Context, log *zap.SugaredLogger, servers ...*http.Server) {
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			log.Errorw("Error during server shutdown", "addr", srv.Addr, "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				log.Errorw("Error force closing server", "addr", srv.Addr, "error", closeErr)
			}
		}
	}
}

func webrtcConfig(cfg *config.Config) webrtcinfra.Config {
	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}

	wc := webrtcinfra.Config{ICEServers: iceServers}
	wc.PortRange.Min = cfg.WebRTC.PortRange.Min
	wc.PortRange.Max = cfg.WebRTC.PortRange.Max
	return wc
}

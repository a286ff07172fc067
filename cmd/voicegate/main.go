package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/ai"
	"voicegate-server/pkg/cache"
	"voicegate-server/pkg/config"
	"voicegate-server/pkg/connection"
	"voicegate-server/pkg/database"
	"voicegate-server/pkg/messaging"
	"voicegate-server/pkg/metrics"
	"voicegate-server/pkg/monitor"
	"voicegate-server/pkg/ratelimit"
	"voicegate-server/pkg/retry"
	"voicegate-server/pkg/session"
	"voicegate-server/pkg/speech"
	"voicegate-server/pkg/telephony"
)

var logger = logrus.New()

func main() {
	if err := run(); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}
}

func run() error {
	cfg, err := config.Load(logger)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.ApplyLogging(logger); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}

	metrics.Init(logger)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Persistence
	var store database.Store = database.NewMemoryStore()
	if cfg.Database.Enabled {
		mysqlStore, err := database.NewMySQLStore(cfg.Database.DSN(), cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		store = mysqlStore
	} else {
		logger.Warn("Database disabled, sessions are kept in memory only")
	}
	defer store.Close()

	// Redis backs the reply cache and rate limit counters when available
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Address,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.Database,
			DialTimeout: cfg.Redis.DialTimeout,
			ReadTimeout: cfg.Redis.ReadTimeout,
			PoolSize:    cfg.Redis.PoolSize,
		})
		if err := redisClient.Ping(rootCtx).Err(); err != nil {
			logger.WithError(err).Warn("Redis unreachable at startup, relying on in-memory fallbacks")
		} else {
			logger.WithField("address", cfg.Redis.Address).Info("Connected to Redis")
		}
		defer redisClient.Close()
	}

	var cacheClient redis.Cmdable
	if redisClient != nil {
		cacheClient = redisClient
	}
	replyCache := cache.NewReplyCache(cacheClient, logger)

	var limiter session.Admission
	if cfg.RateLimit.Enabled {
		var limitStore ratelimit.Store
		if redisClient != nil {
			limitStore = ratelimit.NewRedisStore(redisClient)
		} else {
			limitStore = ratelimit.NewMemoryStore()
		}
		limiter = ratelimit.NewLimiter(limitStore, ratelimit.Config{
			Points:        cfg.RateLimit.Points,
			Window:        cfg.RateLimit.Window,
			BlockDuration: cfg.RateLimit.BlockDuration,
		}, logger)
	}

	// Turn event publishing
	var publisher messaging.Publisher = messaging.NoopPublisher{}
	if cfg.AMQP.URL != "" {
		amqpPublisher, err := messaging.NewAMQPPublisher(logger, messaging.AMQPConfig{
			URL:       cfg.AMQP.URL,
			QueueName: cfg.AMQP.QueueName,
		})
		if err != nil {
			logger.WithError(err).Warn("AMQP unavailable, turn events will not be published")
		} else {
			publisher = amqpPublisher
			defer amqpPublisher.Close()
		}
	}

	// Speech providers
	transcriber, err := buildTranscriber(rootCtx, cfg)
	if err != nil {
		return err
	}

	var synthesizer speech.Synthesizer
	if cfg.Speech.Provider == "mock" {
		synthesizer = &speech.MockSynthesizer{}
	} else {
		synthesizer, err = speech.NewHTTPSynthesizer(logger, speech.TTSConfig{
			BaseURL:      cfg.Speech.TTS.BaseURL,
			APIKey:       cfg.Speech.TTS.APIKey,
			DefaultVoice: cfg.Speech.Voice,
			SampleRate:   cfg.Audio.SampleRate,
			Timeout:      cfg.Speech.TTS.Timeout,
		})
		if err != nil {
			return fmt.Errorf("failed to build synthesizer: %w", err)
		}
	}

	// Conversational backend
	responder, err := buildResponder(cfg)
	if err != nil {
		return err
	}

	// Call quality monitoring
	callMonitor := monitor.NewCallMonitor(monitor.Config{
		LatencyThreshold:    cfg.Monitor.LatencyThreshold,
		PacketLossThreshold: cfg.Monitor.PacketLossThreshold,
		AlertQueueSize:      cfg.Monitor.AlertQueueSize,
	}, logger)
	go drainAlerts(rootCtx, callMonitor, publisher, cfg.Monitor)

	// Provider call control
	var signaler telephony.Signaler = telephony.NoopSignaler{}
	if cfg.Telephony.BaseURL != "" {
		signaler, err = telephony.NewRESTSignaler(logger, telephony.RESTSignalerConfig{
			BaseURL: cfg.Telephony.BaseURL,
			APIKey:  cfg.Telephony.APIKey,
			Timeout: cfg.Telephony.Timeout,
		})
		if err != nil {
			return fmt.Errorf("failed to build telephony signaler: %w", err)
		}
	}

	retryExec := retry.NewExecutor(retry.Config{
		MaxRetries:  cfg.Retry.MaxRetries,
		BackoffBase: cfg.Retry.BackoffBase,
	}, logger)

	// The orchestrator and connection manager reference each other through
	// the frame handler, so wire them in two steps.
	var orch *session.Orchestrator

	// No dialer: the provider owns the websocket and re-attaches a dropped
	// call by reconnecting to /ws/{callID}, which lands in Add. A server-side
	// transport error is therefore terminal right away.
	connManager := connection.NewManager(logger, connection.Config{
		PingInterval:     cfg.Connection.HeartbeatInterval,
		PongGrace:        cfg.Connection.HeartbeatGrace,
		ActivityTimeout:  cfg.Connection.ActivityTimeout,
		SweepInterval:    cfg.Connection.SweepInterval,
		MaxReconnects:    cfg.Connection.MaxReconnectAttempts,
		ReconnectBackoff: cfg.Connection.ReconnectBase,
		FrameDelay:       cfg.Connection.SendFrameDelay,
		OutboundQueue:    cfg.Connection.OutboundQueueSize,
	}, nil, func(callID string, frame []byte) {
		orch.HandleFrame(callID, frame)
	})

	orch = session.NewOrchestrator(session.Config{
		Greeting:         cfg.Session.Greeting,
		Apology:          cfg.Session.Apology,
		Language:         cfg.Speech.Language,
		Voice:            cfg.Speech.Voice,
		ReplyCacheTTL:    cfg.Session.ReplyCacheTTL,
		FrameQueue:       cfg.Session.FrameQueue,
		FrameBytes:       cfg.Audio.FrameBytes(),
		MaxBufferBytes:   cfg.Audio.MaxBufferBytes,
		SilenceThreshold: cfg.Audio.SilenceThreshold,
		UtteranceSilence: cfg.Audio.UtteranceSilence,
		AbandonSilence:   cfg.Audio.AbandonSilence,
	}, session.Deps{
		Logger:      logger,
		Transport:   connManager,
		Transcriber: transcriber,
		Synthesizer: synthesizer,
		Responder:   responder,
		Cache:       replyCache,
		Store:       store,
		Publisher:   publisher,
		Monitor:     callMonitor,
		Limiter:     limiter,
		Retry:       retryExec,
		Signaler:    signaler,
	})

	go connManager.Run(rootCtx)
	go orch.Run(rootCtx)

	// HTTP surface: provider webhooks, the audio websocket, health, metrics
	mux := http.NewServeMux()

	telephony.NewWebhook(logger, telephony.WebhookConfig{
		AudioEndpoint: cfg.Telephony.StreamURL,
		Language:      cfg.Speech.Language,
		SampleRate:    cfg.Audio.SampleRate,
	}, orch).Register(mux)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		callID := r.URL.Path[len("/ws/"):]
		if callID == "" {
			http.Error(w, "missing call ID", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.WithError(err).Warn("Websocket upgrade failed")
			return
		}
		logger.WithField("call_id", callID).Info("Call audio stream connected")
		connManager.Add(callID, conn)
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Health(); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if redisClient != nil {
			if err := redisClient.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","active_calls":%d}`, connManager.ActiveCalls())
	})

	if cfg.HTTP.MetricsEnabled {
		mux.Handle("/metrics", metrics.Handler())
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.WithField("port", cfg.HTTP.Port).Info("Voice gateway listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("HTTP server failed: %w", err)
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown was not clean")
	}

	rootCancel()
	connManager.Shutdown()
	// Give in-flight session teardown a moment to persist.
	time.Sleep(100 * time.Millisecond)

	logger.Info("Shutdown complete")
	return nil
}

func buildTranscriber(ctx context.Context, cfg *config.Config) (speech.Transcriber, error) {
	switch cfg.Speech.Provider {
	case "google":
		return speech.NewGoogleTranscriber(ctx, logger, speech.GoogleConfig{
			APIKey:          cfg.Speech.Google.APIKey,
			CredentialsFile: cfg.Speech.Google.CredentialsFile,
			SampleRate:      cfg.Audio.SampleRate,
			Model:           cfg.Speech.Google.Model,
		})
	case "whisper":
		return speech.NewWhisperTranscriber(logger, speech.WhisperConfig{
			BaseURL:    cfg.Speech.Whisper.BaseURL,
			APIKey:     cfg.Speech.Whisper.APIKey,
			Model:      cfg.Speech.Whisper.Model,
			SampleRate: cfg.Audio.SampleRate,
			Timeout:    cfg.Speech.Whisper.Timeout,
		})
	case "mock":
		logger.Warn("Using mock transcriber, no real speech recognition will happen")
		return &speech.MockTranscriber{}, nil
	default:
		return nil, fmt.Errorf("unknown speech provider: %s", cfg.Speech.Provider)
	}
}

func buildResponder(cfg *config.Config) (session.Responder, error) {
	if cfg.AI.BaseURL == "" {
		return nil, fmt.Errorf("AI_BASE_URL is required")
	}
	return ai.NewClient(logger, ai.Config{
		BaseURL:       cfg.AI.BaseURL,
		APIKey:        cfg.AI.APIKey,
		Timeout:       cfg.AI.Timeout,
		ContextWindow: cfg.AI.MaxContextLines,
		StreamBuffer:  cfg.AI.StreamQueueSize,
	})
}

func drainAlerts(ctx context.Context, m *monitor.CallMonitor, pub messaging.Publisher, cfg config.MonitorConfig) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert, ok := <-m.Alerts():
			if !ok {
				return
			}
			logger.WithFields(logrus.Fields{
				"call_id": alert.CallID,
				"type":    alert.Type,
			}).Warn("Call quality alert")

			event := messaging.AlertEvent{
				CallID:    alert.CallID,
				Type:      string(alert.Type),
				Timestamp: time.Now(),
			}
			switch alert.Type {
			case monitor.AlertHighLatency:
				event.Message = "call latency above threshold"
				event.Value = float64(alert.Metrics.Latency.Milliseconds())
				event.Threshold = float64(cfg.LatencyThreshold.Milliseconds())
			case monitor.AlertPacketLoss:
				event.Message = "packet loss above threshold"
				event.Value = alert.Metrics.PacketLoss
				event.Threshold = cfg.PacketLossThreshold
			}
			if err := pub.PublishAlert(ctx, event); err != nil {
				logger.WithError(err).WithField("call_id", alert.CallID).Debug("Quality alert not published")
			}
		}
	}
}

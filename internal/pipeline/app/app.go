// Package app wires application dependencies.
package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"lprpipeline/internal/pipeline/config"
	"lprpipeline/internal/pipeline/core"
	"lprpipeline/internal/pipeline/ingest"
	"lprpipeline/internal/pipeline/observability"
	"lprpipeline/internal/pipeline/provider"
	grpctransport "lprpipeline/internal/pipeline/transport/grpc"
	httptransport "lprpipeline/internal/pipeline/transport/http"
	mqtttransport "lprpipeline/internal/pipeline/transport/mqtt"
	"lprpipeline/internal/pipeline/vision"
)

const traceSampleRate = 100

// Options supplies collaborators that would otherwise be built from config.
type Options struct {
	Logger observability.Logger

	// Backend replaces the simulated vision backend.
	Backend core.Backend

	// SMSProvider replaces the configured provider. It is still wrapped by the breaker.
	SMSProvider core.SMSProvider

	// MQTTPublisher replaces the paho client dialed on Start.
	MQTTPublisher mqtttransport.Publisher

	// KafkaFetcher replaces the franz-go client built from config.
	KafkaFetcher ingest.Fetcher
}

// Application holds core components for the service.
type Application struct {
	Config           *config.Config
	Limiter          *core.RateLimiter
	Queue            *core.InferenceQueue
	Hub              *core.BroadcastHub
	Attempts         *core.AttemptLog
	Breaker          *core.CircuitBreaker
	Dispatcher       *core.NotificationDispatcher
	Watchlist        *core.MemoryWatchlist
	Pipeline         *core.DetectionPipeline
	Health           *core.HealthMonitor
	HealthLoop       *core.HealthLoop
	AttemptPublisher *core.AttemptPublisher
	KafkaConsumer    *ingest.Consumer
	MQTTBridge       *mqtttransport.Bridge

	ready         atomic.Bool
	httpTransport *httptransport.HTTPTransport
	grpcTransport *grpctransport.GRPCTransport
	transports    []core.Transport
	mqttPublisher mqtttransport.Publisher
	mqttClose     func()
	metrics       *observability.InMemoryMetrics
	logger        observability.Logger
	inflight      *core.InFlight
	drainTimeout  time.Duration
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewApplication validates configuration and prepares the application.
func NewApplication(cfg *config.Config, opts Options) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	metrics := observability.NewInMemoryMetrics()

	limiter, err := core.NewRateLimiter(cfg.Policies, core.RateLimiterOptions{
		Shards:          cfg.Limiter.Shards,
		MaxKeysPerShard: cfg.Limiter.MaxKeysPerShard,
	})
	if err != nil {
		return nil, err
	}

	backend := opts.Backend
	if backend == nil {
		sim := cfg.Inference.Simulated
		seed := sim.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		backend = vision.NewSimulatedBackend(vision.SimulatedConfig{
			LoadDelay:        sim.LoadDelay,
			MinLatency:       sim.MinLatency,
			MaxLatency:       sim.MaxLatency,
			AttributeLatency: sim.AttributeLatency,
			HitRate:          sim.HitRate,
			Seed:             seed,
			Logger:           logger,
		})
	}
	queue, err := core.NewInferenceQueue(backend, core.InferenceQueueOptions{
		WarmupTimeout:    cfg.Inference.WarmupTimeout,
		InferenceTimeout: cfg.Inference.InferenceTimeout,
		Logger:           logger,
		Metrics:          metrics,
	})
	if err != nil {
		return nil, err
	}

	hub := core.NewBroadcastHub(core.HubOptions{
		OutboxSize:         cfg.Hub.OutboxSize,
		DeliveryTimeout:    cfg.Hub.DeliveryTimeout,
		ChannelPermissions: cfg.Hub.ChannelPermissions,
		Logger:             logger,
		Metrics:            metrics,
	})

	sms, err := buildProvider(cfg.SMS, opts.SMSProvider, logger)
	if err != nil {
		return nil, err
	}
	breaker := core.NewCircuitBreaker(core.CircuitOptions{
		FailureThreshold: cfg.SMS.Breaker.FailureThreshold,
		OpenDuration:     cfg.SMS.Breaker.OpenDuration,
		HalfOpenMaxCalls: cfg.SMS.Breaker.HalfOpenMaxCalls,
	})
	attempts := core.NewAttemptLog(cfg.Attempts.Capacity)
	dispatcher, err := core.NewNotificationDispatcher(provider.WithBreaker(sms, breaker), limiter, attempts, core.DispatcherOptions{
		ProviderTimeout: cfg.SMS.Timeout,
		Templates:       cfg.SMS.Templates,
		Logger:          logger,
		Metrics:         metrics,
	})
	if err != nil {
		return nil, err
	}

	watchlist, err := core.NewMemoryWatchlist(cfg.Watchlist)
	if err != nil {
		return nil, err
	}
	inflight := core.NewInFlight()
	pipeline := core.NewDetectionPipeline(queue, hub, dispatcher, watchlist, core.PipelineOptions{
		MinConfidence: cfg.Pipeline.MinConfidence,
		InFlight:      inflight,
		Logger:        logger,
	})

	health := core.NewHealthMonitor(queue, breaker, core.HealthThresholds{
		BacklogDegraded: cfg.Health.BacklogDegraded,
		ColdGrace:       cfg.Health.ColdGrace,
	})
	health.SetLogger(logger)
	health.SetAlerts(hub)

	publisher := &core.AttemptPublisher{
		Log:      attempts,
		Hub:      hub,
		Channel:  cfg.Attempts.Channel,
		Interval: cfg.Attempts.PublishInterval,
		Batch:    cfg.Attempts.Batch,
		Logger:   logger,
	}

	app := &Application{
		Config:           cfg,
		Limiter:          limiter,
		Queue:            queue,
		Hub:              hub,
		Attempts:         attempts,
		Breaker:          breaker,
		Dispatcher:       dispatcher,
		Watchlist:        watchlist,
		Pipeline:         pipeline,
		Health:           health,
		HealthLoop:       &core.HealthLoop{Monitor: health, Interval: cfg.Health.Interval},
		AttemptPublisher: publisher,
		mqttPublisher:    opts.MQTTPublisher,
		metrics:          metrics,
		logger:           logger,
		inflight:         inflight,
		drainTimeout:     cfg.DrainTimeout,
	}

	tokens := core.NewTokenResolver(cfg.Auth.AdminToken, cfg.Auth.ObserverTokens, cfg.Auth.Enable)

	if cfg.HTTP.Enable {
		transport := httptransport.NewHTTPTransport(cfg.HTTP.Addr, app.Ready)
		transport.Configure(httptransport.HTTPTransportConfig{
			ReadTimeout:    cfg.HTTP.ReadTimeout,
			WriteTimeout:   cfg.HTTP.WriteTimeout,
			IdleTimeout:    cfg.HTTP.IdleTimeout,
			RequestTimeout: cfg.HTTP.RequestTimeout,
			MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
			EnableAuth:     cfg.Auth.Enable,
			Tokens:         tokens,
			Logger:         logger,
			Metrics:        metrics,
			Mode:           app.Mode,
		})
		if err := transport.Serve(httptransport.Services{
			Detections:    pipeline,
			Notifications: dispatcher,
			Attempts:      attempts,
			Work:          pipeline,
			Subscribers:   hub,
			Limiter:       limiter,
			Queue:         queue,
		}); err != nil {
			return nil, err
		}
		app.httpTransport = transport
		app.transports = append(app.transports, transport)
	}

	if cfg.GRPC.Enable {
		transport := grpctransport.NewGRPCTransport(cfg.GRPC.Addr, app.Ready, app.Mode, grpctransport.Config{
			EnableAuth:     cfg.Auth.Enable,
			Tokens:         tokens,
			KeepAlive:      cfg.GRPC.KeepAlive,
			RequestTimeout: cfg.HTTP.RequestTimeout,
			Metrics:        metrics,
			Logger:         logger,
			Tracer:         observability.NoopTracer{},
			Sampler:        observability.NewHashSampler(traceSampleRate),
		})
		if err := transport.Serve(grpctransport.Services{
			Detections:    pipeline,
			Notifications: dispatcher,
			Subscribers:   hub,
			Limiter:       limiter,
			Queue:         queue,
		}); err != nil {
			return nil, err
		}
		app.grpcTransport = transport
		app.transports = append(app.transports, transport)
	}

	if cfg.Kafka.Enable {
		fetcher := opts.KafkaFetcher
		if fetcher == nil {
			client, err := ingest.NewKafkaClient(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Group)
			if err != nil {
				return nil, err
			}
			fetcher = client
		}
		consumer, err := ingest.NewConsumer(fetcher, pipeline, ingest.Options{
			FrameTimeout: cfg.Kafka.FrameTimeout,
			Logger:       logger,
			Metrics:      metrics,
		})
		if err != nil {
			return nil, err
		}
		app.KafkaConsumer = consumer
	}

	return app, nil
}

func buildProvider(cfg config.SMSConfig, override core.SMSProvider, logger observability.Logger) (core.SMSProvider, error) {
	if override != nil {
		return override, nil
	}
	switch cfg.Provider {
	case config.ProviderTwilio:
		return provider.NewTwilioProvider(provider.TwilioConfig{
			AccountSID:    cfg.AccountSID,
			AuthToken:     cfg.AuthToken,
			From:          cfg.From,
			BaseURL:       cfg.BaseURL,
			Timeout:       cfg.Timeout,
			RatePerSecond: cfg.RatePerSecond,
			Burst:         cfg.Burst,
			Logger:        logger,
		})
	default:
		return provider.NewMockProvider(logger), nil
	}
}

// Start begins background work for the application.
func (app *Application) Start(ctx context.Context) error {
	if app == nil {
		return errors.New("application is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	app.cancel = cancel

	if app.Config.MQTT.Enable {
		if err := app.startMQTT(ctx); err != nil {
			cancel()
			return err
		}
	}

	app.Queue.Start(ctx)
	app.goRun(func() { _ = app.HealthLoop.Start(ctx) })
	app.goRun(func() { _ = app.AttemptPublisher.Start(ctx) })
	if app.KafkaConsumer != nil {
		if err := app.KafkaConsumer.Start(ctx); err != nil {
			cancel()
			return err
		}
	}
	for _, transport := range app.transports {
		transport := transport
		app.goRun(func() {
			if err := transport.Start(); err != nil {
				app.logger.Error("transport stopped", map[string]any{"error": err})
			}
		})
	}

	app.ready.Store(true)
	app.logger.Info("application started", map[string]any{
		"http_enabled":  app.Config.HTTP.Enable,
		"grpc_enabled":  app.Config.GRPC.Enable,
		"mqtt_enabled":  app.Config.MQTT.Enable,
		"kafka_enabled": app.Config.Kafka.Enable,
		"sms_provider":  app.Dispatcher.Provider(),
	})
	return nil
}

func (app *Application) startMQTT(ctx context.Context) error {
	mqttCfg := app.Config.MQTT
	publisher := app.mqttPublisher
	if publisher == nil {
		client, err := mqtttransport.Connect(ctx, mqtttransport.ClientConfig{
			Broker:         mqttCfg.Broker,
			ClientID:       mqttCfg.ClientID,
			Username:       mqttCfg.Username,
			Password:       mqttCfg.Password,
			ConnectTimeout: mqttCfg.ConnectTimeout,
			Logger:         app.logger,
		})
		if err != nil {
			return err
		}
		publisher = client
		app.mqttClose = func() { client.Disconnect(250) }
	}
	channels := make([]string, 0, len(app.Config.Hub.ChannelPermissions))
	for channel := range app.Config.Hub.ChannelPermissions {
		channels = append(channels, channel)
	}
	bridge, err := mqtttransport.NewBridge(publisher, mqtttransport.Options{
		TopicPrefix: mqttCfg.TopicPrefix,
		QoS:         mqttCfg.QoS,
		Retain:      mqttCfg.Retain,
		Encoding:    mqttCfg.Encoding,
		Channels:    channels,
		Logger:      app.logger,
		Metrics:     app.metrics,
	})
	if err == nil {
		err = bridge.Start(app.Hub)
	}
	if err != nil {
		if app.mqttClose != nil {
			app.mqttClose()
		}
		return err
	}
	app.MQTTBridge = bridge
	return nil
}

func (app *Application) goRun(fn func()) {
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		fn()
	}()
}

// Shutdown drains in-flight frames, stops transports and background workers,
// then closes the queue and the hub.
func (app *Application) Shutdown(ctx context.Context) error {
	if app == nil {
		return errors.New("application is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	app.ready.Store(false)
	stats := app.inflight.Stats()
	app.logger.Info("application shutdown", map[string]any{
		"frames":     stats.Frames,
		"detections": stats.Detections,
		"deferred":   stats.Deferred,
	})

	app.inflight.Close()
	drainCtx := ctx
	if app.drainTimeout > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(ctx, app.drainTimeout)
		defer cancel()
	}
	drainErr := app.inflight.Wait(drainCtx)
	if drainErr != nil {
		app.logger.Error("drain incomplete", map[string]any{"in_flight": app.inflight.Count(), "error": drainErr})
	}
	app.Pipeline.Close()

	if app.KafkaConsumer != nil {
		_ = app.KafkaConsumer.Stop(ctx)
	}
	for _, transport := range app.transports {
		if err := transport.Shutdown(ctx); err != nil {
			app.logger.Error("transport shutdown failed", map[string]any{"error": err})
		}
	}
	if app.MQTTBridge != nil {
		app.MQTTBridge.Stop()
	}
	if app.mqttClose != nil {
		app.mqttClose()
	}
	if app.cancel != nil {
		app.cancel()
	}
	app.Queue.Close()
	app.Hub.Close()

	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := app.Queue.Wait(ctx); err != nil {
		return err
	}
	return drainErr
}

// Ready reports whether the application started and the inference backend is warm.
func (app *Application) Ready() bool {
	if app == nil {
		return false
	}
	return app.ready.Load() && app.Queue.Ready()
}

// Mode returns the current operating mode.
func (app *Application) Mode() core.OperatingMode {
	if app == nil || app.Health == nil {
		return core.ModeNormal
	}
	return app.Health.Mode()
}

// Metrics returns the in-memory metrics registry.
func (app *Application) Metrics() *observability.InMemoryMetrics {
	if app == nil {
		return nil
	}
	return app.metrics
}

// HTTPHandler returns the HTTP handler when the HTTP transport is enabled.
func (app *Application) HTTPHandler() (http.Handler, error) {
	if app == nil || app.httpTransport == nil {
		return nil, errors.New("http transport is disabled")
	}
	return app.httpTransport.Handler()
}

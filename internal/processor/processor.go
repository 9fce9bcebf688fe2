package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"emberwatch/internal/alerts"
	"emberwatch/internal/classifier"
	"emberwatch/internal/config"
	"emberwatch/internal/handlers"
	"emberwatch/internal/ingest"
	"emberwatch/internal/kafka"
	"emberwatch/internal/logger"
	"emberwatch/internal/metrics"
	"emberwatch/internal/middleware"
	"emberwatch/internal/models"
	"emberwatch/internal/notify"
	"emberwatch/internal/state"
	"emberwatch/internal/storage"
	"emberwatch/internal/worker"
)

// Processor is the high-level coordinator: it wires storage, the classifier,
// the alert engine and notification, and serves the HTTP and Kafka
// ingestion boundaries.
type Processor struct {
	cfg *config.Config

	store      *storage.Cached
	classifier *classifier.Classifier
	gate       *notify.Gate
	dispatcher *notify.Dispatcher
	engine     *alerts.Engine
	recorder   *ingest.Recorder

	producer     *kafka.Producer
	consumer     *kafka.Consumer
	workerPool   *worker.Pool
	envelopeChan chan *models.AlertEnvelope
	natsConn     *nats.Conn

	router     chi.Router
	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup
}

// New constructs a Processor with given config.
func New(cfg *config.Config) *Processor {
	return &Processor{cfg: cfg}
}

// Init builds every component. Run calls it; tests may call it directly
// and drive Handler.
func (p *Processor) Init(ctx context.Context) error {
	log := logger.WithComponent("processor")

	if err := p.initStorage(ctx); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	p.initClassifier()

	channel, err := p.buildChannel()
	if err != nil {
		return fmt.Errorf("failed to initialize notification channel: %w", err)
	}

	p.gate = notify.NewGate(notify.GateConfig{Cooldown: p.cfg.Notify.Cooldown})
	p.dispatcher = notify.NewDispatcher(notify.DispatcherConfig{
		Channel:   channel,
		Directory: p.store,
		Marker:    p.store,
	})

	if p.cfg.Kafka.Enabled {
		if err := p.initProducer(); err != nil {
			return fmt.Errorf("failed to initialize producer: %w", err)
		}
		p.initWorkerPool()
	}

	engineCfg := alerts.Config{
		Store:      p.store,
		Classifier: p.classifier,
		Gate:       p.gate,
		Dispatcher: p.dispatcher,
		GasInput:   p.cfg.Classifier.GasInput,
	}
	if p.envelopeChan != nil {
		engineCfg.Envelopes = p.envelopeChan
	}
	p.engine = alerts.New(engineCfg)

	p.recorder = ingest.NewRecorder(ingest.RecorderConfig{Store: p.store, Hook: p.engine})

	if p.cfg.Kafka.Enabled {
		consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:  p.cfg.Kafka.Brokers,
			Topic:    p.cfg.Kafka.ReadingsTopic,
			GroupID:  p.cfg.Kafka.GroupID,
			Recorder: p.recorder,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize consumer: %w", err)
		}
		p.consumer = consumer
	}

	p.initRouter()

	log.Info().
		Str("storage", p.cfg.Storage.Backend).
		Str("channel", channel.Name()).
		Bool("kafka", p.cfg.Kafka.Enabled).
		Bool("redis", p.cfg.Redis.Enabled).
		Str("classifier", p.classifier.Backend().Describe()).
		Msg("processor initialized")
	return nil
}

// Run starts background goroutines and blocks until context cancelled.
func (p *Processor) Run(ctx context.Context) error {
	log := logger.WithComponent("processor")
	log.Info().Msg("processor starting")

	if err := p.Init(ctx); err != nil {
		log.Error().Err(err).Msg("initialization failed")
		p.closeResources()
		return err
	}

	if p.workerPool != nil {
		p.workerPool.Start()
	}

	p.httpServer = &http.Server{
		Addr:         p.cfg.HTTP.Addr,
		Handler:      p.router,
		ReadTimeout:  p.cfg.HTTP.ReadTimeout,
		WriteTimeout: p.cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", p.cfg.HTTP.Addr)
	if err != nil {
		p.closeResources()
		return fmt.Errorf("failed to listen on %s: %w", p.cfg.HTTP.Addr, err)
	}
	p.listener = ln

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Info().Str("addr", ln.Addr().String()).Msg("starting HTTP server")
		if err := p.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	// background work stops with this context, before the HTTP server
	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	if p.consumer != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.consumer.Run(bgCtx); err != nil {
				log.Error().Err(err).Msg("readings consumer stopped")
			}
		}()
	}

	if p.cfg.Classifier.Watch && p.cfg.Classifier.ModelPath != "" {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := classifier.Watch(bgCtx, p.cfg.Classifier.ModelPath, p.classifier); err != nil {
				log.Error().Err(err).Msg("model watcher stopped")
			}
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reportStats(bgCtx)
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	return p.shutdown()
}

// Handler returns the HTTP router. Init must have been called.
func (p *Processor) Handler() http.Handler {
	return p.router
}

// Addr returns the address the HTTP server listens on, once running.
func (p *Processor) Addr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Engine returns the alert engine.
func (p *Processor) Engine() *alerts.Engine {
	return p.engine
}

func (p *Processor) initStorage(ctx context.Context) error {
	log := logger.WithComponent("processor")

	var base storage.Store
	switch p.cfg.Storage.Backend {
	case "postgres":
		pg, err := storage.NewPostgres(ctx, storage.PostgresConfig{
			DSN:          p.cfg.Storage.PostgresDSN,
			MaxOpenConns: p.cfg.Storage.MaxOpenConns,
		})
		if err != nil {
			return err
		}
		base = pg
	default:
		mem := storage.NewMemory()
		if p.cfg.Storage.SeedPath != "" {
			if err := storage.LoadSeed(mem, p.cfg.Storage.SeedPath); err != nil {
				return err
			}
			log.Info().Str("path", p.cfg.Storage.SeedPath).Msg("memory storage seeded")
		}
		base = mem
	}

	var latest state.StateStore = state.NewNoopStore()
	if p.cfg.Redis.Enabled {
		rs, err := state.NewRedisStore(ctx, state.RedisConfig{
			Addr:      p.cfg.Redis.Addr,
			DB:        p.cfg.Redis.DB,
			KeyPrefix: p.cfg.Redis.KeyPrefix,
		})
		if err != nil {
			_ = base.Close()
			return err
		}
		latest = rs
	}

	p.store = storage.NewCached(base, latest, storage.CacheConfig{
		RuleTTL:   p.cfg.Storage.RuleCacheTTL,
		RuleSize:  p.cfg.Storage.RuleCacheSize,
		LatestTTL: p.cfg.Redis.LatestTTL,
	})
	return nil
}

func (p *Processor) initClassifier() {
	cc := p.cfg.Classifier
	p.classifier = classifier.New(classifier.Config{
		Calibration:        classifier.Calibration{RawGasMax: cc.RawGasMax, SmokeMax: cc.SmokeMax},
		FallbackConfidence: cc.FallbackConfidence,
	}, classifier.LoadBackend(cc.ModelPath))
}

// buildChannel selects the delivery channel named in the config.
func (p *Processor) buildChannel() (notify.Channel, error) {
	nc := p.cfg.Notify
	switch nc.Channel {
	case "smtp":
		return notify.NewSMTPChannel(notify.SMTPConfig{
			Host:     nc.SMTP.Host,
			Port:     nc.SMTP.Port,
			Username: nc.SMTP.Username,
			Password: nc.SMTP.Password(),
			From:     nc.SMTP.From,
		}), nil
	case "webhook":
		url := nc.Webhook.URL()
		if url == "" {
			return nil, fmt.Errorf("webhook URL not set (env %s)", nc.Webhook.URLEnv)
		}
		return notify.NewWebhookChannel(url, nc.Webhook.Timeout), nil
	case "nats":
		conn, err := notify.ConnectNATS(p.cfg.NATS.URL)
		if err != nil {
			return nil, err
		}
		p.natsConn = conn
		return notify.NewNATSChannel(conn, p.cfg.NATS.Subject), nil
	default:
		return notify.LogChannel{}, nil
	}
}

// initProducer initializes the Kafka producer for the alert stream
func (p *Processor) initProducer() error {
	log := logger.WithComponent("processor")
	producer, err := kafka.NewProducer(
		p.cfg.Kafka.Brokers,
		p.cfg.Kafka.AlertsTopic,
		p.cfg.Kafka.Producer,
	)
	if err != nil {
		return err
	}

	p.producer = producer
	log.Info().
		Strs("brokers", p.cfg.Kafka.Brokers).
		Str("topic", p.cfg.Kafka.AlertsTopic).
		Msg("kafka producer initialized")
	return nil
}

// initWorkerPool initializes the worker pool
func (p *Processor) initWorkerPool() {
	p.envelopeChan = make(chan *models.AlertEnvelope, p.cfg.Worker.QueueSize)
	p.workerPool = worker.NewPool(worker.Config{
		Publisher:    p.producer,
		EnvelopeChan: p.envelopeChan,
		Workers:      p.cfg.Worker.Workers,
		BatchSize:    p.cfg.Worker.BatchSize,
		BatchTimeout: p.cfg.Worker.BatchTimeout,
	})
}

// initRouter registers the HTTP routes
func (p *Processor) initRouter() {
	header := p.cfg.HTTP.APIKeyHeader
	adminKey := p.cfg.HTTP.APIKey()
	if adminKey == "" {
		log := logger.WithComponent("processor")
		log.Warn().
			Str("env", p.cfg.HTTP.APIKeyEnv).
			Msg("admin key not configured, admin routes are open to any caller")
	}

	ingestHandler := handlers.NewIngestHandler(handlers.IngestConfig{
		Recorder:    p.recorder,
		MaxBodySize: p.cfg.HTTP.MaxBodyBytes,
	})

	r := chi.NewRouter()
	r.Use(middleware.Logging, middleware.Recovery)

	r.Route("/api/readings", func(r chi.Router) {
		r.Use(middleware.NodeAuth(p.store, header))
		r.Post("/", ingestHandler.ServeReading)
		r.Post("/bulk", ingestHandler.ServeBulk)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.AdminKey(adminKey, header))
		r.Get("/api/cooldowns/{ruleID}", handlers.CooldownHandler(p.gate))
		r.Get("/api/alert-events", handlers.AlertEventsHandler(p.store))
		r.Post("/api/classifier/predict", handlers.PredictHandler(p.classifier))
		r.Get("/api/classifier/status", handlers.ClassifierStatusHandler(p.classifier, p.cfg.Classifier.ModelPath))
		r.Get("/stats", p.statsHandler)
	})

	r.Get("/health", p.healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	p.router = r
}

// shutdown performs graceful shutdown
func (p *Processor) shutdown() error {
	log := logger.WithComponent("processor")
	log.Info().Msg("initiating graceful shutdown")

	// 1. Stop accepting new HTTP requests
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info().Msg("stopping HTTP server")
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Wait for the server, consumer, watcher and stats goroutines
	p.wg.Wait()

	// 3. Let in-flight notification fan-outs finish
	dispatchCtx, cancelDispatch := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelDispatch()
	if err := p.dispatcher.Close(dispatchCtx); err != nil {
		log.Warn().Err(err).Msg("notification dispatch cancelled at shutdown")
	}

	// 4. Flush the alert stream
	if p.workerPool != nil {
		done := make(chan struct{})
		go func() {
			p.workerPool.Stop()
			close(done)
		}()

		select {
		case <-done:
			log.Info().Msg("workers stopped gracefully")
		case <-time.After(15 * time.Second):
			log.Warn().Msg("worker shutdown timeout - forcing exit")
		}
	}

	p.closeResources()

	log.Info().Msg("processor stopped gracefully")
	return nil
}

// closeResources releases connections in reverse order of creation.
func (p *Processor) closeResources() {
	log := logger.WithComponent("processor")

	if p.consumer != nil {
		if err := p.consumer.Close(); err != nil {
			log.Error().Err(err).Msg("consumer close error")
		}
	}
	if p.producer != nil {
		if err := p.producer.Close(); err != nil {
			log.Error().Err(err).Msg("producer close error")
		}
	}
	if p.natsConn != nil {
		p.natsConn.Close()
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			log.Error().Err(err).Msg("storage close error")
		}
	}
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	log := logger.WithComponent("processor")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := p.stats()
			metrics.DispatchInFlight.Set(float64(s.Dispatcher.InFlight))

			ev := log.Info().
				Uint64("evaluated", s.Engine.Evaluated).
				Uint64("events", s.Engine.Events).
				Uint64("suppressed", s.Engine.Suppressed).
				Uint64("dispatched", s.Engine.Dispatched).
				Uint64("delivered", s.Dispatcher.Delivered).
				Uint64("delivery_failed", s.Dispatcher.Failed).
				Int("cooldown_entries", s.Gate.Entries)
			if s.Worker != nil {
				metrics.WorkerQueueSize.Set(float64(s.Worker.Queued))
				ev = ev.Uint64("worker_processed", s.Worker.Processed).
					Uint64("worker_failed", s.Worker.Failed).
					Int("queue_size", s.Worker.Queued)
			}
			if s.Producer != nil {
				ev = ev.Uint64("producer_sent", s.Producer.MessagesSent).
					Uint64("producer_failed", s.Producer.MessagesFailed)
			}
			ev.Msg("stats")
		}
	}
}

// Stats is the body of GET /stats.
type Stats struct {
	Engine     alerts.Stats         `json:"engine"`
	Dispatcher notify.Stats         `json:"dispatcher"`
	Gate       GateStats            `json:"gate"`
	Classifier string               `json:"classifier"`
	Worker     *worker.Stats        `json:"worker,omitempty"`
	Producer   *kafka.ProducerStats `json:"producer,omitempty"`
}

// GateStats summarizes the notification gate.
type GateStats struct {
	Entries         int     `json:"entries"`
	CooldownSeconds float64 `json:"cooldown_seconds"`
}

func (p *Processor) stats() Stats {
	s := Stats{
		Engine:     p.engine.Stats(),
		Dispatcher: p.dispatcher.Stats(),
		Gate:       GateStats{Entries: p.gate.Len(), CooldownSeconds: p.gate.Cooldown().Seconds()},
		Classifier: p.classifier.Backend().Describe(),
	}
	if p.workerPool != nil {
		ws := p.workerPool.Stats()
		s.Worker = &ws
	}
	if p.producer != nil {
		ps := p.producer.Stats()
		s.Producer = &ps
	}
	return s
}

// healthHandler handles health check requests
func (p *Processor) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")

	if err := p.store.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": "storage: " + err.Error()})
		return
	}
	if p.producer != nil {
		if err := p.producer.HealthCheck(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": "kafka: " + err.Error()})
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":           "healthy",
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"model_available":  p.classifier.Available(),
		"classifier":       p.classifier.Backend().Describe(),
		"cooldown_entries": p.gate.Len(),
	})
}

// statsHandler returns current statistics
func (p *Processor) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(p.stats())
}

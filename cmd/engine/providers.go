package main

import (
	"context"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/septivank/energy-anomaly-engine/internal/anomaly"
	"github.com/septivank/energy-anomaly-engine/internal/api"
	"github.com/septivank/energy-anomaly-engine/internal/config"
	"github.com/septivank/energy-anomaly-engine/internal/db"
	"github.com/septivank/energy-anomaly-engine/internal/metrics"
	"github.com/septivank/energy-anomaly-engine/internal/mq"
	"github.com/septivank/energy-anomaly-engine/internal/repository"
	"github.com/septivank/energy-anomaly-engine/internal/service"
	"github.com/septivank/energy-anomaly-engine/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// startConsumer consumes detection requests until the app stops
func startConsumer(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	svc *service.DetectionService,
) (*mq.Consumer, error) {
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Exchange:      cfg.RabbitMQ.DetectExchange,
		Queue:         cfg.RabbitMQ.DetectQueue,
		RoutingKey:    cfg.RabbitMQ.DetectRoutingKey,
		DLQQueue:      cfg.RabbitMQ.DLQQueue,
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
		Logger:        logger,
		Handler:       svc.HandleDetectionRequest,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("detection consumer stopped gracefully")
			return nil
		},
	})

	return consumer, nil
}

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL)
}

// ProvideRepository creates a new repository instance
func ProvideRepository(pool *db.Pool) *repository.Repository {
	return repository.NewRepository(pool)
}

// ProvideDetector creates the anomaly detector from the configured thresholds
func ProvideDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(cfg.Anomaly.ZScoreThreshold, cfg.Anomaly.MinReadings)
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cfg *config.Config) *validator.Validator {
	return validator.NewValidator(cfg.Anomaly.MaxLookbackDays)
}

// ProvideRegistry creates the Prometheus registry served on /metrics
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ProvideMetrics registers the engine collectors
func ProvideMetrics(reg *prometheus.Registry) (*metrics.Metrics, error) {
	return metrics.New(reg)
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates the anomaly event publisher
func ProvidePublisher(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	publisher, err := mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

// ProvideDetectionService creates a new detection service instance
func ProvideDetectionService(
	repo *repository.Repository,
	publisher *mq.Publisher,
	detector *anomaly.Detector,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *zap.Logger,
) *service.DetectionService {
	return service.NewDetectionService(repo, publisher, detector, m, cfg, logger)
}

// ProvideHandler creates the HTTP handler
func ProvideHandler(svc *service.DetectionService, v *validator.Validator, cfg *config.Config, logger *zap.Logger) *api.Handler {
	return api.NewHandler(svc, v, cfg.Anomaly.SummaryDays, logger)
}

// ProvideRouter creates the HTTP router
func ProvideRouter(h *api.Handler, reg *prometheus.Registry) *mux.Router {
	return api.NewRouter(h, reg)
}

package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/portfolio-analytics/internal/api"
	"github.com/Aidin1998/portfolio-analytics/internal/backpressure"
	"github.com/Aidin1998/portfolio-analytics/internal/config"
	"github.com/Aidin1998/portfolio-analytics/internal/coordination"
	"github.com/Aidin1998/portfolio-analytics/internal/database"
	"github.com/Aidin1998/portfolio-analytics/internal/idempotency"
	"github.com/Aidin1998/portfolio-analytics/internal/messaging"
	"github.com/Aidin1998/portfolio-analytics/internal/outbox"
	"github.com/Aidin1998/portfolio-analytics/internal/pnl"
	"github.com/Aidin1998/portfolio-analytics/internal/positions"
	"github.com/Aidin1998/portfolio-analytics/internal/prices"
	"github.com/Aidin1998/portfolio-analytics/internal/reporting"
	"github.com/Aidin1998/portfolio-analytics/internal/risk"
	"github.com/Aidin1998/portfolio-analytics/internal/scheduler"
	"github.com/Aidin1998/portfolio-analytics/internal/valuation"
	"github.com/Aidin1998/portfolio-analytics/internal/ws"
	"github.com/Aidin1998/portfolio-analytics/pkg/logger"
	"github.com/Aidin1998/portfolio-analytics/pkg/models"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.LogLevel)
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("service exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgresDB(cfg.Database)
	if err != nil {
		return err
	}
	if err := database.Migrate(db); err != nil {
		return err
	}

	redisClient, err := database.NewRedisClient(cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	hub := ws.NewHub(logger.Component(log, "ws"))

	producer := messaging.NewKafkaProducer(cfg.Kafka.Brokers, logger.Component(log, "producer"))
	defer producer.Close()

	// Inbound trade ingestion, gated by the backpressure guard.
	dedup := idempotency.NewCache(redisClient, cfg.Redis.TransactionKeyPrefix)
	guard := &guardHolder{}
	processor := positions.NewProcessor(db, dedup, hub, guard, logger.Component(log, "positions"))
	consumer := messaging.NewPausableConsumer(
		cfg.Kafka.Brokers, cfg.Kafka.ConsumerTopic, cfg.Kafka.GroupID,
		processor.HandleMessage, logger.Component(log, "consumer"))
	guard.Guard = backpressure.NewGuard(
		consumer, backpressure.DBProbe(db), cfg.Jobs.HealthProbeInterval,
		logger.Component(log, "backpressure"))

	// Price resolution chain shared by every metric engine.
	liveCache := prices.NewLiveCache(redisClient, cfg.Redis.PriceHashKey)
	fetcher := prices.NewHTTPFetcher(cfg.Prices.BaseURL, &http.Client{Timeout: cfg.Prices.FetchTimeout})
	resolver := prices.NewResolver(liveCache, fetcher, logger.Component(log, "prices"))

	sizer := outbox.NewAdaptiveBatchSizer(cfg.Outbox.MinBatch, cfg.Outbox.MaxBatch, cfg.Outbox.TargetLatency)
	dispatcher := outbox.NewDispatcher(
		outbox.NewGormStore(db), producer, sizer, cfg.Kafka.ProducerTopic,
		logger.Component(log, "outbox"))

	riskEngine := risk.NewEngine(db,
		coordination.New(db, models.MetricKindRisk, cfg.Jobs.RiskFreshness),
		resolver, logger.Component(log, "risk"))
	pnlEngine := pnl.NewEngine(db,
		coordination.New(db, models.MetricKindUnrealizedPnl, cfg.Jobs.PnlFreshness),
		resolver, hub, logger.Component(log, "pnl"))
	valuationJob := valuation.NewJob(db,
		coordination.New(db, models.MetricKindPortfolioValue, cfg.Jobs.ValuationFreshness),
		resolver, logger.Component(log, "valuation"))
	refresher := prices.NewRefresher(db, fetcher, liveCache, logger.Component(log, "prices"))

	jobs := scheduler.New(logger.Component(log, "scheduler"))
	jobs.Add(dispatcher, cfg.Outbox.PollInterval)
	jobs.Add(riskEngine, cfg.Jobs.RiskInterval)
	jobs.Add(pnlEngine, cfg.Jobs.PnlInterval)
	jobs.Add(valuationJob, cfg.Jobs.ValuationInterval)
	jobs.Add(refresher, cfg.Jobs.PriceRefreshInterval)
	jobs.Start(ctx)

	go consumer.Run(ctx)

	server := api.NewServer(cfg.HTTP.Addr, logger.Component(log, "http"),
		reporting.NewService(db), pnlEngine, hub, guard.Guard, db, redisClient)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	guard.Close()
	jobs.Wait()
	return nil
}

// guardHolder breaks the construction cycle between the processor, which
// reports failures to the guard, and the consumer the guard pauses.
type guardHolder struct {
	*backpressure.Guard
}

func (g *guardHolder) ReportFailure(err error) {
	if g.Guard != nil {
		g.Guard.ReportFailure(err)
	}
}

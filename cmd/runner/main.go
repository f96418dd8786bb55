package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/geofy/imagery-hooks/internal/capture"
	"github.com/geofy/imagery-hooks/internal/config"
	"github.com/geofy/imagery-hooks/internal/db"
	"github.com/geofy/imagery-hooks/internal/health"
	"github.com/geofy/imagery-hooks/internal/imagery"
	"github.com/geofy/imagery-hooks/internal/logging"
	"github.com/geofy/imagery-hooks/internal/metrics"
	"github.com/geofy/imagery-hooks/internal/tracing"
)

// A capture pipeline holds one NSQ message for the whole download and
// analysis run, so the message timeout must comfortably outlast the
// slowest capture.
const msgTimeout = 15 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Plain().WithError(err).Fatal("config load failed")
	}
	ctx := context.Background()

	logger := logging.New("geofy-runner")
	logger.SetLevel(cfg.LogLevel)

	shutdown, err := tracing.Init(ctx, "geofy-runner")
	if err != nil {
		logger.Plain().WithError(err).Fatal("tracing init failed")
	}
	defer shutdown()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("storage init failed")
	}
	defer closeStore()

	// NSQ producer for job events
	producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer producer.Stop()

	client := imagery.NewExecClient(
		cfg.Imagery.ToolPath,
		cfg.Imagery.Provider,
		cfg.Imagery.TempDir,
		cfg.Imagery.AvailabilityTimeout,
		cfg.Imagery.CaptureTimeout,
	)

	runner := capture.NewRunner(store, client, producer, cfg.NSQ.JobEventTopic, logger)

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.Handler(store))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.RunnerPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("runner HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("runner HTTP server failed")
		}
	}()

	// NSQ consumer
	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.RunnerConcurrency
	conf.MsgTimeout = msgTimeout
	consumer, err := nsq.NewConsumer(cfg.NSQ.CaptureTopic, cfg.NSQ.RunnerChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}

	consumer.AddConcurrentHandlers(nsq.HandlerFunc(runner.HandleTask), cfg.RunnerConcurrency)

	// Connecting directly to NSQD forces channel creation, instead of the channel being lazily created on first publish
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	logger.Plain().WithField("concurrency", cfg.RunnerConcurrency).Info("runner service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down runner service")
	consumer.Stop()
	<-consumer.StopChan
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("runner service stopped")
}

// openStore builds the capture store for the configured driver.
func openStore(ctx context.Context, cfg config.Config) (capture.Store, func(), error) {
	switch cfg.Storage.Driver {
	case "postgres":
		pool, err := db.Connect(ctx, cfg.DSN())
		if err != nil {
			return nil, nil, err
		}
		store := capture.NewPostgres(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil

	case "sqlite":
		sdb, err := db.OpenSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		store := capture.NewSQLite(sdb)
		if err := store.Migrate(ctx); err != nil {
			_ = sdb.Close()
			return nil, nil, err
		}
		return store, func() { _ = sdb.Close() }, nil

	case "memory":
		return capture.NewMemory(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

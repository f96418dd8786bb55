package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/geofy/imagery-hooks/internal/config"
	"github.com/geofy/imagery-hooks/internal/db"
	"github.com/geofy/imagery-hooks/internal/delivery"
	"github.com/geofy/imagery-hooks/internal/ledger"
	"github.com/geofy/imagery-hooks/internal/logging"
	"github.com/geofy/imagery-hooks/internal/metrics"
	"github.com/geofy/imagery-hooks/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Plain().WithError(err).Fatal("config load failed")
	}
	ctx := context.Background()

	logger := logging.New("geofy-dispatcher")
	logger.SetLevel(cfg.LogLevel)

	shutdown, err := tracing.Init(ctx, "geofy-dispatcher")
	if err != nil {
		logger.Plain().WithError(err).Fatal("tracing init failed")
	}
	defer shutdown()

	ld, closeLedger, err := openLedger(ctx, cfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("storage init failed")
	}
	defer closeLedger()

	signer := delivery.NewSigner(cfg.Webhook.SigningSecret)
	transport := delivery.NewHTTPTransport(cfg.Webhook.RequestTimeout(), signer, cfg.Webhook.UserAgent)
	policy := delivery.NewPolicy(cfg.Webhook.BackoffBase(), cfg.Webhook.MaxRetries, nil)
	scheduler := delivery.NewScheduler(ld, transport, policy, cfg.Webhook.RequestTimeout(), logger)

	// DLQ producer
	var producer *nsq.Producer
	if cfg.Dispatch.PublishDLQ {
		producer, err = nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
		}
		defer producer.Stop()
	}

	opts := delivery.DispatcherOptions{
		Concurrency:  cfg.Dispatch.Concurrency,
		ScanInterval: cfg.Dispatch.ScanInterval,
		BatchSize:    cfg.Dispatch.BatchSize,
		StaleAfter:   cfg.Dispatch.StaleGrace,
		DLQTopic:     cfg.NSQ.DeadLetterTopic,
		PublishDLQ:   cfg.Dispatch.PublishDLQ,
	}
	if producer != nil {
		opts.Producer = producer
	}
	dispatcher := delivery.NewDispatcher(ld, scheduler, logger, opts)

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Dispatch.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("dispatcher HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("dispatcher HTTP server failed")
		}
	}()

	// NSQ consumer
	conf := nsq.NewConfig()
	conf.MaxInFlight = 1000
	consumer, err := nsq.NewConsumer(cfg.NSQ.JobEventTopic, cfg.NSQ.DispatchChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.AddHandler(nsq.HandlerFunc(dispatcher.HandleJobEvent))

	// Connecting directly to NSQD forces channel creation, instead of the channel being lazily created on first publish
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	// Scan loop: attempts run here, never inline with the NSQ consume.
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		dispatcher.Run(runCtx)
		close(done)
	}()

	logger.Plain().Info("dispatcher service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down dispatcher service")
	consumer.Stop()
	<-consumer.StopChan
	cancel()
	<-done
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("dispatcher service stopped")
}

// openLedger builds the delivery ledger for the configured driver.
func openLedger(ctx context.Context, cfg config.Config) (ledger.Ledger, func(), error) {
	switch cfg.Storage.Driver {
	case "postgres":
		pool, err := db.Connect(ctx, cfg.DSN())
		if err != nil {
			return nil, nil, err
		}
		ld := ledger.NewPostgres(pool)
		if err := ld.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return ld, pool.Close, nil

	case "sqlite":
		sdb, err := db.OpenSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		ld := ledger.NewSQLite(sdb)
		if err := ld.Migrate(ctx); err != nil {
			_ = sdb.Close()
			return nil, nil, err
		}
		return ld, closeSQLite(sdb), nil

	case "memory":
		return ledger.NewMemory(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func closeSQLite(sdb *sql.DB) func() {
	return func() { _ = sdb.Close() }
}

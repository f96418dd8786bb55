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

	"github.com/geofy/imagery-hooks/internal/api"
	"github.com/geofy/imagery-hooks/internal/capture"
	"github.com/geofy/imagery-hooks/internal/config"
	"github.com/geofy/imagery-hooks/internal/db"
	"github.com/geofy/imagery-hooks/internal/delivery"
	"github.com/geofy/imagery-hooks/internal/health"
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

	logger := logging.New("geofy-api")
	logger.SetLevel(cfg.LogLevel)

	shutdown, err := tracing.Init(ctx, "geofy-api")
	if err != nil {
		logger.Plain().WithError(err).Fatal("tracing init failed")
	}
	defer shutdown()

	store, ld, closeStores, err := openStores(ctx, cfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("storage init failed")
	}
	defer closeStores()

	// NSQ producer for capture tasks
	producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer producer.Stop()

	// The API only creates, cancels and replays deliveries; attempts run in
	// the dispatcher. The scheduler still gets the real transport so the
	// wiring is identical in both binaries.
	signer := delivery.NewSigner(cfg.Webhook.SigningSecret)
	transport := delivery.NewHTTPTransport(cfg.Webhook.RequestTimeout(), signer, cfg.Webhook.UserAgent)
	policy := delivery.NewPolicy(cfg.Webhook.BackoffBase(), cfg.Webhook.MaxRetries, nil)
	scheduler := delivery.NewScheduler(ld, transport, policy, cfg.Webhook.RequestTimeout(), logger)

	srv := api.New(store, ld, scheduler, producer, cfg.NSQ.CaptureTopic, logger)

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.Handler(store))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", srv.Handler())

	httpSrv := &http.Server{Addr: cfg.APIPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("api HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("api HTTP server failed")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down api service")
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("api service stopped")
}

// openStores builds the capture store and delivery ledger for the configured
// driver. The returned close func releases whatever the driver opened.
func openStores(ctx context.Context, cfg config.Config) (capture.Store, ledger.Ledger, func(), error) {
	switch cfg.Storage.Driver {
	case "postgres":
		pool, err := db.Connect(ctx, cfg.DSN())
		if err != nil {
			return nil, nil, nil, err
		}
		store := capture.NewPostgres(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		ld := ledger.NewPostgres(pool)
		if err := ld.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return store, ld, pool.Close, nil

	case "sqlite":
		sdb, err := db.OpenSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, nil, err
		}
		store := capture.NewSQLite(sdb)
		if err := store.Migrate(ctx); err != nil {
			_ = sdb.Close()
			return nil, nil, nil, err
		}
		ld := ledger.NewSQLite(sdb)
		if err := ld.Migrate(ctx); err != nil {
			_ = sdb.Close()
			return nil, nil, nil, err
		}
		return store, ld, closeSQLite(sdb), nil

	case "memory":
		return capture.NewMemory(), ledger.NewMemory(), func() {}, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func closeSQLite(sdb *sql.DB) func() {
	return func() { _ = sdb.Close() }
}

// fake-receiver is a test webhook endpoint: it verifies signatures,
// deduplicates on X-Delivery-Id, and can be told to fail its first N
// requests so retry behavior can be exercised end to end.
package main

import (
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/geofy/imagery-hooks/internal/config"
	"github.com/geofy/imagery-hooks/internal/delivery"
	"github.com/geofy/imagery-hooks/internal/logging"
)

type receiver struct {
	cfg    config.FakeReceiver
	logger *logging.Logger

	reqCount atomic.Int64

	mu   sync.Mutex
	seen map[string]bool
}

func newReceiver(cfg config.FakeReceiver, logger *logging.Logger) *receiver {
	return &receiver{cfg: cfg, logger: logger, seen: make(map[string]bool)}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Plain().WithError(err).Fatal("config load failed")
	}

	logger := logging.New("geofy-fake-receiver")
	logger.SetLevel(cfg.LogLevel)

	rcv := newReceiver(cfg.FakeReceiver, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", rcv.handleHook)

	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      mux,
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}
	logger.Plain().WithField("addr", srv.Addr).Info("fake receiver listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Plain().WithError(err).Fatal("fake receiver failed")
	}
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	count := rc.reqCount.Add(1)
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if rc.cfg.EndpointSecret != "" {
		leeway := time.Duration(rc.cfg.SigningLeewaySeconds) * time.Second
		if err := delivery.VerifyHeader(rc.cfg.EndpointSecret, body, r.Header.Get("X-Signature"), time.Now(), leeway); err != nil {
			rc.logger.Plain().WithError(err).Warn("signature verification failed")
			http.Error(w, "invalid signature: "+err.Error(), http.StatusUnauthorized)
			return
		}
	}

	// Simulate flakiness: the first N requests get a 500.
	if count <= int64(rc.cfg.FailFirstN) {
		rc.logger.Plain().WithFields(map[string]any{
			"count":        count,
			"fail_first_n": rc.cfg.FailFirstN,
		}).Info("failing request on purpose")
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	if rc.cfg.ResponseDelayMS > 0 {
		time.Sleep(time.Duration(rc.cfg.ResponseDelayMS) * time.Millisecond)
	}

	deliveryID := r.Header.Get("X-Delivery-Id")
	if deliveryID != "" && !rc.markSeen(deliveryID) {
		// Same delivery redelivered. A well-behaved receiver acks without
		// reprocessing.
		rc.logger.Plain().WithDelivery(deliveryID).Info("duplicate delivery, already processed")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`duplicate`))
		return
	}

	rc.logger.Plain().
		WithDelivery(deliveryID).
		WithEventType(r.Header.Get("X-Event-Type")).
		WithField("bytes", len(body)).
		Info("webhook received")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// markSeen records a delivery ID, reporting false when it was already known.
func (rc *receiver) markSeen(id string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.seen[id] {
		return false
	}
	rc.seen[id] = true
	return true
}

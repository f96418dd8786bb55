package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/geofy/imagery-hooks/internal/config"
	"github.com/geofy/imagery-hooks/internal/logging"
	"github.com/geofy/imagery-hooks/internal/metrics"
)

// nsqStats is the slice of the nsqd stats payload we track.
type nsqStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Plain().WithError(err).Fatal("config load failed")
	}

	logger := logging.New("geofy-nsq-monitor")
	logger.SetLevel(cfg.LogLevel)

	// nsqd serves stats on its HTTP port, one above the TCP port.
	statsAddr := getEnv("NSQD_HTTP_ADDR", strings.Replace(cfg.NSQ.NsqdTCPAddr, ":4150", ":4151", 1))
	httpAddr := getEnv("MONITOR_HTTP_PORT", ":8084")
	interval := getEnvInt("POLL_INTERVAL_SECONDS", 15)

	watched := map[string]bool{
		cfg.NSQ.CaptureTopic:    true,
		cfg.NSQ.JobEventTopic:   true,
		cfg.NSQ.DeadLetterTopic: true,
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	go collect(statsAddr, watched, time.Duration(interval)*time.Second, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	logger.Plain().WithFields(map[string]any{
		"addr":     httpAddr,
		"nsqd":     statsAddr,
		"interval": interval,
	}).Info("nsq monitor starting")

	srv := &http.Server{Addr: httpAddr, Handler: mux}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Plain().WithError(err).Fatal("nsq monitor HTTP server failed")
	}
}

func collect(statsAddr string, watched map[string]bool, interval time.Duration, logger *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	client := &http.Client{Timeout: 5 * time.Second}
	for range ticker.C {
		if err := updateDepths(client, statsAddr, watched); err != nil {
			logger.Plain().WithError(err).Error("nsq stats poll failed")
		}
	}
}

// updateDepths pulls one stats snapshot from nsqd and publishes the queued
// depth for every watched topic.
func updateDepths(client *http.Client, statsAddr string, watched map[string]bool) error {
	resp, err := client.Get(fmt.Sprintf("http://%s/stats?format=json", statsAddr))
	if err != nil {
		return fmt.Errorf("fetch nsq stats: %w", err)
	}
	defer resp.Body.Close()

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decode nsq stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if !watched[topic.TopicName] {
			continue
		}
		// A topic with no channels yet still holds queued messages.
		if len(topic.Channels) == 0 {
			metrics.UpdateNSQTopicDepth(topic.TopicName, "", topic.Depth)
			continue
		}
		for _, ch := range topic.Channels {
			metrics.UpdateNSQTopicDepth(topic.TopicName, ch.ChannelName, ch.Depth)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

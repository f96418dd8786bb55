// Package api serves the public REST surface: capture job intake and
// inspection, plus operator access to the delivery ledger.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/geofy/imagery-hooks/internal/capture"
	"github.com/geofy/imagery-hooks/internal/delivery"
	"github.com/geofy/imagery-hooks/internal/ledger"
	"github.com/geofy/imagery-hooks/internal/logging"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

type Server struct {
	store      capture.Store
	ledger     ledger.Ledger
	scheduler  *delivery.Scheduler
	producer   delivery.Producer
	tasksTopic string
	logger     *logging.Logger
	now        func() time.Time
}

func New(store capture.Store, ld ledger.Ledger, sched *delivery.Scheduler, producer delivery.Producer, tasksTopic string, logger *logging.Logger) *Server {
	return &Server{
		store:      store,
		ledger:     ld,
		scheduler:  sched,
		producer:   producer,
		tasksTopic: tasksTopic,
		logger:     logger,
		now:        time.Now,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/capture", s.handleCapture)
	mux.HandleFunc("GET /api/status/{id}", s.handleJobStatus)
	mux.HandleFunc("GET /api/imagery/{id}", s.handleImagery)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/deliveries", s.handleListDeliveries)
	mux.HandleFunc("GET /api/deliveries/{id}", s.handleGetDelivery)
	mux.HandleFunc("POST /api/deliveries/{id}/cancel", s.handleCancelDelivery)
	mux.HandleFunc("POST /api/deliveries/{id}/replay", s.handleReplayDelivery)
	return mux
}

// HealthResponse mirrors the legacy health document.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: s.now().UTC(),
		Version:   Version,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

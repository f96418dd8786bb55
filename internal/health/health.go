package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is anything that can answer a liveness probe. Both store
// interfaces satisfy it, so the handler works across storage drivers.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Database bool   `json:"database,omitempty"`
}

// Handler returns an HTTP handler that reports the health status of the
// service. A nil Pinger skips the database check.
func Handler(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Database: true}
		w.Header().Set("Content-Type", "application/json")

		if p != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
				w.WriteHeader(http.StatusServiceUnavailable)
			}
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

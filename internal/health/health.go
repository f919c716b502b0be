// Package health reports readiness of the pipeline's two hard
// dependencies: the conversation database and the task queue.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// QueuePinger reports reachability of the broker. *broker.Publisher
// satisfies it.
type QueuePinger interface {
	Ping() error
}

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Database bool   `json:"database,omitempty"`
	Queue    bool   `json:"queue,omitempty"`
}

// HTTPHandler returns an HTTP handler that reports the health status of
// the service. A nil pool or queue skips that check.
func HTTPHandler(pool *pgxpool.Pool, queue QueuePinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Database: true, Queue: true}

		if pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
			}
		}
		if queue != nil {
			if err := queue.Ping(); err != nil {
				st.OK = false
				st.Queue = false
				if st.Message == "ok" {
					st.Message = "queue ping failed"
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

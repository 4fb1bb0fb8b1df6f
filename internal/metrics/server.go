package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusProvider supplies the documents served under /status.
type StatusProvider interface {
	Status() any
	TierStatus(tierKey string) (any, bool)
}

// NewRouter builds the HTTP routes: /metrics, /health, /status and
// /status/{tier}. status may be nil.
func NewRouter(m *Metrics, status StatusProvider) *mux.Router {
	r := mux.NewRouter()

	if m != nil {
		r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})).Methods("GET")
	}
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")

	if status != nil {
		r.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, status.Status())
		}).Methods("GET")
		r.HandleFunc("/status/{tier}", func(w http.ResponseWriter, r *http.Request) {
			tier := mux.Vars(r)["tier"]
			doc, ok := status.TierStatus(tier)
			if !ok {
				http.Error(w, "tier not found", http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, doc)
		}).Methods("GET")
	}
	return r
}

// StartServer serves the router on address until ctx is done.
func StartServer(ctx context.Context, address string, m *Metrics, status StatusProvider) error {
	server := &http.Server{
		Addr:              address,
		Handler:           NewRouter(m, status),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

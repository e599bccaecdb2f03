package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	degradedBelow  = 80.0
	unhealthyBelow = 50.0
	readyAbove     = 30.0
)

// Endpoint serves health, stats and metrics over HTTP.
type Endpoint struct {
	aggregator *Aggregator
	gatherer   prometheus.Gatherer
	logger     *zap.Logger
}

// NewEndpoint builds the HTTP surface. A nil gatherer serves the default
// Prometheus registry.
func NewEndpoint(aggregator *Aggregator, gatherer prometheus.Gatherer, logger *zap.Logger) *Endpoint {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Endpoint{
		aggregator: aggregator,
		gatherer:   gatherer,
		logger:     logger,
	}
}

// Router returns a gorilla/mux router with every route registered.
func (e *Endpoint) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", e.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/live", e.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", e.handleReadiness).Methods(http.MethodGet)
	r.HandleFunc("/stats", e.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(e.gatherer, promhttp.HandlerOpts{}))
	return r
}

type healthResponse struct {
	Status      string    `json:"status"`
	HealthScore float64   `json:"health_score"`
	LastCheck   time.Time `json:"last_check"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e *Endpoint) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:    "unknown",
		Timestamp: e.aggregator.clock.Now(),
	}
	statusCode := http.StatusServiceUnavailable

	if stats := e.aggregator.Stats(); stats != nil {
		resp.HealthScore = stats.HealthScore
		resp.LastCheck = stats.ComputedAt
		switch {
		case stats.HealthScore < unhealthyBelow:
			resp.Status = "unhealthy"
		case stats.HealthScore < degradedBelow:
			resp.Status = "degraded"
			statusCode = http.StatusOK
		default:
			resp.Status = "healthy"
			statusCode = http.StatusOK
		}
	}

	e.writeJSON(w, statusCode, resp)
}

func (e *Endpoint) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (e *Endpoint) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if stats := e.aggregator.Stats(); stats != nil && stats.HealthScore > readyAbove {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("NOT READY"))
}

func (e *Endpoint) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := e.aggregator.Stats()
	if stats == nil {
		http.Error(w, "stats not computed yet", http.StatusServiceUnavailable)
		return
	}
	e.writeJSON(w, http.StatusOK, stats)
}

func (e *Endpoint) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		e.logger.Warn("Failed to write response", zap.Error(err))
	}
}

// Serve runs an HTTP server for the endpoint on addr until ctx is done.
func (e *Endpoint) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           e.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("Starting metrics server", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Server struct {
	srv    *http.Server
	router *mux.Router
	logger *logrus.Logger
}

func NewServer(listen string, h *Handlers, gatherer prometheus.Gatherer, logger *logrus.Logger) *Server {
	router := mux.NewRouter()
	router.Use(corsMiddleware)

	router.HandleFunc("/health", h.Health).Methods("GET", "OPTIONS")
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()

	// Alerts endpoints
	api.HandleFunc("/alerts", h.GetAlerts).Methods("GET")
	api.HandleFunc("/stream/alerts", h.StreamAlerts).Methods("GET")

	// Mitigation endpoints
	api.HandleFunc("/mitigations", h.GetMitigations).Methods("GET")
	api.HandleFunc("/mitigations/{source_id}", h.GetMitigation).Methods("GET")
	api.HandleFunc("/mitigations/{source_id}/resume", h.ResumeMitigation).Methods("POST", "OPTIONS")

	return &Server{
		srv: &http.Server{
			Addr:              listen,
			Handler:           router,
			ReadTimeout:       15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 15 * time.Second,
		},
		router: router,
		logger: logger,
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Infof("API server listening on %s", s.srv.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.logger.Info("Shutting down API server...")
	return s.srv.Shutdown(shutdownCtx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/lox/solarsync/internal/config"
	"github.com/lox/solarsync/internal/ingest"
	"github.com/lox/solarsync/internal/store"
)

type Server struct {
	store  *store.Store
	syncer *ingest.Syncer
	cfg    *config.Config
	port   string
	loc    *time.Location
}

func NewServer(st *store.Store, syncer *ingest.Syncer, cfg *config.Config, port string) *Server {
	return &Server{
		store:  st,
		syncer: syncer,
		cfg:    cfg,
		port:   port,
		loc:    cfg.Location(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	mux.Handle("/api/cron/daily", s.cronOnly(s.handleCronDaily))
	mux.Handle("/api/cron/sync-history", s.cronOnly(s.handleCronHistory))

	mux.HandleFunc("GET /api/plants", s.handleAPIPlants)
	mux.HandleFunc("GET /api/plants/{id}/records", s.handleAPIRecords)
	mux.HandleFunc("GET /api/plants/{id}/diffs", s.handleAPIDiffs)
	mux.HandleFunc("GET /api/runs", s.handleAPIRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleAPIRun)
	mux.HandleFunc("GET /api/similarity", s.handleAPISimilarity)
	return logRequests(mux)
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("component", "api").Str("port", s.port).Msg("starting server")
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug().Str("component", "api").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

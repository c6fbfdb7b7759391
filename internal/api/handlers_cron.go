package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/lox/solarsync/internal/models"
)

// cronOnly admits GET and POST requests carrying the configured cron key,
// either as ?key= or in the X-Cron-Key header. An empty configured key
// rejects everything.
func (s *Server) cronOnly(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			w.Header().Set("Allow", "GET, POST")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		key := r.URL.Query().Get("key")
		if key == "" {
			key = r.Header.Get("X-Cron-Key")
		}
		if s.cfg.CronKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.CronKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	})
}

// cronDay accepts today, yesterday, an explicit YYYY-MM-DD date, or nothing
// for the configured default.
func (s *Server) cronDay(param string) (models.Day, error) {
	if day, err := s.syncer.Day(param); err == nil {
		return day, nil
	}
	return models.ParseDay(param)
}

func (s *Server) handleCronDaily(w http.ResponseWriter, r *http.Request) {
	day, err := s.cronDay(r.URL.Query().Get("day"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid day: want today, yesterday or YYYY-MM-DD")
		return
	}

	report, err := s.syncer.RunDaily(r.Context(), day)
	if err != nil {
		log.Error().Str("component", "api").Str("day", day.String()).Err(err).Msg("daily sync failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCronHistory(w http.ResponseWriter, r *http.Request) {
	report, err := s.syncer.RunBackfill(r.Context())
	if err != nil {
		log.Error().Str("component", "api").Err(err).Msg("history sync failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

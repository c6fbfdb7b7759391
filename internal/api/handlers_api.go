package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/lox/solarsync/internal/canon"
	"github.com/lox/solarsync/internal/models"
	"github.com/lox/solarsync/internal/store"
)

const defaultRecordSpan = 30

type HealthStatus struct {
	Status    string   `json:"status"`
	Database  string   `json:"database"`
	Migration int      `json:"migration"`
	Plants    int      `json:"plants"`
	Providers []string `json:"providers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	version, err := s.store.MigrationVersion(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	}
	plants, err := s.store.ListPlants(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	}

	health := HealthStatus{Status: "ok", Database: s.store.Dialect().String(), Migration: version, Plants: len(plants), Providers: []string{}}
	for _, p := range s.cfg.Providers {
		if p.IsEnabled() {
			health.Providers = append(health.Providers, p.ID)
		}
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleAPIPlants(w http.ResponseWriter, r *http.Request) {
	plants, err := s.store.ListPlants(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if plants == nil {
		plants = []models.RegistryPlant{}
	}
	writeJSON(w, http.StatusOK, plants)
}

// RecordView is the JSON shape of a stored daily record. Unresolved fields
// are null.
type RecordView struct {
	Day             models.Day `json:"day"`
	EnergyKWh       *float64   `json:"energyKwh"`
	EnergySource    string     `json:"energySource,omitempty"`
	PowerW          *float64   `json:"powerW"`
	TemperatureC    *float64   `json:"temperatureC"`
	Income          *float64   `json:"income"`
	NetworkStatus   *string    `json:"networkStatus"`
	WarningStatus   *string    `json:"warningStatus"`
	BusinessStatus  *string    `json:"businessStatus"`
	Weather         *string    `json:"weather"`
	Timezone        *string    `json:"timezone"`
	SourceUpdatedAt *time.Time `json:"sourceUpdatedAt"`
	CreatedAt       time.Time  `json:"createdAt"`
}

func newRecordView(r store.StoredRecord) RecordView {
	f := r.Fields
	v := RecordView{
		Day:            r.Day,
		EnergySource:   r.EnergySource,
		EnergyKWh:      ptr(f.EnergyKWh.Float64, f.EnergyKWh.Valid),
		PowerW:         ptr(f.PowerW.Float64, f.PowerW.Valid),
		TemperatureC:   ptr(f.TemperatureC.Float64, f.TemperatureC.Valid),
		Income:         ptr(f.Income.Float64, f.Income.Valid),
		NetworkStatus:  ptr(f.NetworkStatus.String, f.NetworkStatus.Valid),
		WarningStatus:  ptr(f.WarningStatus.String, f.WarningStatus.Valid),
		BusinessStatus: ptr(f.BusinessStatus.String, f.BusinessStatus.Valid),
		Weather:        ptr(f.Weather.String, f.Weather.Valid),
		Timezone:       ptr(f.Timezone.String, f.Timezone.Valid),
		CreatedAt:      r.CreatedAt,
	}
	if f.SourceUpdatedAt.Valid {
		t := time.Unix(f.SourceUpdatedAt.Int64, 0).UTC()
		v.SourceUpdatedAt = &t
	}
	return v
}

func ptr[T any](v T, ok bool) *T {
	if !ok {
		return nil
	}
	return &v
}

func (s *Server) plantFromPath(w http.ResponseWriter, r *http.Request) (models.RegistryPlant, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid plant id")
		return models.RegistryPlant{}, false
	}
	plant, err := s.store.GetPlant(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "plant not found")
		return plant, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return plant, false
	}
	return plant, true
}

// handleAPIRecords lists a plant's records between from and to inclusive,
// defaulting to the last 30 days.
func (s *Server) handleAPIRecords(w http.ResponseWriter, r *http.Request) {
	plant, ok := s.plantFromPath(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	to := models.NewDay(time.Now().In(s.loc))
	if v := q.Get("to"); v != "" {
		d, err := models.ParseDay(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to date")
			return
		}
		to = d
	}
	from := to.AddDays(-defaultRecordSpan)
	if v := q.Get("from"); v != "" {
		d, err := models.ParseDay(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from date")
			return
		}
		from = d
	}

	records, err := s.store.ListDailyRecords(r.Context(), plant.ID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]RecordView, 0, len(records))
	for _, rec := range records {
		views = append(views, newRecordView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"plant":   plant,
		"from":    from,
		"to":      to,
		"records": views,
	})
}

func (s *Server) handleAPIDiffs(w http.ResponseWriter, r *http.Request) {
	plant, ok := s.plantFromPath(w, r)
	if !ok {
		return
	}
	diffs, err := s.store.ListHistoryDiffs(r.Context(), plant.ID, limitParam(r, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if diffs == nil {
		diffs = []store.HistoryDiff{}
	}
	writeJSON(w, http.StatusOK, diffs)
}

func (s *Server) handleAPIRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context(), limitParam(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []store.SyncRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleAPIRun returns the stored JSON report of one run.
func (s *Server) handleAPIRun(w http.ResponseWriter, r *http.Request) {
	payload, err := s.store.GetRunReport(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, json.RawMessage(payload))
}

// handleAPISimilarity reports how two plant names canonicalize, as a
// diagnostic for names that fail to match.
func (s *Server) handleAPISimilarity(w http.ResponseWriter, r *http.Request) {
	a, b := r.URL.Query().Get("a"), r.URL.Query().Get("b")
	if a == "" || b == "" {
		writeError(w, http.StatusBadRequest, "a and b are required")
		return
	}
	keyA, keyB := canon.Canonicalize(a), canon.Canonicalize(b)
	writeJSON(w, http.StatusOK, map[string]any{
		"a":          a,
		"b":          b,
		"keyA":       keyA,
		"keyB":       keyB,
		"match":      keyA != "" && keyA == keyB,
		"similarity": canon.Similarity(a, b),
	})
}

func limitParam(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, 1000)
}

package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lox/solarsync/internal/canon"
	"github.com/lox/solarsync/internal/config"
	"github.com/lox/solarsync/internal/models"
	"github.com/lox/solarsync/internal/provider"
	"github.com/lox/solarsync/internal/store"
)

// 2026-10-17 10:00 in Sao Paulo.
var testNow = time.Date(2026, 10, 17, 13, 0, 0, 0, time.UTC)

type fakeAdapter struct {
	id         string
	plants     []models.ProviderPlant
	listErr    error
	daily      map[string]float64
	dailyErr   error
	history    map[string][]models.DayEnergy // "externalID/YYYY-MM"
	historyErr map[string]error

	mu         sync.Mutex
	dailyCalls int
}

func (f *fakeAdapter) ID() string { return f.id }

func (f *fakeAdapter) ListPlants(context.Context) ([]models.ProviderPlant, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.plants, nil
}

func (f *fakeAdapter) DailyEnergy(_ context.Context, externalID string, _ models.Day) (float64, error) {
	f.mu.Lock()
	f.dailyCalls++
	f.mu.Unlock()
	if f.dailyErr != nil {
		return 0, f.dailyErr
	}
	v, ok := f.daily[externalID]
	if !ok {
		return 0, provider.ErrNoValue
	}
	return v, nil
}

func (f *fakeAdapter) MonthHistory(_ context.Context, externalID string, year int, month time.Month) ([]models.DayEnergy, error) {
	key := fmt.Sprintf("%s/%04d-%02d", externalID, year, month)
	if err := f.historyErr[key]; err != nil {
		return nil, err
	}
	return f.history[key], nil
}

func plant(provider, id, name string) models.ProviderPlant {
	return models.ProviderPlant{ProviderID: provider, ExternalID: id, RawName: name}
}

func withSnapshot(p models.ProviderPlant, kwh float64) models.ProviderPlant {
	p.Metrics.DailyEnergy = sql.NullFloat64{Float64: kwh, Valid: true}
	p.Metrics.EnergyUnit = models.UnitKWh
	return p
}

func setupTestStore(t *testing.T, names ...string) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for i, name := range names {
		if _, err := st.AddPlant(context.Background(), int64(i+1), name); err != nil {
			t.Fatalf("add plant: %v", err)
		}
	}
	return st
}

func newTestSyncer(st Store, adapters ...provider.Adapter) *Syncer {
	cfg := config.Default()
	cfg.RateLimitRPS = 1000
	return NewSyncer(cfg, st, adapters, canon.Default).WithClock(func() time.Time { return testNow })
}

func TestRunDaily_MatchesAndSaves(t *testing.T) {
	st := setupTestStore(t, "UFV Fazenda Solar III")
	csi := &fakeAdapter{
		id:     "csi",
		plants: []models.ProviderPlant{plant("csi", "7", "Fazenda Solar 3 (Lote 12)"), plant("csi", "8", "Sitio Desconhecido")},
		daily:  map[string]float64{"7": 42.5},
	}

	report, err := newTestSyncer(st, csi).RunDaily(context.Background(), "2026-10-16")
	if err != nil {
		t.Fatalf("RunDaily: %v", err)
	}
	if !report.OK || report.RunID == "" {
		t.Errorf("report ok=%v runId=%q", report.OK, report.RunID)
	}
	got := report.Providers["csi"]
	if got.Total != 2 || got.Matched != 1 || got.Saved != 1 {
		t.Errorf("csi summary = %+v, want total 2 matched 1 saved 1", got)
	}
	if len(report.NotFound) != 1 || report.NotFound[0] != "Sitio Desconhecido" {
		t.Errorf("notFound = %v", report.NotFound)
	}

	rec, err := st.GetDailyRecord(context.Background(), 1, "2026-10-16")
	if err != nil {
		t.Fatalf("GetDailyRecord: %v", err)
	}
	if rec.Fields.EnergyKWh.Float64 != 42.5 {
		t.Errorf("energy = %v, want 42.5", rec.Fields.EnergyKWh.Float64)
	}

	payload, err := st.GetRunReport(context.Background(), report.RunID)
	if err != nil {
		t.Fatalf("GetRunReport: %v", err)
	}
	if len(payload) == 0 {
		t.Error("stored report is empty")
	}
}

func TestRunDaily_DuplicateKeysNeverMatch(t *testing.T) {
	st := setupTestStore(t, "A")
	csi := &fakeAdapter{
		id:     "csi",
		plants: []models.ProviderPlant{plant("csi", "1", "Usina A"), plant("csi", "2", "USINA A")},
		daily:  map[string]float64{"1": 10, "2": 99},
	}

	report, err := newTestSyncer(st, csi).RunDaily(context.Background(), "2026-10-16")
	if err != nil {
		t.Fatal(err)
	}
	if len(report.DuplicateKeys) != 1 || report.DuplicateKeys[0] != "USINA A" {
		t.Errorf("duplicateKeys = %v, want [USINA A]", report.DuplicateKeys)
	}
	if report.Providers["csi"].Matched != 1 {
		t.Errorf("matched = %d, want 1", report.Providers["csi"].Matched)
	}
	rec, _ := st.GetDailyRecord(context.Background(), 1, "2026-10-16")
	if rec.Fields.EnergyKWh.Float64 != 10 {
		t.Errorf("energy = %v, want 10 from the first listing", rec.Fields.EnergyKWh.Float64)
	}
}

func TestRunDaily_RepeatedRunIsIdempotent(t *testing.T) {
	st := setupTestStore(t, "Fazenda Solar 3")
	p := withSnapshot(plant("csi", "7", "Fazenda Solar 3"), 40)
	p.Metrics.InstantPower = sql.NullFloat64{Float64: 12.5, Valid: true}
	p.Metrics.PowerUnit = models.UnitKW
	p.Metrics.Weather = sql.NullString{String: "sunny", Valid: true}
	csi := &fakeAdapter{id: "csi", plants: []models.ProviderPlant{p}, daily: map[string]float64{"7": 41}}

	now := testNow
	syncer := newTestSyncer(st, csi).WithClock(func() time.Time { return now })

	if _, err := syncer.RunDaily(context.Background(), "2026-10-16"); err != nil {
		t.Fatal(err)
	}
	first, err := st.GetDailyRecord(context.Background(), 1, "2026-10-16")
	if err != nil {
		t.Fatal(err)
	}

	now = now.Add(time.Hour)
	if _, err := syncer.RunDaily(context.Background(), "2026-10-16"); err != nil {
		t.Fatal(err)
	}
	second, err := st.GetDailyRecord(context.Background(), 1, "2026-10-16")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("record changed between identical runs:\nfirst  %+v\nsecond %+v", first, second)
	}
	if second.Fields.PowerW.Float64 != 12500 {
		t.Errorf("power = %v, want 12500 W", second.Fields.PowerW.Float64)
	}
}

func TestRunDaily_SnapshotFallback(t *testing.T) {
	st := setupTestStore(t, "Fazenda Solar 3")
	csi := &fakeAdapter{
		id:       "csi",
		plants:   []models.ProviderPlant{withSnapshot(plant("csi", "7", "Fazenda Solar 3"), 37.9)},
		dailyErr: errors.New("upstream timeout"),
	}

	report, err := newTestSyncer(st, csi).RunDaily(context.Background(), "2026-10-17")
	if err != nil {
		t.Fatal(err)
	}
	if report.Providers["csi"].Saved != 1 {
		t.Fatalf("saved = %d, want 1; errors %+v", report.Providers["csi"].Saved, report.PerItemErrors)
	}
	rec, _ := st.GetDailyRecord(context.Background(), 1, "2026-10-17")
	if rec.Fields.EnergyKWh.Float64 != 37.9 {
		t.Errorf("energy = %v, want snapshot 37.9", rec.Fields.EnergyKWh.Float64)
	}
}

func TestRunDaily_UnresolvedKeepsStoredValue(t *testing.T) {
	st := setupTestStore(t, "Fazenda Solar 3")
	csi := &fakeAdapter{
		id:     "csi",
		plants: []models.ProviderPlant{plant("csi", "7", "Fazenda Solar 3")},
		daily:  map[string]float64{"7": 50},
	}
	syncer := newTestSyncer(st, csi)
	if _, err := syncer.RunDaily(context.Background(), "2026-10-17"); err != nil {
		t.Fatal(err)
	}

	csi.dailyErr = errors.New("upstream 503")
	report, err := syncer.RunDaily(context.Background(), "2026-10-17")
	if err != nil {
		t.Fatal(err)
	}
	if !report.OK {
		t.Error("partial failure must still report ok")
	}
	if len(report.PerItemErrors) != 1 {
		t.Fatalf("perItemErrors = %+v, want one entry", report.PerItemErrors)
	}
	item := report.PerItemErrors[0]
	if item.Kind != KindUnresolved || item.ExternalID != "7" || item.RegistryID != 1 || item.Provider != "csi" {
		t.Errorf("item = %+v", item)
	}
	if len(report.Unresolved) != 1 || report.Unresolved[0] != "Fazenda Solar 3" {
		t.Errorf("unresolved = %v", report.Unresolved)
	}

	rec, _ := st.GetDailyRecord(context.Background(), 1, "2026-10-17")
	if rec.Fields.EnergyKWh.Float64 != 50 {
		t.Errorf("energy = %v, want previous 50 kept", rec.Fields.EnergyKWh.Float64)
	}
}

func TestRunDaily_ProviderListFailureIsIsolated(t *testing.T) {
	st := setupTestStore(t, "Fazenda Solar 3", "Sitio Azul")
	csi := &fakeAdapter{id: "csi", listErr: errors.New("status 401: token expired")}
	phb := &fakeAdapter{
		id:     "phb",
		plants: []models.ProviderPlant{plant("phb", "a-2", "Sitio Azul")},
		daily:  map[string]float64{"a-2": 12},
	}

	report, err := newTestSyncer(st, csi, phb).RunDaily(context.Background(), "2026-10-16")
	if err != nil {
		t.Fatal(err)
	}
	if report.Providers["csi"].Error == "" || report.Providers["csi"].Total != 0 {
		t.Errorf("csi summary = %+v, want error and no plants", report.Providers["csi"])
	}
	if report.Providers["phb"].Saved != 1 {
		t.Errorf("phb summary = %+v, want saved 1", report.Providers["phb"])
	}
}

func TestRunDaily_MergesAcrossProviders(t *testing.T) {
	st := setupTestStore(t, "Fazenda Solar 3")
	csiPlant := plant("csi", "7", "Fazenda Solar 3")
	csiPlant.Metrics.TemperatureC = sql.NullFloat64{Float64: 31, Valid: true}
	phbPlant := plant("phb", "x", "UFV Fazenda Solar III")
	phbPlant.Metrics.TemperatureC = sql.NullFloat64{Float64: 24, Valid: true}
	phbPlant.Metrics.Income = sql.NullFloat64{Float64: 15.2, Valid: true}

	csi := &fakeAdapter{id: "csi", plants: []models.ProviderPlant{csiPlant}, dailyErr: errors.New("down")}
	phb := &fakeAdapter{id: "phb", plants: []models.ProviderPlant{phbPlant}, daily: map[string]float64{"x": 21.7}}

	report, err := newTestSyncer(st, csi, phb).RunDaily(context.Background(), "2026-10-16")
	if err != nil {
		t.Fatal(err)
	}
	if report.Providers["phb"].Saved != 1 || report.Providers["csi"].Saved != 0 {
		t.Errorf("providers = csi %+v phb %+v", report.Providers["csi"], report.Providers["phb"])
	}
	if len(report.PerItemErrors) != 0 {
		t.Errorf("perItemErrors = %+v, want none when another provider resolved", report.PerItemErrors)
	}

	rec, _ := st.GetDailyRecord(context.Background(), 1, "2026-10-16")
	if rec.Fields.EnergyKWh.Float64 != 21.7 {
		t.Errorf("energy = %v, want 21.7 from phb", rec.Fields.EnergyKWh.Float64)
	}
	if rec.Fields.TemperatureC.Float64 != 31 {
		t.Errorf("temperature = %v, want csi's 31", rec.Fields.TemperatureC.Float64)
	}
	if rec.Fields.Income.Float64 != 15.2 {
		t.Errorf("income = %v, want phb's 15.2", rec.Fields.Income.Float64)
	}
}

func TestRunDaily_PersistFailureDoesNotAbort(t *testing.T) {
	st := setupTestStore(t, "Fazenda Solar 3", "Sitio Azul")
	csi := &fakeAdapter{
		id:     "csi",
		plants: []models.ProviderPlant{plant("csi", "7", "Fazenda Solar 3"), plant("csi", "8", "Sitio Azul")},
		daily:  map[string]float64{"7": -5, "8": 12},
	}

	report, err := newTestSyncer(st, csi).RunDaily(context.Background(), "2026-10-16")
	if err != nil {
		t.Fatal(err)
	}
	if report.Providers["csi"].Saved != 1 {
		t.Errorf("saved = %d, want 1", report.Providers["csi"].Saved)
	}
	if len(report.PerItemErrors) != 1 || report.PerItemErrors[0].Kind != KindPersist || report.PerItemErrors[0].ExternalID != "7" {
		t.Errorf("perItemErrors = %+v", report.PerItemErrors)
	}
}

type failingRegistry struct {
	*store.Store
	writes int
}

func (f *failingRegistry) ListPlants(context.Context) ([]models.RegistryPlant, error) {
	return nil, errors.New("connection refused")
}

func (f *failingRegistry) UpsertDailyRecord(ctx context.Context, plantID int64, day models.Day, fields models.Fields, source string) error {
	f.writes++
	return f.Store.UpsertDailyRecord(ctx, plantID, day, fields, source)
}

func TestRunDaily_RegistryUnavailable(t *testing.T) {
	st := &failingRegistry{Store: setupTestStore(t)}
	csi := &fakeAdapter{id: "csi", plants: []models.ProviderPlant{plant("csi", "7", "Fazenda Solar 3")}}

	_, err := newTestSyncer(st, csi).RunDaily(context.Background(), "2026-10-16")
	if !errors.Is(err, ErrRegistryUnavailable) {
		t.Fatalf("err = %v, want ErrRegistryUnavailable", err)
	}
	if st.writes != 0 {
		t.Errorf("writes = %d, want none", st.writes)
	}
	if csi.dailyCalls != 0 {
		t.Errorf("provider was called %d times", csi.dailyCalls)
	}
}

func TestSyncer_Day(t *testing.T) {
	syncer := newTestSyncer(setupTestStore(t))

	tests := []struct {
		selector string
		want     models.Day
	}{
		{"today", "2026-10-17"},
		{"yesterday", "2026-10-16"},
		{"", "2026-10-16"},
	}
	for _, tt := range tests {
		got, err := syncer.Day(tt.selector)
		if err != nil {
			t.Fatalf("Day(%q): %v", tt.selector, err)
		}
		if got != tt.want {
			t.Errorf("Day(%q) = %s, want %s", tt.selector, got, tt.want)
		}
	}
	if _, err := syncer.Day("tomorrow"); err == nil {
		t.Error("expected error for unknown selector")
	}
}

func TestRunBackfill_EpsilonAndDiffs(t *testing.T) {
	st := setupTestStore(t, "Fazenda Solar 3")
	ctx := context.Background()
	for day, kwh := range map[models.Day]float64{"2026-10-01": 40.0, "2026-10-02": 30.0} {
		if err := st.UpsertDailyRecord(ctx, 1, day, models.Fields{EnergyKWh: sql.NullFloat64{Float64: kwh, Valid: true}}, "csi"); err != nil {
			t.Fatal(err)
		}
	}

	csi := &fakeAdapter{
		id:     "csi",
		plants: []models.ProviderPlant{plant("csi", "7", "Fazenda Solar 3")},
		history: map[string][]models.DayEnergy{
			"7/2026-10": {
				{Day: "2026-10-01", KWh: 40.03},
				{Day: "2026-10-02", KWh: 30.5},
				{Day: "2026-10-03", KWh: 22},
			},
		},
		historyErr: map[string]error{"7/2026-09": errors.New("status 502")},
	}
	growatt := &fakeAdapter{id: "growatt", plants: []models.ProviderPlant{plant("growatt", "g", "Fazenda Solar 3")}}

	report, err := newTestSyncer(st, csi, growatt).RunBackfill(ctx)
	if err != nil {
		t.Fatalf("RunBackfill: %v", err)
	}

	if got := report.Windows["csi"]; len(got) != 3 || got[0] != (config.YearMonth{Year: 2026, Month: 10}) {
		t.Errorf("csi window = %v", got)
	}
	if _, ok := report.Windows["growatt"]; ok {
		t.Error("growatt has no history window")
	}

	sum := report.Providers["csi"]
	if sum.Updated != 2 || sum.Skipped != 1 || sum.Matched != 1 {
		t.Errorf("csi summary = %+v, want updated 2 skipped 1", sum)
	}
	if len(report.Diffs) != 2 {
		t.Fatalf("diffs = %+v, want 2", report.Diffs)
	}
	if d := report.Diffs[0]; d.Day != "2026-10-02" || d.Previous.Float64 != 30 || d.New != 30.5 || d.PlantName != "Fazenda Solar 3" {
		t.Errorf("diff[0] = %+v", d)
	}
	if d := report.Diffs[1]; d.Day != "2026-10-03" || d.Previous.Valid {
		t.Errorf("diff[1] = %+v, want new row with no previous value", d)
	}
	if len(report.Errors) != 1 || report.Errors[0].ID != "7" || report.Errors[0].Source != "csi" {
		t.Errorf("errors = %+v, want one csi error", report.Errors)
	}

	rec, _ := st.GetDailyRecord(ctx, 1, "2026-10-01")
	if rec.Fields.EnergyKWh.Float64 != 40.0 {
		t.Errorf("2026-10-01 = %v, want untouched 40.0", rec.Fields.EnergyKWh.Float64)
	}

	audit, err := st.ListHistoryDiffs(ctx, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(audit) != 2 {
		t.Errorf("persisted diffs = %d, want 2", len(audit))
	}
}

func TestRunBackfill_KeepsHigherPriorityProvider(t *testing.T) {
	st := setupTestStore(t, "Fazenda Solar 3")
	ctx := context.Background()
	if err := st.UpsertDailyRecord(ctx, 1, "2026-10-11", models.Fields{EnergyKWh: sql.NullFloat64{Float64: 8.0, Valid: true}}, "csi"); err != nil {
		t.Fatal(err)
	}

	csi := &fakeAdapter{
		id:      "csi",
		plants:  []models.ProviderPlant{plant("csi", "7", "Fazenda Solar 3")},
		history: map[string][]models.DayEnergy{"7/2026-10": {{Day: "2026-10-10", KWh: 10.0}}},
	}
	phb := &fakeAdapter{
		id:     "phb",
		plants: []models.ProviderPlant{plant("phb", "x", "Fazenda Solar 3")},
		history: map[string][]models.DayEnergy{"x/2026-10": {
			{Day: "2026-10-10", KWh: 10.5},
			{Day: "2026-10-11", KWh: 8.6},
			{Day: "2026-10-12", KWh: 12.0},
			// outside the requested month
			{Day: "2026-11-01", KWh: 1.0},
		}},
	}
	syncer := newTestSyncer(st, csi, phb)

	first, err := syncer.RunBackfill(ctx)
	if err != nil {
		t.Fatalf("first RunBackfill: %v", err)
	}
	if len(first.Diffs) != 2 {
		t.Fatalf("first run diffs = %+v, want 2", first.Diffs)
	}
	if d := first.Diffs[0]; d.Day != "2026-10-10" || d.Provider != "csi" || d.New != 10.0 {
		t.Errorf("diff[0] = %+v, want csi 10.0", d)
	}
	if d := first.Diffs[1]; d.Day != "2026-10-12" || d.Provider != "phb" || d.Previous.Valid {
		t.Errorf("diff[1] = %+v, want phb filling an empty day", d)
	}
	if sum := first.Providers["phb"]; sum.Updated != 1 || sum.Skipped != 2 {
		t.Errorf("phb summary = %+v, want updated 1 skipped 2", sum)
	}

	second, err := syncer.RunBackfill(ctx)
	if err != nil {
		t.Fatalf("second RunBackfill: %v", err)
	}
	if len(second.Diffs) != 0 {
		t.Errorf("second run diffs = %+v, want none", second.Diffs)
	}

	records, err := st.ListDailyRecords(ctx, 1, "2026-10-10", "2026-11-01")
	if err != nil {
		t.Fatal(err)
	}
	want := map[models.Day]struct {
		kwh    float64
		source string
	}{
		"2026-10-10": {10.0, "csi"},
		"2026-10-11": {8.0, "csi"},
		"2026-10-12": {12.0, "phb"},
	}
	if len(records) != len(want) {
		t.Fatalf("records = %+v, want %d", records, len(want))
	}
	for _, r := range records {
		w := want[r.Day]
		if r.Fields.EnergyKWh.Float64 != w.kwh || r.EnergySource != w.source {
			t.Errorf("%s = %v from %q, want %v from %q", r.Day, r.Fields.EnergyKWh.Float64, r.EnergySource, w.kwh, w.source)
		}
	}
}

func TestHistoryError_JSON(t *testing.T) {
	b, err := json.Marshal(HistoryError{Source: "phb", Plant: "Fazenda Solar 3", ID: "x", Error: "status 502"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"plantName":"Fazenda Solar 3"`) {
		t.Errorf("json = %s, want plantName key", b)
	}
}

func TestOutcome_String(t *testing.T) {
	for o, want := range map[Outcome]string{Saved: "saved", Skipped: "skipped", Failed: "failed", Outcome(0): "unknown"} {
		if got := o.String(); got != want {
			t.Errorf("Outcome(%d) = %q, want %q", int(o), got, want)
		}
	}
}

func TestScheduler_DailyJobsOncePerDay(t *testing.T) {
	st := setupTestStore(t, "Fazenda Solar 3")
	csi := &fakeAdapter{id: "csi", plants: []models.ProviderPlant{plant("csi", "7", "Fazenda Solar 3")}, daily: map[string]float64{"7": 5}}

	// 06:30 in Sao Paulo.
	now := time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)
	syncer := newTestSyncer(st, csi).WithClock(func() time.Time { return now })
	sched := NewScheduler(syncer, config.Default())

	sched.runDailyJobsIfNeeded(context.Background())
	sched.runDailyJobsIfNeeded(context.Background())
	if csi.dailyCalls != 1 {
		t.Errorf("dailyCalls = %d, want 1", csi.dailyCalls)
	}
	if _, err := st.GetDailyRecord(context.Background(), 1, "2026-10-16"); err != nil {
		t.Errorf("yesterday's record: %v", err)
	}

	now = now.Add(3 * time.Hour)
	sched.lastDaily = ""
	sched.runDailyJobsIfNeeded(context.Background())
	if csi.dailyCalls != 1 {
		t.Errorf("ran outside the daily hour")
	}
}

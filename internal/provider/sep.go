package provider

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lox/solarsync/internal/models"
)

// SEP is the CSI Smart Energy portal.
type SEP struct {
	base
}

type sepPlant struct {
	PlantID        flexID    `json:"plantId"`
	PlantName      string    `json:"plantName"`
	RealTimePower  flexFloat `json:"realTimePower"` // kW
	DayElectric    flexFloat `json:"dayElectric"`   // kWh
	TimeZone       string    `json:"timeZone"`
	LastReportTime flexID    `json:"lastReportTime"`
	WeatherLabel   string    `json:"weatherLabel"`
	Temperature    flexFloat `json:"temperature"`
	Status         *int      `json:"status"`
	StatusName     string    `json:"statusName"`
	AlarmStatus    string    `json:"alarmStatus"`
}

type sepHistogramResponse struct {
	Data []struct {
		Data flexFloat `json:"data"`
		Time string    `json:"time"`
	} `json:"data"`
}

const sepReportLayout = "2006-01-02 15:04:05"

func (s *SEP) header() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Accept-Language", acceptLang)
	h.Set("Content-Type", "application/json;charset=UTF-8")
	h.Set("User-Agent", userAgent)
	if s.cfg.Origin != "" {
		h.Set("Origin", s.cfg.Origin)
	}
	if s.cfg.Referer != "" {
		h.Set("Referer", s.cfg.Referer)
	}
	if s.cfg.Bearer != "" {
		h.Set("Authorization", bearer(s.cfg.Bearer))
	}
	if s.cfg.AppVersion != "" {
		h.Set("appVersion", s.cfg.AppVersion)
	}
	if s.cfg.Cookie != "" {
		h.Set("Cookie", s.cfg.Cookie)
	}
	return h
}

func (s *SEP) ListPlants(ctx context.Context) ([]models.ProviderPlant, error) {
	size := s.cfg.PageSize
	u := s.cfg.BaseURL + "/api/bps/plant/page"

	var out []models.ProviderPlant
	for page := 1; page <= maxListPages; page++ {
		payload := map[string]any{
			"currentPage":         page,
			"pageSize":            size,
			"orderByPropertyName": nil,
			"orderByRule":         2,
			"data": map[string]any{
				"plantName":   nil,
				"status":      nil,
				"alarmStatus": nil,
			},
		}
		var raw json.RawMessage
		if err := s.postJSON(ctx, "plant_page", u, s.header(), payload, &raw); err != nil {
			return nil, fmt.Errorf("sep list page %d: %w", page, err)
		}
		plants, err := sepExtractList(raw)
		if err != nil {
			return nil, fmt.Errorf("sep list page %d: %w", page, err)
		}
		for _, p := range plants {
			out = append(out, s.toPlant(p))
		}
		if len(plants) < size {
			break
		}
	}
	return out, nil
}

// sepExtractList finds the plant array, which the portal nests under
// data.list, data.records, data.rows or data itself depending on version.
func sepExtractList(raw json.RawMessage) ([]sepPlant, error) {
	var arr []sepPlant
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr, nil
	}
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal plant page: %w", err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, nil
	}
	if err := json.Unmarshal(env.Data, &arr); err == nil {
		return arr, nil
	}
	var nested struct {
		List    []sepPlant `json:"list"`
		Records []sepPlant `json:"records"`
		Rows    []sepPlant `json:"rows"`
	}
	if err := json.Unmarshal(env.Data, &nested); err != nil {
		return nil, fmt.Errorf("unmarshal plant page data: %w", err)
	}
	switch {
	case nested.List != nil:
		return nested.List, nil
	case nested.Records != nil:
		return nested.Records, nil
	}
	return nested.Rows, nil
}

func (s *SEP) toPlant(p sepPlant) models.ProviderPlant {
	tz := p.TimeZone
	if tz == "" {
		tz = s.tzLabel()
	}
	m := models.Metrics{
		EnergyUnit:     models.UnitKWh,
		PowerUnit:      models.UnitKW,
		Weather:        nullString(p.WeatherLabel),
		WarningStatus:  nullString(p.AlarmStatus),
		BusinessStatus: nullString(p.StatusName),
		Timezone:       nullString(tz),
	}
	m.DailyEnergy = p.DayElectric.null()
	m.InstantPower = p.RealTimePower.null()
	m.TemperatureC = p.Temperature.null()
	if p.Status != nil {
		m.NetworkStatusCode = sql.NullInt64{Int64: int64(*p.Status), Valid: true}
	}
	if epoch, ok := s.parseReportTime(string(p.LastReportTime), tz); ok {
		m.LastUpdateEpoch = sql.NullInt64{Int64: epoch, Valid: true}
	}
	return models.ProviderPlant{
		ProviderID: s.ID(),
		ExternalID: string(p.PlantID),
		RawName:    p.PlantName,
		Metrics:    m,
	}
}

// parseReportTime accepts epoch milliseconds or a local wall-clock timestamp.
func (s *SEP) parseReportTime(v, tz string) (int64, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		if n > 1e12 {
			n /= 1000
		}
		return n, true
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc, _ = time.LoadLocation(s.tzLabel())
	}
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(sepReportLayout, v, loc)
	if err != nil {
		return 0, false
	}
	return t.Unix(), true
}

func (s *SEP) DailyEnergy(ctx context.Context, externalID string, day models.Day) (float64, error) {
	return dailyFromMonth(ctx, s, externalID, day)
}

func (s *SEP) MonthHistory(ctx context.Context, externalID string, year int, month time.Month) ([]models.DayEnergy, error) {
	q := url.Values{}
	q.Set("type", strconv.Itoa(s.cfg.HistoryType))
	q.Set("date", fmt.Sprintf("%04d-%02d", year, month))
	q.Set("plantId", externalID)
	u := s.cfg.BaseURL + "/api/bps/plant/power/histogram?" + q.Encode()

	h := s.header()
	h.Set("X-Plant-Id", externalID)

	var resp sepHistogramResponse
	if err := s.getJSON(ctx, "power_histogram", u, h, &resp); err != nil {
		return nil, fmt.Errorf("sep histogram %04d-%02d for %s: %w", year, month, externalID, err)
	}

	prefix := monthPrefix(year, month)
	var out []models.DayEnergy
	for _, pt := range resp.Data {
		if !pt.Data.Valid || len(pt.Time) < 10 || !strings.HasPrefix(pt.Time, prefix) {
			continue
		}
		day, err := models.ParseDay(pt.Time[:10])
		if err != nil {
			continue
		}
		out = append(out, models.DayEnergy{Day: day, KWh: pt.Data.Value})
	}
	return out, nil
}

package provider

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lox/solarsync/internal/httputil"
	"github.com/lox/solarsync/internal/models"
)

// Growatt is the Growatt ShineServer portal. It exposes a plant list only;
// daily energy comes from the list snapshot.
type Growatt struct {
	base

	mu       sync.Mutex
	endpoint string // list endpoint that answered last, found on first use
}

// Candidate list endpoints, tried in order. The portal has moved this
// handler between releases.
var growattListPaths = []string{
	"/selectPlant/getPlantListAjax",
	"/selectPlant/plantListAjax",
	"/selectPlant/getPlantList",
	"/selectPlant",
}

const growattMaxPages = 100

type growattPlant struct {
	ID         flexID    `json:"id"`
	PlantName  string    `json:"plantName"`
	EToday     flexFloat `json:"eToday"`     // kWh
	CurrentPac flexFloat `json:"currentPac"` // kW
	OnlineNum  flexFloat `json:"onlineNum"`
}

type growattListResponse struct {
	Pages flexFloat      `json:"pages"`
	Datas []growattPlant `json:"datas"`
}

func (g *Growatt) header() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	h.Set("Accept-Language", acceptLang)
	h.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	h.Set("User-Agent", userAgent)
	h.Set("X-Requested-With", "XMLHttpRequest")
	h.Set("Origin", g.cfg.BaseURL)
	if g.cfg.Referer != "" {
		h.Set("Referer", g.cfg.Referer)
	}
	if g.cfg.Cookie != "" {
		h.Set("Cookie", g.cfg.Cookie)
	}
	return h
}

func (g *Growatt) fetchPage(ctx context.Context, path string, page int) (growattListResponse, error) {
	form := url.Values{}
	form.Set("currPage", strconv.Itoa(page))
	form.Set("plantType", "-1")
	form.Set("orderType", "2")
	form.Set("plantName", "")
	form.Set("pageSize", strconv.Itoa(g.cfg.PageSize))

	var resp growattListResponse
	raw, err := g.do(ctx, "plant_list", http.MethodPost, g.cfg.BaseURL+path, g.header(), []byte(form.Encode()))
	if err != nil {
		return resp, err
	}
	// A logged-out session answers 200 with the HTML login page.
	if trimmed := strings.TrimSpace(string(raw)); !strings.HasPrefix(trimmed, "{") {
		return resp, fmt.Errorf("%s: non-JSON response", path)
	}
	if err := decode("plant_list", raw, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// discover finds the first candidate endpoint that returns a JSON plant page.
func (g *Growatt) discover(ctx context.Context) (string, growattListResponse, error) {
	var errs []error
	for _, path := range growattListPaths {
		resp, err := g.fetchPage(ctx, path, 1)
		if err == nil {
			return path, resp, nil
		}
		if ctx.Err() != nil {
			return "", resp, ctx.Err()
		}
		var se *httputil.StatusError
		if errors.As(err, &se) && (se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden) {
			return "", resp, err
		}
		errs = append(errs, err)
	}
	return "", growattListResponse{}, fmt.Errorf("no list endpoint answered: %w", errors.Join(errs...))
}

func (g *Growatt) ListPlants(ctx context.Context) ([]models.ProviderPlant, error) {
	g.mu.Lock()
	endpoint := g.endpoint
	g.mu.Unlock()

	var (
		first growattListResponse
		err   error
	)
	if endpoint != "" {
		first, err = g.fetchPage(ctx, endpoint, 1)
	}
	if endpoint == "" || err != nil {
		endpoint, first, err = g.discover(ctx)
		if err != nil {
			return nil, fmt.Errorf("growatt list: %w", err)
		}
		g.mu.Lock()
		g.endpoint = endpoint
		g.mu.Unlock()
	}

	out := make([]models.ProviderPlant, 0, len(first.Datas))
	for _, p := range first.Datas {
		out = append(out, g.toPlant(p))
	}
	pages := int(first.Pages.Value)
	if pages > growattMaxPages {
		pages = growattMaxPages
	}
	for page := 2; page <= pages; page++ {
		resp, err := g.fetchPage(ctx, endpoint, page)
		if err != nil {
			log.Warn().Str("component", "provider").Str("provider", g.ID()).Int("page", page).Err(err).
				Msg("list paging stopped early")
			break
		}
		if len(resp.Datas) == 0 {
			break
		}
		for _, p := range resp.Datas {
			out = append(out, g.toPlant(p))
		}
	}
	return out, nil
}

func (g *Growatt) toPlant(p growattPlant) models.ProviderPlant {
	m := models.Metrics{
		EnergyUnit: models.UnitKWh,
		PowerUnit:  models.UnitKW,
		Timezone:   nullString(g.tzLabel()),
	}
	m.DailyEnergy = p.EToday.null()
	m.InstantPower = p.CurrentPac.null()
	if p.OnlineNum.Valid {
		code := int64(0)
		if p.OnlineNum.Value > 0 {
			code = 1
		}
		m.NetworkStatusCode = sql.NullInt64{Int64: code, Valid: true}
	}
	return models.ProviderPlant{
		ProviderID: g.ID(),
		ExternalID: string(p.ID),
		RawName:    p.PlantName,
		Metrics:    m,
	}
}

func (g *Growatt) DailyEnergy(context.Context, string, models.Day) (float64, error) {
	return 0, ErrNotSupported
}

func (g *Growatt) MonthHistory(context.Context, string, int, time.Month) ([]models.DayEnergy, error) {
	return nil, ErrNotSupported
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lox/solarsync/internal/api"
	"github.com/lox/solarsync/internal/canon"
	"github.com/lox/solarsync/internal/config"
	"github.com/lox/solarsync/internal/ingest"
	"github.com/lox/solarsync/internal/models"
	"github.com/lox/solarsync/internal/provider"
	"github.com/lox/solarsync/internal/store"
)

type Globals struct {
	Config   string `short:"c" help:"Path to YAML configuration file." env:"SOLARSYNC_CONFIG" default:"config.yaml" type:"path"`
	DB       string `help:"SQLite path or postgres:// URL." env:"SOLARSYNC_DB,DATABASE_URL" default:"data/solarsync.db"`
	CronKey  string `help:"Shared key for the cron endpoints. Overrides cron_key from the config file." env:"CRON_KEY"`
	LogLevel string `help:"Log level (debug, info, warn, error)." env:"SOLARSYNC_LOG_LEVEL" default:"info" enum:"debug,info,warn,error"`
	LogJSON  bool   `help:"Log JSON instead of console output." env:"SOLARSYNC_LOG_JSON"`
}

type CLI struct {
	Globals

	Serve    ServeCmd    `cmd:"" default:"1" help:"Run the HTTP server and scheduler."`
	Sync     SyncCmd     `cmd:"" help:"Run one daily sync and print the report."`
	Backfill BackfillCmd `cmd:"" help:"Re-read provider history and correct stored energy."`
	Plants   PlantsCmd   `cmd:"" help:"Manage the plant registry."`
	Canon    CanonCmd    `cmd:"" help:"Show canonical keys for plant names."`
}

func main() {
	// Missing files are normal outside development. Existing variables win,
	// so .env.local overrides .env.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("solarsync"),
		kong.Description("Aggregates daily solar generation from vendor portals into one registry."),
		kong.UsageOnError(),
	)
	setupLogging(cli.LogLevel, cli.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}

func setupLogging(level string, useJSON bool) {
	zerolog.TimeFieldFormat = time.RFC3339

	if useJSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// loadConfig reads the config file, falling back to built-in defaults when
// the file does not exist.
func (g *Globals) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(g.Config)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("config", g.Config).Msg("config file not found, using defaults")
		cfg = config.Default()
		err = nil
	}
	if err != nil {
		return nil, err
	}
	if g.CronKey != "" {
		cfg.CronKey = g.CronKey
	}
	return cfg, cfg.Validate()
}

func (g *Globals) openStore(ctx context.Context) (*store.Store, error) {
	if !strings.Contains(g.DB, "://") && g.DB != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(g.DB), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	st, err := store.Open(g.DB)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

type app struct {
	cfg    *config.Config
	store  *store.Store
	syncer *ingest.Syncer
}

func (g *Globals) setup(ctx context.Context) (*app, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	st, err := g.openStore(ctx)
	if err != nil {
		return nil, err
	}
	adapters, err := provider.Build(cfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build providers: %w", err)
	}
	keyer, err := canon.NewCache(cfg.CanonCacheSize)
	if err != nil {
		st.Close()
		return nil, err
	}

	ids := make([]string, 0, len(adapters))
	for _, a := range adapters {
		ids = append(ids, a.ID())
	}
	log.Info().Strs("providers", ids).Str("timezone", cfg.Timezone).Msg("configured")

	return &app{cfg: cfg, store: st, syncer: ingest.NewSyncer(cfg, st, adapters, keyer)}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type ServeCmd struct {
	Port   string `help:"HTTP server port." env:"PORT" default:"8080"`
	NoPoll bool   `help:"Disable the in-process scheduler (cron endpoints only)."`
}

func (c *ServeCmd) Run(g *Globals, ctx context.Context) error {
	a, err := g.setup(ctx)
	if err != nil {
		return err
	}
	defer a.store.Close()

	if a.cfg.CronKey == "" {
		log.Warn().Msg("no cron key configured, cron endpoints will reject every request")
	}

	if !c.NoPoll {
		go ingest.NewScheduler(a.syncer, a.cfg).Run(ctx)
	} else {
		log.Info().Msg("scheduler disabled (--no-poll)")
	}

	return api.NewServer(a.store, a.syncer, a.cfg, c.Port).Run(ctx)
}

type SyncCmd struct {
	Day string `help:"today, yesterday or YYYY-MM-DD. Defaults to the configured default day."`
}

func (c *SyncCmd) Run(g *Globals, ctx context.Context) error {
	a, err := g.setup(ctx)
	if err != nil {
		return err
	}
	defer a.store.Close()

	day, err := a.syncer.Day(c.Day)
	if err != nil {
		day, err = models.ParseDay(c.Day)
		if err != nil {
			return err
		}
	}
	report, err := a.syncer.RunDaily(ctx, day)
	if err != nil {
		return err
	}
	return printJSON(report)
}

type BackfillCmd struct{}

func (c *BackfillCmd) Run(g *Globals, ctx context.Context) error {
	a, err := g.setup(ctx)
	if err != nil {
		return err
	}
	defer a.store.Close()

	report, err := a.syncer.RunBackfill(ctx)
	if err != nil {
		return err
	}
	return printJSON(report)
}

type PlantsCmd struct {
	Add  PlantsAddCmd  `cmd:"" help:"Add or rename a registry plant."`
	List PlantsListCmd `cmd:"" help:"List registry plants."`
}

type PlantsAddCmd struct {
	Name string `arg:"" help:"Plant name."`
	ID   int64  `help:"Registry id. Allocated when omitted."`
}

func (c *PlantsAddCmd) Run(g *Globals, ctx context.Context) error {
	st, err := g.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	p, err := st.AddPlant(ctx, c.ID, c.Name)
	if err != nil {
		return err
	}
	log.Info().Int64("id", p.ID).Str("name", p.Name).Str("key", canon.Canonicalize(p.Name)).Msg("plant saved")
	return nil
}

type PlantsListCmd struct{}

func (c *PlantsListCmd) Run(g *Globals, ctx context.Context) error {
	st, err := g.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	plants, err := st.ListPlants(ctx)
	if err != nil {
		return err
	}
	for _, p := range plants {
		fmt.Printf("%d\t%s\t%s\n", p.ID, p.Name, canon.Canonicalize(p.Name))
	}
	return nil
}

type CanonCmd struct {
	Names []string `arg:"" help:"Plant names to canonicalize."`
}

func (c *CanonCmd) Run() error {
	for _, n := range c.Names {
		fmt.Printf("%q\t%q\n", n, canon.Canonicalize(n))
	}
	if len(c.Names) == 2 {
		fmt.Printf("similarity\t%.3f\n", canon.Similarity(c.Names[0], c.Names[1]))
	}
	return nil
}

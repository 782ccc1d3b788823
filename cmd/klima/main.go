package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/lox/klima/internal/api"
	"github.com/lox/klima/internal/config"
	"github.com/lox/klima/internal/directory"
	"github.com/lox/klima/internal/ingest"
	"github.com/lox/klima/internal/models"
	"github.com/lox/klima/internal/report"
	"github.com/lox/klima/internal/store"
)

type CLI struct {
	DB      string `help:"Path to SQLite database." default:"data/klima.db" env:"KLIMA_DB"`
	Config  string `help:"Path to YAML tuning file." env:"KLIMA_CONFIG"`
	Source  string `help:"Upstream transport." enum:"http,ftp" default:"http" env:"KLIMA_SOURCE"`
	BaseURL string `help:"Base URL of the DWD daily climate directory." default:"${base_url}" env:"KLIMA_BASE_URL"`
	FTPHost string `help:"FTP host of the DWD open data server." default:"${ftp_host}" env:"KLIMA_FTP_HOST"`
	FTPDir  string `help:"FTP directory of the daily climate archives." default:"${ftp_dir}" env:"KLIMA_FTP_DIR"`

	Serve    ServeCmd    `cmd:"" help:"Serve the HTTP API, syncing periodically."`
	Sync     SyncCmd     `cmd:"" help:"Reconcile the store with the upstream source once."`
	Nearest  NearestCmd  `cmd:"" help:"Find the station nearest a point."`
	Radius   RadiusCmd   `cmd:"" help:"List stations within a radius of a point."`
	Report   ReportCmd   `cmd:"" help:"Build a weather report for a point and date range."`
	Coverage CoverageCmd `cmd:"" help:"Show the date range held in the store."`
}

// App holds everything the commands share.
type App struct {
	db         *sql.DB
	store      *store.Store
	dir        *directory.Directory
	cfg        *config.Config
	reconciler *ingest.Reconciler
	engine     *report.Engine
}

func (a *App) Close() error {
	return a.db.Close()
}

func newApp(ctx context.Context, cli *CLI) (*App, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	reportCfg, err := cfg.ReportConfig()
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cli.DB); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := store.Open(cli.DB)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	dir := directory.New()
	if err := dir.Load(ctx, st); err != nil {
		db.Close()
		return nil, fmt.Errorf("load directory: %w", err)
	}

	var source ingest.Source
	switch cli.Source {
	case "ftp":
		source = ingest.NewFTPSource(cli.FTPHost, cli.FTPDir)
	default:
		source = ingest.NewHTTPSource(cli.BaseURL, nil)
	}

	engine := report.NewEngine(st, dir, reportCfg)
	if rc := config.GetRedisConfig(); rc.Enabled() {
		engine.SetCache(report.NewRedisCache(rc.Client(), cfg.Redis.TTL))
		log.Printf("report cache enabled at %s", rc.Addr)
	}

	return &App{
		db:         db,
		store:      st,
		dir:        dir,
		cfg:        cfg,
		reconciler: ingest.NewReconciler(st, dir, source, cfg.ReconcilerConfig()),
		engine:     engine,
	}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type ServeCmd struct {
	Port   string `help:"HTTP server port." default:"8080" env:"PORT"`
	NoSync bool   `help:"Disable periodic sync (server only, for local dev)."`
}

func (c *ServeCmd) Run(ctx context.Context, app *App) error {
	if !c.NoSync {
		scheduler := ingest.NewScheduler(app.reconciler, app.store, app.cfg.Sync.Interval, app.cfg.Sync.RetentionDays)
		if err := scheduler.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer scheduler.Stop()
	} else {
		log.Println("periodic sync disabled (--no-sync)")
	}

	server := api.NewServer(app.store, app.dir, app.engine, app.reconciler, c.Port)
	log.Printf("starting server on :%s", c.Port)
	return server.Run(ctx)
}

type SyncCmd struct{}

func (c *SyncCmd) Run(ctx context.Context, app *App) error {
	outcome, err := app.reconciler.Reconcile(ctx)
	if err != nil {
		return err
	}
	return printJSON(outcome)
}

type NearestCmd struct {
	Lat float64 `help:"Latitude in degrees." required:""`
	Lon float64 `help:"Longitude in degrees." required:""`
}

func (c *NearestCmd) Run(app *App) error {
	n, ok, err := app.dir.Nearest(c.Lat, c.Lon)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no stations loaded; run klima sync first")
	}
	return printJSON(n)
}

type RadiusCmd struct {
	Lat    float64 `help:"Latitude in degrees." required:""`
	Lon    float64 `help:"Longitude in degrees." required:""`
	Radius float64 `help:"Radius in kilometres." required:""`
	Limit  int     `help:"Maximum number of stations (0 for all)." default:"0"`
}

func (c *RadiusCmd) Run(app *App) error {
	neighbors, err := app.dir.WithinRadius(c.Lat, c.Lon, c.Radius, c.Limit)
	if err != nil {
		return err
	}
	if neighbors == nil {
		neighbors = []models.Neighbor{}
	}
	return printJSON(neighbors)
}

type ReportCmd struct {
	Lat         float64  `help:"Latitude in degrees." required:""`
	Lon         float64  `help:"Longitude in degrees." required:""`
	Radius      *float64 `help:"Radius in kilometres. Without it the nearest station is used."`
	Start       string   `help:"First day (YYYY-MM-DD)." required:""`
	End         string   `help:"Last day (YYYY-MM-DD)." required:""`
	Granularity string   `help:"Bucket size." enum:"day,week,month" default:"day"`
	Metric      string   `help:"Metric for trend and anomalies." enum:"t_max,t_min,t_mean,precipitation" default:"t_max"`
	Limit       int      `help:"Maximum stations for a radius report." default:"0"`
}

func (c *ReportCmd) Run(ctx context.Context, app *App) error {
	start, err := time.Parse(models.DateLayout, c.Start)
	if err != nil {
		return fmt.Errorf("%w: start: %v", report.ErrInvalidDateRange, err)
	}
	end, err := time.Parse(models.DateLayout, c.End)
	if err != nil {
		return fmt.Errorf("%w: end: %v", report.ErrInvalidDateRange, err)
	}

	rep, err := app.engine.Aggregate(ctx, report.Request{
		Lat:         c.Lat,
		Lon:         c.Lon,
		RadiusKM:    c.Radius,
		Start:       start,
		End:         end,
		Granularity: models.Granularity(c.Granularity),
		Metric:      models.Metric(c.Metric),
		Limit:       c.Limit,
	})
	if err != nil {
		return err
	}
	return printJSON(rep)
}

type CoverageCmd struct{}

func (c *CoverageCmd) Run(ctx context.Context, app *App) error {
	cov, err := app.store.Coverage(ctx)
	if err != nil {
		return err
	}
	if cov == nil {
		cov = &models.Coverage{}
	}
	return printJSON(cov)
}

func main() {
	if err := config.LoadDotenv(); err != nil {
		log.Printf("Warning: %v", err)
	}

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("klima"),
		kong.Description("Station index and weather aggregation over DWD daily climate data."),
		kong.UsageOnError(),
		kong.Vars{
			"base_url": ingest.DefaultBaseURL,
			"ftp_host": ingest.DefaultFTPHost,
			"ftp_dir":  ingest.DefaultFTPDir,
		},
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := newApp(ctx, &cli)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}

	kctx.BindTo(ctx, (*context.Context)(nil))
	err = kctx.Run(app)
	app.Close()
	kctx.FatalIfErrorf(err)
}

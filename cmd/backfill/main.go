// cmd/backfill/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/simple-renditions/internal/bus"
	"github.com/tendant/simple-renditions/internal/config"
	"github.com/tendant/simple-renditions/internal/logging"
	"github.com/tendant/simple-renditions/internal/media"
	"github.com/tendant/simple-renditions/internal/registry"
)

type options struct {
	Profiles []string
	Limit    int
	DryRun   bool
	Delay    time.Duration
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	opts := parseFlags(cfg)
	logger.Info("backfill starting",
		"nats_url", cfg.NATS.URL,
		"subject", cfg.NATS.Subject,
		"profiles", opts.Profiles,
		"limit", opts.Limit,
		"dry_run", opts.DryRun,
	)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required for backfill")
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal(logger, "connect to database", err)
	}
	defer db.Close()
	store := registry.NewPostgresStore(db)

	var nc *bus.Client
	if !opts.DryRun {
		nc, err = bus.Connect(cfg.NATS.URL, "simple-renditions-backfill", logger)
		if err != nil {
			fatal(logger, "connect to NATS", err, "nats_url", cfg.NATS.URL)
		}
		defer nc.Close()
		logger.Info("connected to NATS", "nats_url", cfg.NATS.URL)
	}

	profiles := selectProfiles(cfg.Profiles(), opts.Profiles)
	if len(profiles) == 0 {
		fatal(logger, "select profiles", errors.New("no configured profile matches"), "profiles", opts.Profiles)
	}
	assets, err := store.ListAssetsMissingDerivatives(ctx, profiles, opts.Limit)
	if err != nil {
		fatal(logger, "list assets missing derivatives", err)
	}
	logger.Info("found assets missing derivatives", "count", len(assets))

	p := newJobPublisher(nc, cfg.NATS.Subject, opts, logger)
	for _, asset := range assets {
		if err := p.Process(ctx, asset); err != nil {
			logger.Error("publish failed", "asset_id", asset.ID.String(), "err", err)
		}
	}

	published, skipped, failed := p.Stats()
	logger.Info("backfill complete",
		"total_found", len(assets),
		"events_published", published,
		"skipped_avatars", skipped,
		"failed", failed,
		"dry_run", opts.DryRun,
	)
}

func parseFlags(cfg *config.Config) options {
	opts := options{DryRun: true}

	var profiles string
	var execute bool
	flag.StringVar(&profiles, "profiles", "", "Comma separated profiles to check (empty = all configured)")
	flag.IntVar(&opts.Limit, "limit", 0, "Maximum number of assets to publish (0 = unlimited)")
	flag.BoolVar(&opts.DryRun, "dry-run", true, "Show what would be published without publishing")
	flag.BoolVar(&execute, "execute", false, "Actually publish events (disables dry-run)")
	flag.DurationVar(&opts.Delay, "delay", 10*time.Millisecond, "Pause between published events")
	flag.Parse()

	if execute {
		opts.DryRun = false
	}
	opts.Profiles = parseProfileNames(profiles)
	if len(opts.Profiles) == 0 {
		for _, p := range cfg.Profiles() {
			opts.Profiles = append(opts.Profiles, p.Name)
		}
	}
	return opts
}

func parseProfileNames(s string) []string {
	var names []string
	for _, part := range strings.Split(s, ",") {
		if n := strings.ToLower(strings.TrimSpace(part)); n != "" {
			names = append(names, n)
		}
	}
	return names
}

// selectProfiles keeps the configured profiles named in names, in configured
// order.
func selectProfiles(configured []media.Profile, names []string) []media.Profile {
	var out []media.Profile
	for _, p := range configured {
		for _, n := range names {
			if p.Name == n {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}

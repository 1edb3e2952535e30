// main is the entry point of the ServerWatch application.
// It initializes the configuration, logger, database, GeoIP provider, and
// runs the monitor and the messaging gateway under one supervisor.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/thejerf/suture/v4"

	"github.com/kmalyugin/serverwatch/internal/config"
	"github.com/kmalyugin/serverwatch/internal/fake"
	"github.com/kmalyugin/serverwatch/internal/geoip"
	"github.com/kmalyugin/serverwatch/internal/logger"
	"github.com/kmalyugin/serverwatch/internal/monitor"
	"github.com/kmalyugin/serverwatch/internal/panel/discord"
	"github.com/kmalyugin/serverwatch/internal/poller"
	"github.com/kmalyugin/serverwatch/internal/query"
	"github.com/kmalyugin/serverwatch/internal/reconcile"
	"github.com/kmalyugin/serverwatch/internal/register"
	"github.com/kmalyugin/serverwatch/internal/render"
	"github.com/kmalyugin/serverwatch/internal/stats"
	"github.com/kmalyugin/serverwatch/internal/storage"
	"github.com/kmalyugin/serverwatch/internal/vars"
)

// serviceFunc adapts a plain run function to suture.Service.
type serviceFunc func(ctx context.Context) error

func (f serviceFunc) Serve(ctx context.Context) error { return f(ctx) }

func main() {
	cfg := config.Parse()

	logger.Setup(cfg.Logger)
	log.Info().
		Str("version", vars.Version).
		Str("commit", vars.CommitShort()).
		Msg("Starting serverwatch service...")

	// GeoIP is optional; country tags are skipped when unavailable.
	var geoProvider *geoip.Provider
	if cfg.GeoIP.Path != "" {
		if err := geoip.EnsureDB(cfg.GeoIP.Path, cfg.GeoIP.URL, cfg.GeoIP.Interval); err != nil {
			log.Error().Err(err).Msg("Failed to download GeoIP database")
		}

		var err error
		geoProvider, err = geoip.Open(cfg.GeoIP.Path)
		if err != nil {
			log.Error().Err(err).Msg("Failed to open GeoIP database, country detection disabled")
			geoProvider = nil
		} else {
			defer func() {
				if err := geoProvider.Close(); err != nil {
					log.Error().Err(err).Msg("Error closing GeoIP provider")
				}
			}()
		}
	}

	// Database
	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing database")
		}
	}()

	agg, err := stats.New(store)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load leaderboard state")
	}

	// Messaging surface
	sink := discord.New(discord.Options{
		Token:      cfg.Discord.Token,
		ChannelID:  cfg.Discord.ChannelID,
		AdminRole:  cfg.Discord.AdminRole,
		APIBase:    cfg.Discord.APIBase,
		GatewayURL: cfg.Discord.Gateway,
	})

	// Query client: real A2S, or the fake generator for development runs.
	var client query.Client
	if cfg.Monitor.FakeServers {
		log.Warn().Msg("Using fake server data")
		client = fake.NewClient(1)
	} else {
		client = query.NewA2S(query.Options{
			Timeout:    cfg.Query.Timeout,
			BufferSize: cfg.Query.BufferSize,
		})
	}

	poll := poller.New(client, cfg.Endpoints(), poller.Options{
		MaxRetries:   cfg.Query.Retries,
		RetryBackoff: cfg.Query.RetryBackoff,
		Timeout:      cfg.Query.Timeout,
	})

	recOpts := reconcile.Options{
		FailureThreshold: cfg.Monitor.FailureThreshold,
		RefreshCooldown:  cfg.Monitor.RefreshCooldown,
		Render: render.Options{
			Title:      cfg.Monitor.Title,
			CustomText: cfg.Monitor.Text,
		},
	}
	if geoProvider != nil {
		recOpts.Countries = geoProvider
	}
	rec := reconcile.New(sink, recOpts)

	var workflow *register.Workflow
	if cfg.Discord.Workflow {
		workflow = register.New(store, agg, sink)
	}

	mon := monitor.New(poll, agg, rec, workflow, sink, cfg.Monitor.Interval)

	// Supervisor: a crash in the gateway or the monitor restarts only that
	// service, not the process.
	sup := suture.New("serverwatch", suture.Spec{
		EventHook: func(e suture.Event) {
			log.Warn().Str("event", e.String()).Msg("Supervisor event")
		},
	})
	sup.Add(serviceFunc(sink.Run))
	sup.Add(mon)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := sup.ServeBackground(ctx)

	<-ctx.Done()
	log.Info().Msg("Shutting down...")

	if err := <-errc; err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("Supervisor exited with error")
	}

	log.Info().Msg("Service exited")
}

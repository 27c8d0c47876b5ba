package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/txncoord/admin"
	"github.com/maxpert/txncoord/cfg"
	"github.com/maxpert/txncoord/db"
	"github.com/maxpert/txncoord/gtx"
	"github.com/maxpert/txncoord/hlc"
	"github.com/maxpert/txncoord/notify"
	"github.com/maxpert/txncoord/pipeline"
	"github.com/maxpert/txncoord/telemetry"
	"github.com/maxpert/txncoord/txn"
)

func main() {
	flag.Parse()

	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("txncoord - transaction coordination engine")
	telemetry.InitializeTelemetry()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(ctx, cfg.StorePath(), db.DefaultOptions())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
		return
	}
	defer store.Close()

	clock := hlc.NewClock(cfg.Config.NodeID)
	if err := store.RestoreClock(clock); err != nil {
		log.Fatal().Err(err).Msg("Failed to restore clock")
		return
	}

	gids, err := gtx.NewAuthority(store, cfg.Config.GTX.MappingCacheSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize GID authority")
		return
	}

	engine := pipeline.NewEngine(store, gids, clock, pipeline.OptionsFromConfig(cfg.Config))
	hub := notify.NewHub()
	defer hub.Close()
	engine.AddListener(hub)

	// Peers join through the cluster membership layer; alone, this node is the
	// whole live set.
	engine.Start([]txn.NodeID{txn.NodeID(cfg.Config.NodeID)})

	collector := telemetry.NewMetricsCollector(engine, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	var server *http.Server
	if cfg.Config.Admin.Enabled {
		mux := http.NewServeMux()
		admin.RegisterRoutes(mux, admin.NewAdminHandlers(engine, store, hub))
		server = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Admin server failed")
				stop()
			}
		}()
	}

	log.Info().
		Str("data_dir", cfg.Config.DataDir).
		Int("admin_port", cfg.Config.Admin.Port).
		Uint64("durable_gid", uint64(gids.DurableGID())).
		Msg("Node is operational")

	runErr := engine.Run(ctx)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Admin server shutdown")
		}
		cancel()
	}

	if runErr != nil {
		log.Error().Err(runErr).Msg("Pipeline stopped with error")
		return
	}
	log.Info().Uint64("durable_gid", uint64(gids.DurableGID())).Msg("Shutdown complete")
}

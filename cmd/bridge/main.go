package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dess-bridge/dess-bridge-pro/internal/api"
	"github.com/dess-bridge/dess-bridge-pro/internal/config"
	"github.com/dess-bridge/dess-bridge-pro/internal/dess"
	"github.com/dess-bridge/dess-bridge-pro/internal/integration"
	"github.com/dess-bridge/dess-bridge-pro/internal/poller"
	"github.com/dess-bridge/dess-bridge-pro/internal/schema"
	"github.com/dess-bridge/dess-bridge-pro/internal/storage"
	"github.com/dess-bridge/dess-bridge-pro/pkg/crypto"
)

func main() {
	// Command line flags
	var configFile string
	var hashPassword string
	flag.StringVar(&configFile, "config", "config/bridge.yml", "Configuration file path")
	flag.StringVar(&hashPassword, "hash-password", "", "Print the bcrypt hash of the given password and exit")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if hashPassword != "" {
		hash, err := crypto.HashPassword(hashPassword)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to hash password")
		}
		fmt.Println(hash)
		return
	}

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Select snapshot store
	var store storage.Store
	if cfg.Database.DSN != "" {
		pg, err := storage.NewPostgresStore(&cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		store = pg
		log.Info().Msg("Connected to database")
	} else {
		store = storage.NewMemoryStore()
		log.Info().Msg("No database configured, using in-memory store")
	}
	defer store.Close()

	// Device schema registry
	registry := schema.NewRegistry()
	if cfg.Schema.OverlayFile != "" {
		if err := registry.LoadOverlay(cfg.Schema.OverlayFile); err != nil {
			log.Fatal().Err(err).Str("file", cfg.Schema.OverlayFile).Msg("Failed to load schema overlay")
		}
	}

	// Cloud client with single-flight session renewal
	client := dess.NewClient(&cfg.Cloud)
	sessions := dess.NewSessionManager(client.Login, cfg.Cloud.SessionMargin)
	client.UseSessions(sessions)

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional NATS output
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		log.Info().Str("url", cfg.NATS.URL).Msg("Connecting to NATS...")

		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name("dess-bridge"),
			nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
			nats.ReconnectWait(cfg.NATS.ReconnectInterval),
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				log.Warn().Err(err).Msg("Disconnected from NATS")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info().Msg("Reconnected to NATS")
			}),
		)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without NATS output")
			nc = nil
		} else {
			defer nc.Close()
			log.Info().Msg("Connected to NATS")
		}
	} else {
		log.Info().Msg("NATS not configured, running without NATS output")
	}

	// Integration forwarder
	forwarder := integration.NewForwarderService(nc, &cfg.NATS, &cfg.MQTT)
	if err := forwarder.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start integration forwarder")
	}
	defer forwarder.Close()

	// Poll coordinator
	coordinator := poller.New(&cfg.Polling, client, registry, store, forwarder)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		coordinator.Run(ctx)
	}()

	// Diagnostics API server
	apiServer := api.NewRESTServer(cfg, store, coordinator, registry)
	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		if err := apiServer.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Diagnostics API server stopped")
		}
	}()

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	// Cancel context
	cancel()

	// Shutdown API server
	if err := apiServer.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
	}

	// Wait for all services
	wg.Wait()

	log.Info().Msg("Bridge stopped")
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dess-bridge/dess-bridge-pro/internal/config"
	"github.com/dess-bridge/dess-bridge-pro/internal/dess"
	"github.com/dess-bridge/dess-bridge-pro/internal/models"
)

// dump-endpoints logs in with the configured account and writes the raw
// payload of every read endpoint to JSON files, one per endpoint. Used to
// capture samples when mapping a new devcode.
func main() {
	var configFile string
	var pn, sn, outDir string
	var devcode, devaddr int
	flag.StringVar(&configFile, "config", "config/bridge.yml", "Configuration file path")
	flag.StringVar(&pn, "pn", "", "Datalogger PN (required)")
	flag.StringVar(&sn, "sn", "", "Inverter SN")
	flag.IntVar(&devcode, "devcode", 0, "Device code (required)")
	flag.IntVar(&devaddr, "devaddr", 1, "Device address")
	flag.StringVar(&outDir, "out", ".", "Output directory")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if pn == "" || devcode == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	client := dess.NewClient(&cfg.Cloud)
	sessions := dess.NewSessionManager(client.Login, cfg.Cloud.SessionMargin)
	client.UseSessions(sessions)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dev := &models.Device{
		PN:      pn,
		SN:      sn,
		Devcode: devcode,
		Devaddr: devaddr,
	}

	endpoints := []struct {
		name  string
		fetch func(context.Context, *models.Device) (dess.RawPayload, error)
	}{
		{"last_data", client.FetchLastData},
		{"energy_flow", client.FetchEnergyFlow},
		{"parameters", client.FetchParameters},
		{"ctrl_fields", client.FetchCtrlFields},
	}

	for _, ep := range endpoints {
		payload, err := ep.fetch(ctx, dev)
		if err != nil {
			log.Error().Err(err).Str("endpoint", ep.name).Msg("Fetch failed")
			continue
		}

		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			log.Error().Err(err).Str("endpoint", ep.name).Msg("Marshal failed")
			continue
		}

		filename := filepath.Join(outDir, fmt.Sprintf("%s_%d_%s.json", pn, devcode, ep.name))
		if err := os.WriteFile(filename, data, 0o644); err != nil {
			log.Fatal().Err(err).Str("file", filename).Msg("Write failed")
		}
		log.Info().Str("file", filename).Int("bytes", len(data)).Msg("Endpoint dumped")
	}
}

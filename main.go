package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/openclob/venue/config"
	"github.com/openclob/venue/engine"
	"github.com/openclob/venue/signaler"
)

func main() {
	app := &cli.App{
		Name:  "venue",
		Usage: "spot trading venue with matching, market data and an upstream relay",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   config.File,
				Usage:   "path to the configuration file",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	path := c.String("config")
	if !c.IsSet("config") {
		// The default file is optional; defaults and VENUE_* environment
		// variables carry a bare deployment. An explicit path must exist.
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("unable to load config: %w", err)
	}
	setupLogging(cfg.Logging)

	venue, err := engine.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("unable to build venue: %w", err)
	}
	if err := venue.Start(); err != nil {
		return fmt.Errorf("unable to start venue: %w", err)
	}

	sig := <-signaler.WaitForInterrupt()
	log.Info().Str("signal", sig.String()).Msg("shutdown requested")
	return venue.Stop()
}

// setupLogging applies the configured level and output format to the
// process-wide logger.
func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

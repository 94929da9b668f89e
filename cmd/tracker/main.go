package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/roman-kulish/uwb-tracking/cmd/tracker/app"
)

func main() {
	var logLevel slog.LevelVar
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: &logLevel}))

	var (
		configPath string
		dbPath     string
		sessions   bool
		replayID   int64
		minQuality uint
	)
	flag.StringVar(&configPath, "c", "", "Path to the configuration file")
	flag.StringVar(&dbPath, "db", "", "Path to a recorded session database (with -sessions or -replay)")
	flag.BoolVar(&sessions, "sessions", false, "List recorded sessions and exit")
	flag.Int64Var(&replayID, "replay", 0, "Print the position fixes of a recorded session and exit")
	flag.UintVar(&minQuality, "min-quality", 0, "Minimum fix quality to include in a replay")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if sessions || replayID > 0 {
		if dbPath == "" {
			logger.Error("no session database provided")
			os.Exit(1)
		}

		var err error
		if sessions {
			err = app.ListSessions(ctx, dbPath, os.Stdout)
		} else {
			err = app.Replay(ctx, dbPath, replayID, uint8(minQuality), os.Stdout)
		}
		if err != nil {
			logger.Error(err.Error())

			cancel()
			os.Exit(1)
		}
		return
	}

	if configPath == "" {
		logger.Error("no configuration file provided")
		os.Exit(1)
	}

	config, err := app.LoadConfig(configPath)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to load configuration file: %s", err.Error()), slog.String("path", configPath))
		os.Exit(1)
	}

	level, _ := config.Settings.Level()
	logLevel.Set(level)

	if err = app.Run(ctx, config, logger); err != nil {
		logger.Error(err.Error())

		cancel()
		os.Exit(1)
	}
}

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/yaratul2005/OmegleXTalkNow/internal/audit"
	"github.com/yaratul2005/OmegleXTalkNow/internal/guard"
	"github.com/yaratul2005/OmegleXTalkNow/internal/match"
	"github.com/yaratul2005/OmegleXTalkNow/internal/moderation"
	"github.com/yaratul2005/OmegleXTalkNow/internal/profile"
	"github.com/yaratul2005/OmegleXTalkNow/internal/registry"
	"github.com/yaratul2005/OmegleXTalkNow/internal/relay"
	"github.com/yaratul2005/OmegleXTalkNow/internal/server"
	"github.com/yaratul2005/OmegleXTalkNow/pkg/config"
	"github.com/yaratul2005/OmegleXTalkNow/pkg/logging"
)

func main() {
	logger := logging.New(logging.LevelInfo)
	slog.SetDefault(logger)

	cfg, err := config.Load(logger, "config")
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger = logging.New(logging.Parse(cfg.LogLevel))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rateGuard := guard.New(logger)
	queue := match.NewQueue(logger)
	connRegistry := registry.New(logger)

	// Collaborators: the moderation verdict, profile attributes and audit
	// records come from outside this core. Swap these for the real
	// integrations at deployment time.
	moderator := moderation.NewStaticModerator(moderation.AllowVerdict())
	profiles := profile.NewInMemoryDirectory()
	sink := audit.NewLogSink(logger)

	signalingRelay := relay.New(logger, queue, connRegistry, moderator, profiles, sink, cfg.ICEServers)

	app := server.NewApp(logger, ctx, cfg, rateGuard, connRegistry, signalingRelay)
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}

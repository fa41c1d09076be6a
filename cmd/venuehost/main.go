package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pandemicaudio/venuehost/internals/config"
	"github.com/pandemicaudio/venuehost/internals/discovery"
	"github.com/pandemicaudio/venuehost/internals/host"
	"github.com/pandemicaudio/venuehost/internals/library"
	"github.com/pandemicaudio/venuehost/internals/utils"
	"go.uber.org/zap"
)

func main() {
	cfg := config.LoadConfig()

	logger, err := utils.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		os.Stderr.WriteString("failed to build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	lib, err := library.NewDirLibrary(cfg.Library.Dir, cfg.Room.Name, cfg.Discovery.ServiceName, logger)
	if err != nil {
		logger.Fatal("Failed to load host library", zap.Error(err))
	}

	var advertiser discovery.Advertiser = discovery.Noop{}
	if !cfg.Discovery.Disabled {
		advertiser = discovery.NewMDNS(cfg.Discovery.ServiceName, cfg.Room.Name, cfg.Server.Port, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h := host.New(cfg, lib, advertiser, logger)
	if err := h.Run(ctx); err != nil {
		logger.Fatal("Venue host exited with error", zap.Error(err))
	}
	logger.Info("Venue host stopped")
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/xhad/docrag/pkg/app"
	cfgPkg "github.com/xhad/docrag/pkg/config"
	"github.com/xhad/docrag/pkg/logging"
	"github.com/xhad/docrag/server"
)

func main() {
	var (
		configPath string
		addr       string
		migrate    bool
	)
	flag.StringVar(&configPath, "config", "", "Path to config file")
	flag.StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	flag.BoolVar(&migrate, "migrate", false, "Apply database migrations on startup")
	flag.Parse()

	if err := run(configPath, addr, migrate); err != nil {
		log.Fatal(err)
	}
}

func run(configPath, addr string, migrate bool) error {
	config, err := cfgPkg.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if addr != "" {
		config.Server.Addr = addr
	}
	if migrate {
		config.Database.Migrate = true
	}

	logger := logging.New(config.Log.Level, config.Log.Format, os.Stderr)
	slog.SetDefault(logger)

	ctx := context.Background()
	a, err := app.New(ctx, config, logger, app.Options{})
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	srv := server.NewWithConfig(a, server.Config{
		Addr:           config.Server.Addr,
		AllowedOrigins: config.Server.AllowedOrigins,
		Logger:         logger,
	})
	return srv.Run(ctx)
}

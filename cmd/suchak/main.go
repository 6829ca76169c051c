package main

import (
	"context"

	"suchak/internal/app"
	"suchak/pkg/config"
	"suchak/pkg/logger"
	"suchak/pkg/shutdown"
)

// build metadata - set via ldflags during build/release
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	logger.Init()

	flags := config.ParseFlags()
	eff, err := config.LoadEffective(flags)
	if err != nil {
		shutdown.Abort("load config", err, "", 0)
	}

	a, err := app.New(eff, version, commit, buildDate)
	if err != nil {
		shutdown.Abort("startup", err, eff.DBPath)
	}
	defer a.Close()

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	if err := a.Run(ctx); err != nil {
		shutdown.Abort("serve", err, eff.DBPath, 0)
	}
	logger.Info("shutdown_complete")
}

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/am-sokolov/liveroom-go/config"
	"github.com/am-sokolov/liveroom-go/internal/app"
	"github.com/am-sokolov/liveroom-go/internal/cli"
	"github.com/am-sokolov/liveroom-go/internal/output"
)

func main() {
	if err := run(); err != nil {
		formatter := output.NewFormatter(os.Stderr)
		formatter.Error(err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("initializing app: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = application.Close(ctx)
	}()

	deps := &cli.Dependencies{
		App:    application,
		Config: cfg,
	}

	return cli.NewRootCmd(deps).Execute()
}

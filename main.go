// Package main is the entry point for the askdata bot.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/billie-coop/askdata/internal/app"
	"github.com/billie-coop/askdata/internal/channel"
	"github.com/billie-coop/askdata/internal/channel/webhook"
	"github.com/billie-coop/askdata/internal/config"
	"github.com/billie-coop/askdata/internal/console"
	"github.com/billie-coop/askdata/internal/events"
	"github.com/billie-coop/askdata/internal/logging"
)

const consoleLogFile = "askdata.log"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := pflag.NewFlagSet("askdata", pflag.ContinueOnError)
	configPath := fs.String("config", "askdata.json", "path of the JSON config file")
	config.BindFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	manager := config.NewManager(*configPath)
	if err := manager.Load(); err != nil {
		return err
	}
	if err := manager.ApplyFlags(fs); err != nil {
		return err
	}
	cfg := manager.Get()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", manager.Path(), err)
	}

	// The console UI owns the terminal, so its logs go to a file.
	var outputs []string
	if cfg.Channel == "console" {
		outputs = []string{consoleLogFile}
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, outputs...)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Debug("config loaded",
		zap.String("path", manager.Path()),
		zap.String("channel", cfg.Channel),
		zap.String("csv", cfg.Dataset.CSVPath),
		logging.Secret("generator_api_key", cfg.Generator.APIKey),
		logging.Secret("humanizer_api_key", cfg.Humanizer.APIKey),
		logging.Secret("webhook_secret", cfg.Webhook.Secret))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	broker := events.NewBroker()

	var (
		sender channel.Sender
		chat   *console.Channel
	)
	if cfg.Channel == "console" {
		chat = console.NewChannel("console", cfg.Charts.Dir, logger.Named("console"))
		sender = chat
	} else {
		sender = webhook.NewSender(cfg.Webhook.OutboundURL, &http.Client{Timeout: 30 * time.Second}, logger.Named("webhook"))
	}

	a, err := app.New(cfg, sender,
		app.WithLogger(logger),
		app.WithRegisterer(reg),
		app.WithBroker(broker))
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.RunBackground(ctx) })

	if chat != nil {
		g.Go(func() error {
			// Quitting the UI ends the process.
			defer stop()
			return console.Run(ctx, chat, a.Bot, a.Events)
		})
	} else {
		srv := webhook.NewServer(cfg.Listen, a.Bot,
			webhook.WithSecret(cfg.Webhook.Secret),
			webhook.WithGatherer(reg),
			webhook.WithHealthCheck(a.Health),
			webhook.WithLogger(logger.Named("webhook")))
		g.Go(func() error { return srv.Run(ctx) })
	}

	logger.Info("askdata started", zap.String("channel", cfg.Channel), zap.String("listen", cfg.Listen))
	err = g.Wait()
	logger.Info("askdata stopped")
	return err
}

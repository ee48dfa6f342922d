// Package app assembles askdata's services from a Config and runs the
// background loops they need.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/billie-coop/askdata/internal/admission"
	"github.com/billie-coop/askdata/internal/bot"
	"github.com/billie-coop/askdata/internal/channel"
	"github.com/billie-coop/askdata/internal/chart"
	"github.com/billie-coop/askdata/internal/config"
	"github.com/billie-coop/askdata/internal/dataset"
	"github.com/billie-coop/askdata/internal/dedup"
	"github.com/billie-coop/askdata/internal/events"
	"github.com/billie-coop/askdata/internal/export"
	"github.com/billie-coop/askdata/internal/finalizer"
	"github.com/billie-coop/askdata/internal/llm"
	"github.com/billie-coop/askdata/internal/media"
	"github.com/billie-coop/askdata/internal/metrics"
	"github.com/billie-coop/askdata/internal/pipeline"
	"github.com/billie-coop/askdata/internal/registry"
	"github.com/billie-coop/askdata/internal/shell"
	"github.com/billie-coop/askdata/internal/watcher"
)

// App holds all the core services
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Events  *events.Broker

	Dataset   *dataset.Store
	Dedup     *dedup.Cache
	Registry  *registry.Registry
	Admission *admission.Controller
	Pipeline  *pipeline.Pipeline
	Finalizer *finalizer.Finalizer
	Bot       *bot.Bot

	Watcher *watcher.FileWatcher
	Export  *export.Scheduler
}

// Option configures New.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	broker     *events.Broker
}

// WithLogger sets the root logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer registers the metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithBroker shares an existing event broker.
func WithBroker(b *events.Broker) Option {
	return func(o *options) { o.broker = b }
}

// New creates an app with all services initialized. Replies go out through
// sender. The dataset is loaded before New returns.
func New(cfg *config.Config, sender channel.Sender, opts ...Option) (*App, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.broker == nil {
		o.broker = events.NewBroker()
	}
	log := o.logger

	a := &App{
		Config:  cfg,
		Logger:  log,
		Metrics: metrics.New(o.registerer),
		Events:  o.broker,
	}

	store, err := dataset.Open(cfg.Dataset.CSVPath,
		dataset.WithTable(cfg.Dataset.Table),
		dataset.WithLogger(log.Named("dataset")),
		dataset.WithMetrics(a.Metrics))
	if err != nil {
		return nil, err
	}
	a.Dataset = store

	runner, err := newShell(cfg, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	generator := llm.NewGenerator(a.client("generator", cfg.Generator))
	a.Pipeline = pipeline.New(pipeline.Config{
		MaxQueryAttempts:     cfg.Limits.MaxQueryAttempts,
		MaxGenerationRetries: cfg.Limits.MaxGenerationRetries,
		GenerationBackoff:    cfg.Limits.GenerationBackoff.D(),
	}, generator, store,
		pipeline.WithLogger(log.Named("pipeline")),
		pipeline.WithMetrics(a.Metrics),
		pipeline.OnAttempt(bot.PublishAttempts(a.Events)))

	var secondary finalizer.Humanizer
	if cfg.Fallback.BaseURL != "" {
		secondary = llm.NewResponsesHumanizer(a.client("fallback_humanizer", cfg.Fallback))
	}
	var charts finalizer.ChartRenderer
	if cfg.ChartWriter.BaseURL != "" && cfg.Charts.ScreenshotCommand != "" {
		charts = chart.NewRenderer(cfg.Charts.Dir, cfg.Charts.ScreenshotCommand, cfg.Dataset.MaxResultRows,
			a.client("chart_writer", cfg.ChartWriter), runner, log)
	}
	a.Finalizer = finalizer.New(finalizer.Config{
		MaxHumanizeRetries: cfg.Limits.MaxHumanizeRetries,
		HumanizeBackoff:    cfg.Limits.HumanizeBackoff.D(),
		MaxResultRows:      cfg.Dataset.MaxResultRows,
	}, llm.NewHumanizer(a.client("humanizer", cfg.Humanizer)), secondary, charts, sender,
		finalizer.WithLogger(log.Named("finalizer")),
		finalizer.WithMetrics(a.Metrics))

	var transcriber bot.Transcriber
	if cfg.Transcriber.BaseURL != "" {
		transcriber = media.NewTranscriber(cfg.Media.TempDir, cfg.Media.ConvertCommand, runner,
			a.client("transcriber", cfg.Transcriber), log)
	}

	a.Dedup = dedup.New(cfg.Limits.DedupWindow.D(), dedup.WithLogger(log.Named("dedup")))
	a.Registry = registry.New()
	a.Admission = admission.New(cfg.Limits.MaxConcurrentWorkflows, a.Metrics)
	a.Bot = bot.New(bot.Config{
		WelcomeInterval: cfg.Bot.WelcomeInterval.D(),
		CancelKeyword:   cfg.Bot.CancelKeyword,
		ChartMarker:     cfg.Bot.ChartMarker,
	}, bot.Deps{
		Dedup:       a.Dedup,
		Registry:    a.Registry,
		Admission:   a.Admission,
		Pipeline:    a.Pipeline,
		Finalizer:   a.Finalizer,
		Transcriber: transcriber,
		Sender:      sender,
	},
		bot.WithLogger(log.Named("bot")),
		bot.WithMetrics(a.Metrics),
		bot.WithBroker(a.Events))

	a.Watcher = watcher.New(cfg.Dataset.CSVPath, store,
		watcher.WithDebounce(cfg.Dataset.WatchDebounce.D()),
		watcher.WithBroker(a.Events),
		watcher.WithLogger(log.Named("watcher")))
	a.Export, err = export.New(cfg.Export.URL, cfg.Dataset.CSVPath, cfg.Export.Hours,
		export.WithLogger(log.Named("export")),
		export.WithMetrics(a.Metrics),
		export.WithBroker(a.Events))
	if err != nil {
		store.Close()
		return nil, err
	}

	log.Info("services ready",
		zap.String("schema", store.Schema().String()),
		zap.Int("max_concurrent_workflows", a.Admission.Limit()),
		zap.Bool("transcription", transcriber != nil),
		zap.Bool("charts", charts != nil),
		zap.Bool("fallback_humanizer", secondary != nil))
	return a, nil
}

func (a *App) client(name string, e config.Endpoint) *llm.Client {
	return llm.NewClient(llm.Endpoint{
		Name:    name,
		BaseURL: e.BaseURL,
		APIKey:  e.APIKey,
		Model:   e.Model,
		Timeout: e.Timeout.D(),
	}, a.Logger.Named(name), a.Metrics)
}

// newShell builds the command runner, allowing only the programs the
// configured command templates name.
func newShell(cfg *config.Config, log *zap.Logger) (*shell.Runner, error) {
	var allowed []string
	for _, tmpl := range []string{cfg.Media.ConvertCommand, cfg.Charts.ScreenshotCommand} {
		if tmpl == "" {
			continue
		}
		progs, err := shell.Programs(tmpl)
		if err != nil {
			return nil, fmt.Errorf("command template %q: %w", tmpl, err)
		}
		allowed = append(allowed, progs...)
	}
	return shell.New(
		shell.WithBlockFuncs(shell.CommandsAllower(allowed)),
		shell.WithLogger(log.Named("shell")),
	), nil
}

// RunBackground runs the dedup sweeper, the dataset watcher and the export
// schedule until ctx is done.
func (a *App) RunBackground(ctx context.Context) error {
	a.Dedup.Start()
	defer a.Dedup.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Watcher.Run(ctx) })
	g.Go(func() error { return a.Export.Run(ctx) })
	return g.Wait()
}

// Health reports whether the app can answer questions.
func (a *App) Health() error {
	if a.Dataset.LoadedAt().IsZero() {
		return errors.New("dataset not loaded")
	}
	return nil
}

// Close releases the dataset and stops the event broker.
func (a *App) Close() error {
	a.Events.Close()
	return a.Dataset.Close()
}

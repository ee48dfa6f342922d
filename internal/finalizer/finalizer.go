// Package finalizer turns rows into the user's answer and delivers it:
// humanize with a retry and fallback chain, send the text, then optionally
// render and send a chart.
//
// The humanizer chain is
//
//	primary (retried with quadratic backoff on network failures)
//	  -> secondary, once
//	  -> fixed apology text
//
// The request's checkpoint is consulted before every humanizer call, before
// sending the text, before rendering the chart and before sending it.
package finalizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/billie-coop/askdata/internal/channel"
	"github.com/billie-coop/askdata/internal/dataset"
	"github.com/billie-coop/askdata/internal/llm"
	"github.com/billie-coop/askdata/internal/metrics"
	"github.com/billie-coop/askdata/internal/registry"
	"github.com/billie-coop/askdata/internal/replies"
	"github.com/billie-coop/askdata/internal/retry"
)

// ErrAnswered wraps failures that happen after the answer text was sent.
// The user already has a reply, so callers must not send another.
var ErrAnswered = errors.New("answer already sent")

// Humanizer turns raw rows into an answer.
type Humanizer interface {
	Humanize(ctx context.Context, question, rawResult string) (string, error)
}

// ChartRenderer draws rows as an image.
type ChartRenderer interface {
	Render(ctx context.Context, requestText string, rows dataset.Rows) (string, error)
	Cleanup(imagePath string) error
}

// Checkpoint reports whether the request must stop.
type Checkpoint interface {
	Cancelled() bool
}

// Config bounds the humanizer retries.
type Config struct {
	MaxHumanizeRetries int
	HumanizeBackoff    time.Duration
	MaxResultRows      int
}

// Input is one answer to deliver.
type Input struct {
	User       string
	Question   string
	Rows       dataset.Rows
	WantChart  bool
	Checkpoint Checkpoint
}

// Finalizer delivers answers.
//
// Used by: bot.HandleDelivery (after a successful pipeline run)
type Finalizer struct {
	cfg       Config
	primary   Humanizer
	secondary Humanizer
	charts    ChartRenderer
	sender    channel.Sender
	texts     replies.Texts
	wait      retry.WaitFunc
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// Option configures a Finalizer.
type Option func(*Finalizer)

// WithWait replaces the backoff wait.
func WithWait(w retry.WaitFunc) Option {
	return func(f *Finalizer) { f.wait = w }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Finalizer) { f.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Finalizer) { f.metrics = m }
}

// WithTexts replaces the stock reply texts.
func WithTexts(t replies.Texts) Option {
	return func(f *Finalizer) { f.texts = t }
}

// New creates a finalizer. secondary and charts may be nil.
func New(cfg Config, primary, secondary Humanizer, charts ChartRenderer, sender channel.Sender, opts ...Option) *Finalizer {
	f := &Finalizer{
		cfg:       cfg,
		primary:   primary,
		secondary: secondary,
		charts:    charts,
		sender:    sender,
		texts:     replies.Default(),
		wait:      retry.Sleep,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Deliver humanizes in.Rows and sends the answer, then the chart when
// requested. It returns registry.ErrCancelled when a checkpoint stopped it,
// and a send error when the transport failed. Chart-phase send failures are
// wrapped in ErrAnswered.
func (f *Finalizer) Deliver(ctx context.Context, in Input) error {
	log := f.logger.With(zap.String("user", in.User))

	text, err := f.humanize(ctx, in, log)
	if err != nil {
		return err
	}

	if in.Checkpoint.Cancelled() {
		return registry.ErrCancelled
	}
	if err := f.sender.SendText(ctx, in.User, text); err != nil {
		return err
	}

	if !in.WantChart || f.charts == nil {
		return nil
	}
	if err := f.deliverChart(ctx, in, log); err != nil {
		if errors.Is(err, registry.ErrCancelled) || ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: chart: %w", ErrAnswered, err)
	}
	return nil
}

func (f *Finalizer) humanize(ctx context.Context, in Input, log *zap.Logger) (string, error) {
	raw := in.Rows.JSONLines(f.cfg.MaxResultRows)

	for attempt := 0; ; attempt++ {
		if in.Checkpoint.Cancelled() {
			return "", registry.ErrCancelled
		}
		text, err := f.primary.Humanize(ctx, in.Question, raw)
		if err == nil {
			return text, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		if !errors.Is(err, llm.ErrTransientNetwork) || attempt >= f.cfg.MaxHumanizeRetries {
			log.Warn("primary humanizer failed", zap.Int("retries", attempt), zap.Error(err))
			break
		}

		delay := retry.Quadratic(f.cfg.HumanizeBackoff, attempt+1)
		log.Info("humanizer unreachable, retrying", zap.Duration("wait", delay), zap.Error(err))
		f.metrics.RecordHumanizer(metrics.HumanizeRetry)
		if err := f.wait(ctx, delay); err != nil {
			return "", err
		}
	}

	if f.secondary != nil {
		if in.Checkpoint.Cancelled() {
			return "", registry.ErrCancelled
		}
		f.metrics.RecordHumanizer(metrics.HumanizeSecondary)
		text, err := f.secondary.Humanize(ctx, in.Question, raw)
		if err == nil {
			return text, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		log.Warn("secondary humanizer failed", zap.Error(err))
	}

	f.metrics.RecordHumanizer(metrics.HumanizeApology)
	return f.texts.HumanizeFailed, nil
}

func (f *Finalizer) deliverChart(ctx context.Context, in Input, log *zap.Logger) error {
	if in.Checkpoint.Cancelled() {
		return registry.ErrCancelled
	}

	image, err := f.charts.Render(ctx, in.Question, in.Rows)
	if image != "" {
		defer func() {
			if cerr := f.charts.Cleanup(image); cerr != nil {
				log.Warn("chart cleanup failed", zap.Error(cerr))
			}
		}()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		log.Warn("chart render failed", zap.Error(err))
		if in.Checkpoint.Cancelled() {
			return registry.ErrCancelled
		}
		return f.sender.SendText(ctx, in.User, f.texts.ChartFailed)
	}

	if in.Checkpoint.Cancelled() {
		return registry.ErrCancelled
	}
	return f.sender.SendImage(ctx, in.User, image, "")
}

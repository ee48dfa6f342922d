// Package bot is the per-delivery workflow: everything between a message
// arriving on a channel and the single answer (or silence) going back.
//
// For each delivery:
//
//	dedup -> welcome notice -> cancel keyword? -> register request
//	  -> transcribe audio -> admission slot [pipeline -> finalizer]
//	  -> map failure to one reply -> finalize
//
// The request is finalized on every path, including panics.
package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/billie-coop/askdata/internal/admission"
	"github.com/billie-coop/askdata/internal/channel"
	"github.com/billie-coop/askdata/internal/csync"
	"github.com/billie-coop/askdata/internal/dataset"
	"github.com/billie-coop/askdata/internal/dedup"
	"github.com/billie-coop/askdata/internal/events"
	"github.com/billie-coop/askdata/internal/finalizer"
	"github.com/billie-coop/askdata/internal/media"
	"github.com/billie-coop/askdata/internal/metrics"
	"github.com/billie-coop/askdata/internal/pipeline"
	"github.com/billie-coop/askdata/internal/registry"
	"github.com/billie-coop/askdata/internal/replies"
)

// QueryRunner turns a question into rows.
type QueryRunner interface {
	Run(ctx context.Context, question string, cp pipeline.Checkpoint) (pipeline.Result, error)
}

// Deliverer humanizes rows and sends the answer.
type Deliverer interface {
	Deliver(ctx context.Context, in finalizer.Input) error
}

// Transcriber turns audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, m media.Media) (string, error)
}

// Config holds the conversational knobs.
type Config struct {
	// WelcomeInterval is the idle time after which the usage notice is sent
	// again. Zero disables the notice.
	WelcomeInterval time.Duration
	CancelKeyword   string
	ChartMarker     string
}

// Deps are the bot's collaborators. Transcriber may be nil, in which case
// audio deliveries fail with the audio apology.
type Deps struct {
	Dedup       *dedup.Cache
	Registry    *registry.Registry
	Admission   *admission.Controller
	Pipeline    QueryRunner
	Finalizer   Deliverer
	Transcriber Transcriber
	Sender      channel.Sender
}

// Bot handles deliveries.
//
// Used by: channel/webhook, console (as their channel.Handler)
type Bot struct {
	cfg  Config
	deps Deps

	texts   replies.Texts
	welcome *csync.Map[string, time.Time]
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
	broker  *events.Broker
}

// Option configures a Bot.
type Option func(*Bot)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bot) { b.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bot) { b.metrics = m }
}

// WithBroker publishes request lifecycle events.
func WithBroker(br *events.Broker) Option {
	return func(b *Bot) { b.broker = br }
}

// WithTexts replaces the stock reply texts.
func WithTexts(t replies.Texts) Option {
	return func(b *Bot) { b.texts = t }
}

// WithClock replaces the clock used by the welcome tracker.
func WithClock(now func() time.Time) Option {
	return func(b *Bot) { b.now = now }
}

// New creates a bot.
func New(cfg Config, deps Deps, opts ...Option) *Bot {
	b := &Bot{
		cfg:     cfg,
		deps:    deps,
		texts:   replies.Default(),
		welcome: csync.NewMap[string, time.Time](),
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ channel.Handler = (*Bot)(nil)

// HandleDelivery processes one delivery to completion.
func (b *Bot) HandleDelivery(ctx context.Context, d channel.Delivery) {
	log := b.logger.With(zap.String("delivery_id", d.ID), zap.String("user", d.User))

	if !b.deps.Dedup.Accept(d.ID) {
		b.metrics.RecordDelivery(metrics.DeliveryDuplicate)
		log.Debug("duplicate delivery dropped")
		return
	}

	b.greet(ctx, d.User, log)

	if b.isCancelCommand(d.Body) {
		b.metrics.RecordDelivery(metrics.DeliveryCancel)
		b.cancel(ctx, d.User, log)
		return
	}
	b.metrics.RecordDelivery(metrics.DeliveryAccepted)

	id := registry.NewID()
	b.deps.Registry.Register(d.User, id)
	log = log.With(zap.String("request_id", id))
	b.broker.Publish(events.RequestRegisteredEvent, events.RequestPayload{RequestID: id, User: d.User})

	start := time.Now()
	outcome := metrics.WorkflowFailed
	defer func() {
		b.deps.Registry.Finalize(d.User, id)
		b.metrics.RecordWorkflow(outcome)
		b.broker.Publish(events.RequestFinishedEvent, events.RequestPayload{RequestID: id, User: d.User, Outcome: outcome})
		log.Info("request finished", zap.String("outcome", outcome), zap.Duration("took", time.Since(start)))
	}()

	outcome = b.process(ctx, d, b.deps.Registry.Checkpoint(d.User, id), log)
}

// greet sends the usage notice when the user has been idle for longer than
// WelcomeInterval, and records this delivery as the user's latest.
func (b *Bot) greet(ctx context.Context, user string, log *zap.Logger) {
	if b.cfg.WelcomeInterval <= 0 {
		return
	}
	now := b.now()
	due := false
	b.welcome.Compute(user, func(last time.Time, seen bool) (time.Time, bool) {
		due = !seen || now.Sub(last) > b.cfg.WelcomeInterval
		return now, true
	})
	if !due {
		return
	}
	if err := b.deps.Sender.SendText(ctx, user, b.texts.Welcome); err != nil {
		log.Warn("welcome notice not sent", zap.Error(err))
	}
}

func (b *Bot) isCancelCommand(body string) bool {
	return b.cfg.CancelKeyword != "" && strings.EqualFold(strings.TrimSpace(body), b.cfg.CancelKeyword)
}

func (b *Bot) cancel(ctx context.Context, user string, log *zap.Logger) {
	text := b.texts.NothingToCancel
	if id, ok := b.deps.Registry.CancelMostRecentActive(user); ok {
		text = b.texts.Cancelled
		log.Info("request cancelled by user", zap.String("request_id", id))
		b.broker.Publish(events.RequestCancelledEvent, events.RequestPayload{RequestID: id, User: user})
	} else {
		log.Info("cancel requested with nothing in progress")
	}
	if err := b.deps.Sender.SendText(ctx, user, text); err != nil {
		log.Warn("cancel reply not sent", zap.Error(err))
	}
}

// process runs the request and returns its outcome label. It sends at most
// one failure reply, and none once the request is cancelled.
func (b *Bot) process(ctx context.Context, d channel.Delivery, cp registry.Checkpoint, log *zap.Logger) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("request panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			outcome = b.fail(ctx, d.User, cp, fmt.Errorf("panic: %v", r), log)
		}
	}()

	text, err := b.text(ctx, d, cp, log)
	if err != nil {
		return b.fail(ctx, d.User, cp, err, log)
	}

	wantChart := b.cfg.ChartMarker != "" && (strings.Contains(d.Body, b.cfg.ChartMarker) || strings.Contains(text, b.cfg.ChartMarker))
	if b.cfg.ChartMarker != "" {
		text = strings.ReplaceAll(text, b.cfg.ChartMarker, "")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		log.Info("empty message, nothing to answer")
		return metrics.WorkflowEmpty
	}
	log.Info("question received", zap.String("question", text), zap.Bool("chart", wantChart))

	err = b.deps.Admission.Run(ctx, func(ctx context.Context) error {
		res, err := b.deps.Pipeline.Run(ctx, text, cp)
		if err != nil {
			return err
		}
		return b.deps.Finalizer.Deliver(ctx, finalizer.Input{
			User:       d.User,
			Question:   text,
			Rows:       res.Rows,
			WantChart:  wantChart,
			Checkpoint: cp,
		})
	})
	if err != nil {
		return b.fail(ctx, d.User, cp, err, log)
	}
	return metrics.WorkflowAnswered
}

// text returns the delivery's question, transcribing audio when present.
func (b *Bot) text(ctx context.Context, d channel.Delivery, cp registry.Checkpoint, log *zap.Logger) (string, error) {
	if !d.Media.IsAudio() {
		return d.Body, nil
	}
	if err := cp.Err(); err != nil {
		return "", err
	}
	if b.deps.Transcriber == nil {
		return "", fmt.Errorf("%w: no transcriber configured", media.ErrTranscription)
	}

	text, err := b.deps.Transcriber.Transcribe(ctx, *d.Media)
	if err != nil {
		return "", err
	}
	if err := cp.Err(); err != nil {
		return "", err
	}
	log.Debug("audio transcribed", zap.String("text", text))
	return text, nil
}

// fail maps err to its reply, sends it unless the request was cancelled,
// and returns the outcome label.
func (b *Bot) fail(ctx context.Context, user string, cp registry.Checkpoint, err error, log *zap.Logger) string {
	reply, outcome := b.classify(err)
	if reply == "" {
		log.Info("request stopped", zap.String("outcome", outcome), zap.Error(err))
		return outcome
	}
	if cp.Cancelled() {
		log.Info("request stopped", zap.Error(err))
		return metrics.WorkflowCancelled
	}

	log.Warn("request failed", zap.String("outcome", outcome), zap.Error(err))
	if serr := b.deps.Sender.SendText(ctx, user, reply); serr != nil {
		log.Error("failure reply not sent", zap.Error(serr))
	}
	return outcome
}

// classify returns the reply text and outcome label for err. An empty reply
// means the request ends silently; the user either cancelled or already has
// the answer.
func (b *Bot) classify(err error) (string, string) {
	switch {
	case errors.Is(err, finalizer.ErrAnswered):
		return "", metrics.WorkflowAnswered
	case errors.Is(err, registry.ErrCancelled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return "", metrics.WorkflowCancelled
	case errors.Is(err, pipeline.ErrGenerationUnavailable):
		return b.texts.GenerationUnavailable, metrics.WorkflowUnavailable
	case errors.Is(err, pipeline.ErrCorrectionExhausted):
		return b.texts.CorrectionExhausted, metrics.WorkflowExhausted
	case errors.Is(err, dataset.ErrEngine):
		return b.texts.Engine(dataset.EngineCode(err)), metrics.WorkflowEngineError
	case errors.Is(err, media.ErrTranscription):
		return b.texts.AudioFailed, metrics.WorkflowAudioError
	default:
		return b.texts.Unexpected, metrics.WorkflowFailed
	}
}

// PublishAttempts returns a pipeline attempt hook that publishes
// QueryAttemptEvent for requests tracked by a registry.
func PublishAttempts(br *events.Broker) func(pipeline.Attempt) {
	return func(a pipeline.Attempt) {
		p := events.QueryAttemptPayload{Attempt: a.Number, Query: a.Query, Err: a.Err}
		if rc, ok := a.Checkpoint.(registry.Checkpoint); ok {
			p.RequestID, p.User = rc.ID(), rc.User()
		}
		br.Publish(events.QueryAttemptEvent, p)
	}
}
